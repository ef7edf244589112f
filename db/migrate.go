package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

// Schema migration tool.
//
//	go run ./db up              apply pending migrations
//	go run ./db -steps 1 down   roll back one migration
//	go run ./db repair          clear a dirty version marker left by a failed run
func main() {
	msg, err := run(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(msg)
}

type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Version() (version uint, dirty bool, err error)
}

// Swapped out by tests so no live Postgres is needed.
var newMigrator = func(db *sql.DB) (migrator, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	return m, nil
}

func run(args []string) (string, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	steps := fs.Int("steps", 0, "number of migrations to apply (0 = all)")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	cmd := fs.Arg(0)
	if cmd == "" {
		cmd = "up"
	}

	_ = godotenv.Load()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return "", fmt.Errorf("DATABASE_URL environment variable is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return "", fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	m, err := newMigrator(db)
	if err != nil {
		return "", err
	}
	return apply(m, cmd, *steps)
}

func apply(m migrator, cmd string, steps int) (string, error) {
	var err error
	switch cmd {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	case "repair":
		v, dirty, verr := m.Version()
		if verr != nil {
			return "", fmt.Errorf("read migration version: %w", verr)
		}
		if !dirty {
			return "schema is clean, nothing to repair", nil
		}
		if ferr := m.Force(int(v)); ferr != nil {
			return "", fmt.Errorf("clear dirty version %d: %w", v, ferr)
		}
		return fmt.Sprintf("cleared dirty marker at version %d", v), nil
	default:
		return "", fmt.Errorf("unknown command %q (want up, down, or repair)", cmd)
	}
	if err == migrate.ErrNoChange {
		return "no migrations to apply", nil
	}
	if err != nil {
		return "", fmt.Errorf("migration %s failed: %w", cmd, err)
	}
	return fmt.Sprintf("migration %s complete", cmd), nil
}
