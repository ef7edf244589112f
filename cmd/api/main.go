package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"

	"github.com/crosspost-labs/crosspost/backend/internal/handlers"
	"github.com/crosspost-labs/crosspost/backend/internal/storage"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Run migrations on startup
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("Failed to init migration driver: %v", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		log.Fatalf("Database migration failed: %v", err)
	}
	log.Println("Database is up-to-date")

	media, err := storage.FromEnv()
	if err != nil {
		log.Printf("[Storage] media storage disabled: %v", err)
		media = nil
	}

	h := handlers.New(db, media, &http.Client{Timeout: 60 * time.Second})

	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", h.Health).Methods("GET")

	// User endpoints
	r.HandleFunc("/api/users", h.CreateUser).Methods("POST")
	r.HandleFunc("/api/users/{id}", h.GetUser).Methods("GET")

	// Platform credentials (user-supplied app keys)
	r.HandleFunc("/api/social/{service}/credentials/user/{userId}", h.UpsertCredentials).Methods("PUT")
	r.HandleFunc("/api/social/{service}/credentials/user/{userId}", h.GetCredentialsStatus).Methods("GET")

	// OAuth flow
	r.HandleFunc("/api/social/{service}/authorize/user/{userId}", h.Authorize).Methods("GET")
	r.HandleFunc("/callback/social/{service}", h.AuthCallback).Methods("GET")

	// Connection state
	r.HandleFunc("/api/social/{service}/status/user/{userId}", h.ServiceStatus).Methods("GET")
	r.HandleFunc("/api/social/{service}/accounts/user/{userId}", h.Accounts).Methods("GET")
	r.HandleFunc("/api/social/{service}/disconnect/user/{userId}", h.Disconnect).Methods("POST")
	r.HandleFunc("/api/social/connections/user/{userId}", h.Connections).Methods("GET")

	// Media upload + publishing
	r.HandleFunc("/api/uploads/user/{userId}", h.Upload).Methods("POST")
	r.HandleFunc("/api/uploads/user/{userId}", h.ListUploads).Methods("GET")
	r.HandleFunc("/api/publish/user/{userId}", h.CreatePublishJob).Methods("POST")
	r.HandleFunc("/api/publish-now/user/{userId}", h.PublishNow).Methods("POST")
	r.HandleFunc("/api/publish/jobs/{id}", h.GetPublishJob).Methods("GET")
	r.HandleFunc("/api/social/{service}/session/user/{userId}", h.SessionStatus).Methods("GET")
	r.HandleFunc("/api/social-libraries/user/{userId}", h.SocialLibrary).Methods("GET")

	// Realtime events
	r.HandleFunc("/api/events/ws", h.EventsWebSocket)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	handler := c.Handler(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = "18912"
	}

	srv := &http.Server{
		Handler:      handler,
		Addr:         ":" + port,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Background: sweep abandoned OAuth attempts so the pending table stays
	// small and expired states fail closed quickly.
	sweeper := cron.New()
	_, err = sweeper.AddFunc("@every 10m", func() {
		ctx, cancelSweep := context.WithTimeout(rootCtx, 30*time.Second)
		defer cancelSweep()
		if n, err := h.Store().DeleteExpiredPending(ctx); err != nil {
			log.Printf("[AuthSweep] failed err=%v", err)
		} else if n > 0 {
			log.Printf("[AuthSweep] removed=%d", n)
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule auth sweep: %v", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	go func() {
		<-stop
		log.Println("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	log.Println("Server stopped")
}
