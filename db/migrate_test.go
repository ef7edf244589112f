package main

import (
	"database/sql"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4"
)

type fakeMigrator struct {
	upCalls    int
	downCalls  int
	stepsCalls []int
	forceCalls []int
	version    uint
	dirty      bool
	versionErr error
	err        error
}

func (f *fakeMigrator) Up() error                    { f.upCalls++; return f.err }
func (f *fakeMigrator) Down() error                  { f.downCalls++; return f.err }
func (f *fakeMigrator) Steps(n int) error            { f.stepsCalls = append(f.stepsCalls, n); return f.err }
func (f *fakeMigrator) Force(v int) error            { f.forceCalls = append(f.forceCalls, v); return f.err }
func (f *fakeMigrator) Version() (uint, bool, error) { return f.version, f.dirty, f.versionErr }

func swapNewMigrator(t *testing.T, fm *fakeMigrator) {
	t.Helper()
	prev := newMigrator
	t.Cleanup(func() { newMigrator = prev })
	newMigrator = func(*sql.DB) (migrator, error) { return fm, nil }
}

func TestRunRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	swapNewMigrator(t, &fakeMigrator{})
	_, err := run([]string{"up"})
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunDefaultsToUp(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	fm := &fakeMigrator{}
	swapNewMigrator(t, fm)

	msg, err := run(nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if fm.upCalls != 1 {
		t.Fatalf("upCalls = %d", fm.upCalls)
	}
	if msg != "migration up complete" {
		t.Fatalf("msg = %q", msg)
	}
}

func TestRunReportsNoChange(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	fm := &fakeMigrator{err: migrate.ErrNoChange}
	swapNewMigrator(t, fm)

	msg, err := run([]string{"up"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if msg != "no migrations to apply" {
		t.Fatalf("msg = %q", msg)
	}
}

func TestRunPassesStepsThrough(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	fm := &fakeMigrator{}
	swapNewMigrator(t, fm)

	msg, err := run([]string{"-steps", "2", "down"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(fm.stepsCalls) != 1 || fm.stepsCalls[0] != -2 {
		t.Fatalf("stepsCalls = %v", fm.stepsCalls)
	}
	if msg != "migration down complete" {
		t.Fatalf("msg = %q", msg)
	}
}

func TestApplyRepairOnlyForcesWhenDirty(t *testing.T) {
	fm := &fakeMigrator{version: 3, dirty: true}
	msg, err := apply(fm, "repair", 0)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if len(fm.forceCalls) != 1 || fm.forceCalls[0] != 3 {
		t.Fatalf("forceCalls = %v", fm.forceCalls)
	}
	if msg != "cleared dirty marker at version 3" {
		t.Fatalf("msg = %q", msg)
	}

	fm = &fakeMigrator{version: 3, dirty: false}
	msg, err = apply(fm, "repair", 0)
	if err != nil {
		t.Fatalf("repair clean: %v", err)
	}
	if len(fm.forceCalls) != 0 {
		t.Fatalf("clean schema should not be forced: %v", fm.forceCalls)
	}
	if msg != "schema is clean, nothing to repair" {
		t.Fatalf("msg = %q", msg)
	}
}

func TestApplyCommands(t *testing.T) {
	fm := &fakeMigrator{}
	if _, err := apply(fm, "up", 0); err != nil {
		t.Fatalf("up: %v", err)
	}
	if _, err := apply(fm, "down", 0); err != nil {
		t.Fatalf("down: %v", err)
	}
	if _, err := apply(fm, "up", 3); err != nil {
		t.Fatalf("up steps: %v", err)
	}
	if fm.upCalls != 1 || fm.downCalls != 1 {
		t.Fatalf("upCalls=%d downCalls=%d", fm.upCalls, fm.downCalls)
	}
	if len(fm.stepsCalls) != 1 || fm.stepsCalls[0] != 3 {
		t.Fatalf("stepsCalls = %v", fm.stepsCalls)
	}
	if _, err := apply(fm, "sideways", 0); err == nil {
		t.Fatalf("expected error for unknown command")
	}
}
