// Package main provides a CLI tool for running database migrations.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/x-mirror/internal/config"
	"github.com/x-mirror/internal/storage"
)

func main() {
	action := flag.String("action", "up", "Migration action: up, down, version")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := runMigrations(cfg.Database, *action); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

func runMigrations(db config.DatabaseConfig, action string) error {
	databaseURL := db.MigrationURL()

	switch action {
	case "up":
		log.Printf("Running %s migrations...", db.Driver)
		if err := storage.RunMigrations(databaseURL); err != nil {
			return err
		}
		log.Println("Migrations completed successfully")

	case "down":
		log.Printf("Rolling back %s migration...", db.Driver)
		if err := storage.RollbackMigrations(databaseURL); err != nil {
			return err
		}
		log.Println("Migration rolled back successfully")

	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL)
		if err != nil {
			return err
		}
		log.Printf("Current %s migration version: %d (dirty: %v)", db.Driver, version, dirty)

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}
