package main

// Run database migrations on the event log and identity mapping databases:
//   go run ./cmd/migrate

import (
	"context"
	"os"

	"marking-backend/internal/shared/config"
	"marking-backend/internal/shared/storage/db"
	"marking-backend/internal/shared/telemetry"
)

func main() {
	cfg := config.Load()
	telemetry.Configure(cfg.LogLevel, cfg.LogPretty)
	ctx := context.Background()

	targets := []struct {
		name string
		url  string
	}{
		{"event_log", cfg.DatabaseURL},
		{"identity_mappings", cfg.MappingDatabaseURL},
	}
	for _, target := range targets {
		if target.url == "" {
			telemetry.Warn("migrate.skipped", map[string]any{"database": target.name})
			continue
		}
		if err := migrate(ctx, target.url); err != nil {
			telemetry.Error("migrate.failed", map[string]any{"database": target.name, "error": err.Error()})
			os.Exit(1)
		}
		telemetry.Info("migrate.done", map[string]any{"database": target.name})
	}
}

func migrate(ctx context.Context, url string) error {
	opts := db.OptionsFromEnv(db.DefaultMigrateOptions())
	sqlDB, dialect, err := db.Connect(ctx, url, opts)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return db.RunMigrations(ctx, sqlDB, dialect)
}
