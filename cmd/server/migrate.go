package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/devlink/pairing-broker/internal/database"
)

func migrate(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	current, err := database.MigrationVersion(ctx, db)
	if err != nil {
		return err
	}
	log.Info().Int64("version", current).Msg("database is up to date")
	return nil
}
