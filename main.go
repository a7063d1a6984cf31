package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"battle-system/config"
	"battle-system/metrics"
	"battle-system/models"
)

func main() {
	root := &cobra.Command{
		Use:           "battle-system",
		Short:         "Real-time PvP battle service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), sweepCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

// bootstrap loads config, sets up logging and metrics, and opens the database.
func bootstrap() (config.Config, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	setupLogging(cfg)

	if cfg.StatsdAddress != "" {
		if err := metrics.Init(cfg.StatsdAddress, cfg.StatsdTags); err != nil {
			log.Warn().Err(err).Msg("statsd disabled")
		}
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, db, nil
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the battle tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer metrics.Close()
			if err := models.AutoMigrate(db); err != nil {
				return err
			}
			log.Info().Msg("database migrated")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer metrics.Close()

			app, err := wire(cmd.Context(), cfg, db)
			if err != nil {
				return err
			}
			defer app.close()

			rep, err := app.sweeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().
				Int64("invitations_expired", rep.InvitationsExpired).
				Int64("rejections_purged", rep.RejectionsPurged).
				Int64("queue_expired", rep.QueueEntriesExpired).
				Int("battles_timed_out", rep.BattlesTimedOut).
				Msg("sweep done")
			return nil
		},
	}
}
