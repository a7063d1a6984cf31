package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"battle-system/config"
	"battle-system/events"
	"battle-system/handlers"
	"battle-system/jobs"
	"battle-system/metrics"
	"battle-system/middleware"
	"battle-system/models"
	"battle-system/services"
	"battle-system/utils"
	"battle-system/workers"
)

const shutdownTimeout = 10 * time.Second

// deps holds the wired services and the background pieces main starts.
type deps struct {
	hub         *events.Hub
	redis       *redis.Client
	relay       *events.Relay
	local       *jobs.LocalDispatcher
	worker      *workers.JobWorker
	battles     *services.BattleService
	invitations *services.InvitationService
	matchmaking *services.MatchmakingService
	fighters    *services.FighterService
	sweeper     *services.Sweeper
}

// wire builds the service graph. With REDIS_URL set, events fan out and
// round jobs are queued through redis; otherwise both stay in process.
func wire(ctx context.Context, cfg config.Config, db *gorm.DB) (*deps, error) {
	clock := clockwork.NewRealClock()
	rt := &deps{hub: events.NewHub(clock)}

	var (
		broadcaster events.Broadcaster = rt.hub
		dispatcher  jobs.Dispatcher
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, eris.Wrap(err, "invalid REDIS_URL")
		}
		rt.redis = redis.NewClient(opts)
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			return nil, eris.Wrap(err, "failed to reach redis")
		}

		rb := events.NewRedisBroadcaster(rt.redis, clock)
		if rt.relay, err = rb.Relay(ctx, rt.hub); err != nil {
			return nil, err
		}
		broadcaster = rb

		rd := jobs.NewRedisDispatcher(rt.redis, clock)
		rt.worker = workers.NewJobWorker(rd)
		dispatcher = rd
	} else {
		local, err := jobs.NewLocalDispatcher(clock)
		if err != nil {
			return nil, err
		}
		rt.local = local
		dispatcher = local
	}

	rt.fighters = services.NewFighterService(db, clock)
	rt.battles = services.NewBattleService(db, cfg.Battle, dispatcher, broadcaster, rt.fighters, rt.fighters)
	if cfg.Archive.Enabled() {
		archiver, err := utils.NewR2Archiver(ctx, cfg.Archive)
		if err != nil {
			return nil, err
		}
		rt.battles.Archiver = archiver
	}
	rt.invitations = services.NewInvitationService(db, cfg.Battle, rt.battles, broadcaster)
	rt.matchmaking = services.NewMatchmakingService(db, cfg.Battle, rt.battles, rt.invitations, broadcaster)
	rt.sweeper = services.NewSweeper(rt.battles, rt.invitations, rt.matchmaking)
	return rt, nil
}

func (rt *deps) close() {
	if rt.local != nil {
		if err := rt.local.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("job scheduler shutdown")
		}
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
}

func newApp(cfg config.Config, rt *deps) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	// Only gateway requests are allowed, except the health probe
	app.Use(middleware.GatewayAuthMiddleware(cfg.ServiceToken, "/health"))

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Origins(),
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-Session-Token, X-Service-Token, X-Device-ID",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID, X-Otp-Not-Required",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "streams": rt.hub.Subscribers()})
	})

	handlers.SetupBattleRoutes(app, handlers.BattleServices{
		Battles:     rt.battles,
		Invitations: rt.invitations,
		Matchmaking: rt.matchmaking,
		Fighters:    rt.fighters,
		Hub:         rt.hub,
	})
	return app
}

func serveCmd() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, round worker and sweeps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer metrics.Close()

			if !skipMigrate {
				if err := models.AutoMigrate(db); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := wire(ctx, cfg, db)
			if err != nil {
				return err
			}
			defer rt.close()

			sched, err := rt.sweeper.Start(ctx, clockwork.NewRealClock())
			if err != nil {
				return err
			}
			defer func() { _ = sched.Shutdown() }()

			app := newApp(cfg, rt)
			g, gctx := errgroup.WithContext(ctx)

			if rt.relay != nil {
				g.Go(func() error { return rt.relay.Run(gctx) })
			}
			if rt.worker != nil {
				g.Go(func() error { return rt.worker.Run(gctx) })
			}
			if rt.local != nil {
				rt.local.Start()
			}

			g.Go(func() error {
				log.Info().Str("port", cfg.Port).Str("origins", cfg.Origins()).Msg("server running")
				return app.Listen(":" + cfg.Port)
			})
			g.Go(func() error {
				<-gctx.Done()
				log.Info().Msg("shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return app.ShutdownWithContext(shutdownCtx)
			})

			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not run migrations on start")
	return cmd
}
