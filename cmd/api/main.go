package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lobby-server/internal/database"
	"lobby-server/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	defaults := server.DefaultConfig()

	return &cli.Command{
		Name:  "lobby-server",
		Usage: "room matchmaking and realtime session server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Value:   defaults.Port,
				Usage:   "HTTP listen port",
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Postgres DSN; empty keeps everything in memory",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.DurationFlag{
				Name:    "grace-period",
				Value:   defaults.GracePeriod,
				Usage:   "how long a disconnected player keeps their seat",
				Sources: cli.EnvVars("GRACE_PERIOD"),
			},
			&cli.DurationFlag{
				Name:    "idle-timeout",
				Value:   defaults.IdleTimeout,
				Usage:   "evict rooms with nobody connected for this long (0 disables)",
				Sources: cli.EnvVars("IDLE_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "submit-timeout",
				Value:   defaults.SubmitTimeout,
				Usage:   "how long an action waits for its room",
				Sources: cli.EnvVars("SUBMIT_TIMEOUT"),
			},
			&cli.IntFlag{
				Name:    "max-find-attempts",
				Value:   defaults.MaxFindAttempts,
				Usage:   "rounds a random match may retry after losing a seat race",
				Sources: cli.EnvVars("MAX_FIND_ATTEMPTS"),
			},
			&cli.IntFlag{
				Name:    "rate-limit",
				Value:   defaults.RateLimit,
				Usage:   "websocket messages per second per connection",
				Sources: cli.EnvVars("RATE_LIMIT"),
			},
			&cli.StringSliceFlag{
				Name:    "allowed-origins",
				Value:   defaults.AllowedOrigins,
				Usage:   "origins allowed for CORS and websocket upgrades",
				Sources: cli.EnvVars("ALLOWED_ORIGINS"),
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "development logging",
				Sources: cli.EnvVars("DEBUG"),
			},
		},
		Action: serve,
	}
}

func configFrom(cmd *cli.Command) server.Config {
	cfg := server.DefaultConfig()
	cfg.Port = cmd.Int("port")
	cfg.DatabaseURL = cmd.String("database-url")
	cfg.GracePeriod = cmd.Duration("grace-period")
	cfg.IdleTimeout = cmd.Duration("idle-timeout")
	cfg.SubmitTimeout = cmd.Duration("submit-timeout")
	cfg.MaxFindAttempts = cmd.Int("max-find-attempts")
	cfg.RateLimit = cmd.Int("rate-limit")
	cfg.AllowedOrigins = cmd.StringSlice("allowed-origins")
	return cfg
}

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	var (
		lg  *zap.Logger
		err error
	)
	if debug {
		lg, err = zap.NewDevelopment()
	} else {
		lg, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return lg.Sugar(), nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	lg, err := newLogger(cmd.Bool("debug"))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer lg.Sync()

	cfg := configFrom(cmd)

	var db database.Service
	if cfg.DatabaseURL != "" {
		db, err = database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := database.Migrate(ctx, db.DB()); err != nil {
			return err
		}
		lg.Info("Database migrations applied successfully")
	}

	srv, err := server.NewServer(ctx, cfg, lg, db)
	if err != nil {
		return err
	}
	httpServer := srv.HTTPServer()

	// Background tasks outlive the signal so the final save can still use them.
	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRun()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Infof("Listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.Run(runCtx)
	})
	g.Go(func() error {
		<-gctx.Done()
		defer stopRun()
		lg.Info("Shutdown signal received")
		return gracefulShutdown(srv, httpServer, lg)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	lg.Info("Graceful shutdown complete.")
	return nil
}

func gracefulShutdown(srv *server.Server, httpServer *http.Server, lg *zap.SugaredLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		lg.Errorf("Error during server shutdown: %v", err)
		errs = append(errs, err)
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		lg.Errorf("HTTP server forced to shutdown with error: %v", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
