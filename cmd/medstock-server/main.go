package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/medstock/internal/config"
	"github.com/ehr/medstock/internal/domain/autostop"
	"github.com/ehr/medstock/internal/domain/dosing"
	"github.com/ehr/medstock/internal/domain/inventory"
	"github.com/ehr/medstock/internal/domain/medevent"
	"github.com/ehr/medstock/internal/domain/usage"
	"github.com/ehr/medstock/internal/platform/db"
	"github.com/ehr/medstock/internal/platform/logging"
	"github.com/ehr/medstock/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "medstock-server",
		Short:        "Medication consumption and inventory reconciliation engine",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(recomputeCmd())
	rootCmd.AddCommand(forecastCmd())
	return rootCmd
}

// engine is the wired set of services used by serve and recompute.
type engine struct {
	events    *medevent.Service
	usage     *usage.Service
	inventory *inventory.Service
	scheduler *autostop.Scheduler
}

func newEngine(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger) *engine {
	eventRepo := medevent.NewRepoPG(pool)
	ledgerRepo := usage.NewLedgerRepoPG(pool)

	usageSvc := usage.NewService(eventRepo, ledgerRepo)
	usageSvc.SetLogger(logger.With().Str("component", "usage").Logger())
	usageSvc.SetDefaultWeight(cfg.DefaultWeightKg)

	eventSvc := medevent.NewService(eventRepo)
	eventSvc.SetLogger(logger.With().Str("component", "medevent").Logger())
	eventSvc.SetTxRunner(db.NewTxRunner(pool))
	eventSvc.SetRecomputeHook(usageSvc.RecomputeHook)

	invSvc := inventory.NewService(
		eventRepo,
		ledgerRepo,
		inventory.NewItemRepoPG(pool),
		inventory.NewStockRepoPG(pool),
		inventory.NewCommitRepoPG(pool),
		inventory.NewActivityLogPG(pool),
		db.NewTxRunner(pool),
	)
	invSvc.SetLogger(logger.With().Str("component", "inventory").Logger())
	invSvc.SetRecomputeHook(usageSvc.RecomputeHook)

	sched := autostop.NewScheduler(eventRepo, logger.With().Str("component", "autostop").Logger())
	sched.Interval = cfg.AutoStopInterval
	sched.BufferPct = cfg.AutoStopBufferPct
	sched.Concurrency = cfg.AutoStopConcurrency
	sched.DefaultWeightKg = cfg.DefaultWeightKg
	sched.SetRecomputeHook(usageSvc.RecomputeHook)

	return &engine{events: eventSvc, usage: usageSvc, inventory: invSvc, scheduler: sched}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.Env, cfg.LogLevel), nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the auto-stop scheduler and the health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	eng := newEngine(pool, cfg, logger)
	eng.scheduler.Start(ctx)
	logger.Info().Dur("interval", cfg.AutoStopInterval).Float64("buffer_pct", cfg.AutoStopBufferPct).Msg("auto-stop scheduler started")

	e := newHealthServer(pool, eng.scheduler, logger)
	go func() {
		addr := ":" + cfg.HealthPort
		logger.Info().Str("addr", addr).Msg("health endpoint listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("health endpoint failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	eng.scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health endpoint shutdown failed")
	}
	return nil
}

type statusProvider interface {
	Status() autostop.Status
}

func newHealthServer(pinger db.Pinger, sched statusProvider, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(logging.Recovery(logger))
	e.Use(logging.RequestLogger(logger))

	e.GET("/health", db.HealthHandler(pinger))
	e.GET("/health/autostop", func(c echo.Context) error {
		st := sched.Status()
		code := http.StatusOK
		if !st.Running {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, st)
	})
	return e
}

// migrationsFS returns the embedded migrations unless dir names an override.
func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		schema, _ := cmd.Flags().GetString("schema")
		if schema == "" {
			schema = cfg.DBSchema
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.MigrationsDir
		}

		ctx := context.Background()
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, migrationsFS(dir)), schema)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
		c.Flags().String("dir", "", "Migrations directory (default MIGRATIONS_DIR, else embedded)")
		cmd.AddCommand(c)
	}
	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func recomputeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Recompute the usage ledger of one record",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("record")
			recordID, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("--record must be a UUID: %w", err)
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			rows, err := newEngine(pool, cfg, logger).usage.Recompute(ctx, recordID)
			if err != nil {
				return err
			}
			printUsage(cmd.OutOrStdout(), rows)
			return nil
		},
	}
	cmd.Flags().String("record", "", "Clinical record ID")
	_ = cmd.MarkFlagRequired("record")
	return cmd
}

func printUsage(w io.Writer, rows []*usage.UsageRecord) {
	fmt.Fprintf(w, "%-36s %-10s %-10s %s\n", "ITEM", "CALC", "EFFECTIVE", "OVERRIDE")
	for _, u := range rows {
		override := ""
		if u.HasOverride() && u.OverrideReason != nil {
			override = *u.OverrideReason
		}
		fmt.Fprintf(w, "%-36s %-10d %-10d %s\n", u.ItemID, u.CalculatedQty, u.Effective(), override)
	}
}

func forecastCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Print when an infusion empties its container",
		RunE: func(cmd *cobra.Command, args []string) error {
			rate, _ := cmd.Flags().GetString("rate")
			unit, _ := cmd.Flags().GetString("unit")
			ampule, _ := cmd.Flags().GetString("ampule")
			weight, _ := cmd.Flags().GetFloat64("weight")
			buffer, _ := cmd.Flags().GetFloat64("buffer")
			return runForecast(cmd.OutOrStdout(), rate, unit, ampule, weight, buffer)
		},
	}
	cmd.Flags().String("rate", "", "Infusion rate")
	cmd.Flags().String("unit", "ml/h", "Rate unit")
	cmd.Flags().String("ampule", "", "Ampule content, e.g. 50ml or 10mg")
	cmd.Flags().Float64("weight", dosing.DefaultWeightKg, "Body weight in kg for per-kg units")
	cmd.Flags().Float64("buffer", dosing.DefaultBufferPct, "Safety buffer in percent")
	_ = cmd.MarkFlagRequired("rate")
	_ = cmd.MarkFlagRequired("ampule")
	return cmd
}

func runForecast(w io.Writer, rate, unit, ampule string, weight, buffer float64) error {
	d, ok := dosing.Forecast(rate, dosing.NormalizeUnit(unit), ampule, weight, buffer)
	if !ok {
		return fmt.Errorf("no forecast: rate %q and ampule %q must both be positive numbers", rate, ampule)
	}
	fmt.Fprintf(w, "unit: %s\nauto-stop after: %s (%d ms)\n", dosing.NormalizeUnit(unit), d, d.Milliseconds())
	return nil
}
