package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/talgya/stella-invicta/internal/api"
	"github.com/talgya/stella-invicta/internal/config"
	"github.com/talgya/stella-invicta/internal/ecs"
	"github.com/talgya/stella-invicta/internal/engine"
	"github.com/talgya/stella-invicta/internal/persistence"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the paced simulation with the HTTP API and periodic saves",
	RunE:  runRun,
}

func init() {
	flags := runCmd.Flags()
	flags.Float64("speed", 0, "speed multiplier (0 pauses)")
	flags.Int("port", 0, "HTTP API port (0 disables)")
	flags.Bool("fresh", false, "ignore saved state and start from the scenario")
	_ = viper.BindPFlag("speed", flags.Lookup("speed"))
	_ = viper.BindPFlag("api_port", flags.Lookup("port"))

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// ── Database ──────────────────────────────────────────────────────
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	worldID, err := db.WorldID()
	if err != nil {
		return err
	}
	slog.Info("database opened", "path", cfg.DBPath, "world", worldID)

	// ── Load or Build World ──────────────────────────────────────────
	fresh, _ := cmd.Flags().GetBool("fresh")
	sim, err := loadOrBuild(db, cfg, fresh)
	if err != nil {
		return err
	}

	// ── Engine ────────────────────────────────────────────────────────
	eng := engine.NewEngine()
	eng.Tick = sim.CurrentTick()
	eng.Interval = cfg.Interval
	eng.SetSpeed(cfg.Speed)
	sim.Attach(eng)
	eng.Register(engine.System{
		Name:  "autosave",
		Phase: engine.PhaseReport,
		Every: cfg.SaveEvery,
		Run: func(_ context.Context, tick uint64) error {
			if err := db.SaveWorldState(sim); err != nil {
				slog.Error("autosave failed", "tick", tick, "error", err)
			}
			return nil
		},
	})

	if sim.CurrentTick() == 0 {
		sim.Lock()
		err := db.SaveWorldState(sim)
		sim.Unlock()
		if err != nil {
			slog.Error("initial save failed", "error", err)
		}
	}

	if viper.ConfigFileUsed() != "" {
		config.Watch(func(c config.Config) {
			if c.Speed != eng.Speed() {
				eng.SetSpeed(c.Speed)
				slog.Info("speed changed", "speed", c.Speed)
			}
		})
	}

	ctx, cancel := setupSignalContext()
	defer cancel()

	// Model errors repeat every tick, so they stop the run.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-eng.Errors:
				if errors.Is(err, ecs.ErrInvalidModel) {
					slog.Error("invalid model data, stopping", "error", err)
					eng.Stop()
				}
			}
		}
	}()

	// ── HTTP API ──────────────────────────────────────────────────────
	var server *api.Server
	if cfg.APIPort > 0 {
		if cfg.AdminKey == "" {
			slog.Warn("admin_key not set, admin POST endpoints will be disabled")
		}
		server = &api.Server{
			Sim:        sim,
			Eng:        eng,
			DB:         db,
			Port:       cfg.APIPort,
			AdminKey:   cfg.AdminKey,
			TrustProxy: cfg.TrustProxy,
		}
		server.Start()
		fmt.Printf("API: http://localhost:%d/api/v1/status\n", cfg.APIPort)
	}

	sim.RLock()
	fmt.Printf("\nStella Invicta: %d sites, %d workers, %d characters on the %s.\n",
		len(sim.SiteSummaries()), sim.Stats.Workers, sim.Stats.Characters, sim.Date().Long())
	sim.RUnlock()
	if sim.CurrentTick() > 0 {
		fmt.Printf("Resuming from tick %d (%s)\n", sim.CurrentTick(), engine.SimTime(sim.Date(), sim.CurrentTick()))
	}
	fmt.Println("Starting simulation... (Ctrl+C to stop)")

	eng.Run(ctx)

	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown", "error", err)
		}
		done()
	}

	// Final save on shutdown.
	slog.Info("final save...")
	sim.Lock()
	err = db.SaveWorldState(sim)
	sim.Unlock()
	if err != nil {
		return fmt.Errorf("final save: %w", err)
	}

	fmt.Println("Simulation stopped. World state saved.")
	return nil
}

// loadOrBuild restores the saved world, or builds a new one from the
// configured scenario when nothing is saved or fresh is set.
func loadOrBuild(db *persistence.DB, cfg config.Config, fresh bool) (*engine.Simulation, error) {
	if db.HasWorldState() && !fresh {
		slog.Info("found saved world state, loading...")
		w, tick, err := db.LoadWorld()
		if err != nil {
			return nil, fmt.Errorf("load world: %w", err)
		}
		sim := engine.NewSimulation(w, options(cfg))
		sim.LastTick = tick

		stalled, err := db.StalledSites()
		if err != nil {
			return nil, err
		}
		sim.MarkStalled(stalled...)

		events, err := db.RecentEvents(engine.MaxEvents)
		if err != nil {
			return nil, fmt.Errorf("load events: %w", err)
		}
		slices.Reverse(events)
		sim.Events = events

		slog.Info("world state restored",
			"entities", w.Len(),
			"tick", tick,
			"date", w.Date().String(),
			"events", len(events),
			"stalled", len(stalled),
		)
		return sim, nil
	}

	slog.Info("no saved state used, building new world...")
	sc, err := loadScenario(cfg)
	if err != nil {
		return nil, err
	}
	w, err := sc.Build()
	if err != nil {
		return nil, fmt.Errorf("build scenario %q: %w", sc.Name, err)
	}
	return engine.NewSimulation(w, options(cfg)), nil
}

func setupSignalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()
	return ctx, cancel
}
