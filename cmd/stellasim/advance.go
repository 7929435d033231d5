package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/talgya/stella-invicta/internal/calendar"
	"github.com/talgya/stella-invicta/internal/engine"
	"github.com/talgya/stella-invicta/internal/persistence"
)

var advanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "Advance the world a fixed number of ticks as fast as possible and print a summary",
	RunE:  runAdvance,
}

func init() {
	flags := advanceCmd.Flags()
	flags.Uint64("ticks", 365, "number of ticks (days) to run")
	flags.Bool("save", false, "load from and save to the database")

	rootCmd.AddCommand(advanceCmd)
}

func runAdvance(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ticks, _ := cmd.Flags().GetUint64("ticks")
	save, _ := cmd.Flags().GetBool("save")

	var db *persistence.DB
	var sim *engine.Simulation
	if save {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		if db, err = persistence.Open(cfg.DBPath); err != nil {
			return err
		}
		defer db.Close()
		if sim, err = loadOrBuild(db, cfg, false); err != nil {
			return err
		}
	} else {
		sc, err := loadScenario(cfg)
		if err != nil {
			return err
		}
		w, err := sc.Build()
		if err != nil {
			return fmt.Errorf("build scenario %q: %w", sc.Name, err)
		}
		sim = engine.NewSimulation(w, options(cfg))
	}

	eng := engine.NewEngine()
	eng.Tick = sim.CurrentTick()
	sim.Attach(eng)

	from := sim.Date()
	start := time.Now()
	stepErr := eng.StepN(cmd.Context(), ticks)
	elapsed := time.Since(start)

	printSummary(cmd.OutOrStdout(), sim, from, eng.Tick, elapsed)

	if db != nil {
		sim.Lock()
		err := db.SaveWorldState(sim)
		sim.Unlock()
		if err != nil {
			return fmt.Errorf("save: %w", err)
		}
	}
	return stepErr
}

func printSummary(out io.Writer, sim *engine.Simulation, from calendar.GameDate, tick uint64, elapsed time.Duration) {
	sim.RLock()
	defer sim.RUnlock()

	stats := sim.Stats
	fmt.Fprintf(out, "Advanced from the %s to the %s (tick %s) in %s.\n",
		from.Long(), sim.Date().Long(), humanize.Comma(int64(tick)), elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "Sites: %d producing, %d stalled. Workers: %s. Characters: %s.\n",
		stats.Producing, stats.Stalled, humanize.Comma(int64(stats.Workers)), humanize.Comma(int64(stats.Characters)))

	if len(stats.Produced) > 0 {
		fmt.Fprintln(out, "Last production batch:")
		for _, g := range stats.Produced {
			fmt.Fprintf(out, "  %-10s +%s\n", g.Name, humanize.CommafWithDigits(g.Quantity, 2))
		}
	}

	counts := make(map[string]int)
	for _, e := range sim.Events {
		counts[e.Category]++
	}
	fmt.Fprintf(out, "Events: %s birthdays, %s stalls, %s recoveries.\n",
		humanize.Comma(int64(counts["birthday"])),
		humanize.Comma(int64(counts["stall"])),
		humanize.Comma(int64(counts["recovery"])))

	for _, site := range sim.SiteSummaries() {
		state := "producing"
		if site.Stalled {
			state = "stalled"
		}
		fmt.Fprintf(out, "  %-20s L%d  staff %3.0f%%  %-9s  %s\n",
			site.Name, site.Level, site.EmploymentRatio*100, state, site.Inventory.String())
	}
}
