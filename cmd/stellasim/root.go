package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/talgya/stella-invicta/internal/config"
	"github.com/talgya/stella-invicta/internal/engine"
	"github.com/talgya/stella-invicta/internal/scenario"
)

var rootCmd = &cobra.Command{
	Use:   "stellasim",
	Short: "Economic and calendar simulation of production sites",
	Long: "stellasim advances a world of production sites, workers and characters one day per tick:\n" +
		"the calendar moves, characters age, and sites turn inputs into outputs according to staffing.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default .stellasim.yaml)")
	flags.BoolP("verbose", "v", false, "debug logging")
	flags.String("db", "", "SQLite database path")
	flags.String("scenario", "", "scenario YAML file (default: generate from seed)")
	flags.Int64("seed", 0, "seed for generated scenarios")
	flags.Int("sites", 0, "number of generated sites")
	flags.Int("workers", 0, "production partitions run in parallel")

	for key, flag := range map[string]string{
		"verbose":  "verbose",
		"db_path":  "db",
		"scenario": "scenario",
		"seed":     "seed",
		"sites":    "sites",
		"workers":  "workers",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".stellasim")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
	}

	viper.SetEnvPrefix("STELLA")
	viper.AutomaticEnv()

	// It's fine if no config file is found; we use defaults.
	_ = viper.ReadInConfig()
}

// loadConfig reads the merged configuration and installs the default logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if f := viper.ConfigFileUsed(); f != "" {
		slog.Debug("config file", "path", f)
	}
	return cfg, nil
}

func options(cfg config.Config) engine.Options {
	return engine.Options{
		Workers:         cfg.Workers,
		ProductionEvery: cfg.ProductionEvery,
		ReportEvery:     cfg.ReportEvery,
	}
}

// loadScenario reads cfg.Scenario, or generates one from the seed when unset.
func loadScenario(cfg config.Config) (*scenario.Scenario, error) {
	if cfg.Scenario == "" {
		slog.Info("generating scenario", "seed", cfg.Seed, "sites", cfg.Sites)
		return scenario.Generate(cfg.Seed, cfg.Sites), nil
	}
	slog.Info("loading scenario", "path", cfg.Scenario)
	return scenario.Load(cfg.Scenario)
}
