package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/talgya/stella-invicta/internal/scenario"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a procedurally generated scenario as YAML",
	RunE:  runGenerate,
}

func init() {
	generateCmd.Flags().String("out", "", "output file (default stdout)")

	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sc := scenario.Generate(cfg.Seed, cfg.Sites)
	data, err := sc.Marshal()
	if err != nil {
		return fmt.Errorf("encode scenario: %w", err)
	}

	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("write scenario: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d sites and %d characters to %s\n", len(sc.Sites), len(sc.Characters), out)
	return nil
}
