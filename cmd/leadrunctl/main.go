// Package main provides leadrunctl, the operator CLI for the lead run orchestrator.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"lead-run-orchestrator/internal/app"
	"lead-run-orchestrator/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "leadrunctl",
	Short:         "Operate the lead run orchestrator",
	Long:          "leadrunctl runs migrations, mints tokens and performs maintenance against the orchestrator's stores.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp builds the component graph from the environment, runs fn and closes it.
func withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg := config.Load()
	a, err := app.New(ctx, cfg, cfg.Logger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
