// Package cmd defines the finder's CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/appointment-finder/internal/config"
	"github.com/JakeFAU/appointment-finder/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. Tests replace it to inject workers.
var newApp = func(ctx context.Context, cfg config.Config, out io.Writer) (*server.App, error) {
	return server.Build(ctx, cfg, server.Options{Output: out})
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finder",
		Short: "Watches medical booking sites for an open appointment.",
		Long: `finder polls RVSQ and Bonjour Santé on your behalf and reports the
first open slot. Bonjour Santé slots can be booked automatically; RVSQ is
always left for you to confirm. Your details are kept encrypted on disk.`,
		SilenceUsage: true,

		// Build the application after flags are parsed and before the
		// subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, cmd.OutOrStdout())
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), appInstance.Config().ShutdownTimeout())
			defer cancel()
			return appInstance.Close(ctx)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newProfileCmd())

	return cmd
}

func resolveApp(ctx context.Context) (*server.App, error) {
	appInstance, ok := ctx.Value(appKey).(*server.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
