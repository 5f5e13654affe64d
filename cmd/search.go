package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/appointment-finder/internal/orchestrator"
	"github.com/JakeFAU/appointment-finder/internal/profile"
	"github.com/JakeFAU/appointment-finder/internal/server"
)

type searchFlags struct {
	set          map[string]string
	targets      []string
	reason       string
	customReason string
	autobook     bool
}

func newSearchCmd() *cobra.Command {
	var flags searchFlags
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Runs one search in the foreground",
		Long: `Starts a search with the saved profile, overridden by any flags given,
and streams the log until a slot is found, every worker has finished, or
the search is interrupted with Ctrl-C.`,
		Example: `  finder search --set first_name=Marie --set nam=TREM12345678 --targets bonjoursante
  finder search --reason custom --custom-reason 2f1c-... --autobook=false`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("autobook") {
				flags.autobook = appInstance.Config().Search.Autobook
			}
			return runSearch(cmd.Context(), appInstance, flags, cmd.Flags().Changed("targets"))
		},
	}
	cmd.Flags().StringToStringVar(&flags.set, "set", nil, "override a profile field, e.g. --set postal_code=H2X1Y4")
	cmd.Flags().StringSliceVar(&flags.targets, "targets", nil, "targets to search (rvsq, bonjoursante)")
	cmd.Flags().StringVar(&flags.reason, "reason", "", "consultation reason: urgent or custom")
	cmd.Flags().StringVar(&flags.customReason, "custom-reason", "", "reason identifier when --reason=custom")
	cmd.Flags().BoolVar(&flags.autobook, "autobook", true, "book automatically on targets that allow it")
	return cmd
}

// searchInput merges the saved profile with command-line overrides.
func searchInput(saved profile.Config, flags searchFlags, overrideTargets bool) (profile.Input, error) {
	in := profile.InputFromConfig(saved)
	for key, value := range flags.set {
		field, ok := fieldByKey(key)
		if !ok {
			return profile.Input{}, fmt.Errorf("unknown profile field %q", key)
		}
		in.Info.Set(field, value)
	}
	if overrideTargets {
		for _, t := range profile.Targets() {
			in.Info.SetEnabled(t, false)
		}
		for _, raw := range flags.targets {
			t, err := profile.ParseTarget(raw)
			if err != nil {
				return profile.Input{}, err
			}
			in.Info.SetEnabled(t, true)
		}
	}
	if flags.reason != "" {
		mode, err := profile.ParseReasonMode(flags.reason)
		if err != nil {
			return profile.Input{}, err
		}
		in.Reason = profile.Reason{Mode: mode, Custom: flags.customReason}
	} else if flags.customReason != "" {
		in.Reason = profile.Reason{Mode: profile.ReasonCustom, Custom: flags.customReason}
	}
	return in, nil
}

func fieldByKey(key string) (profile.Field, bool) {
	for _, f := range profile.Fields() {
		if f.Key() == key {
			return f, true
		}
	}
	return 0, false
}

func runSearch(ctx context.Context, appInstance *server.App, flags searchFlags, overrideTargets bool) error {
	saved, _ := appInstance.Vault().Load()
	in, err := searchInput(saved, flags, overrideTargets)
	if err != nil {
		return err
	}

	orch := appInstance.Orchestrator()
	rep := appInstance.Reporter()
	run, err := orch.Start(in, flags.autobook)
	if err != nil {
		rep.Tick()
		return fmt.Errorf("start search: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(appInstance.Config().ReporterSettings().Interval)
	defer ticker.Stop()
	for running := true; running; {
		select {
		case <-ctx.Done():
			orch.Stop()
			running = false
		case <-ticker.C:
			st := rep.Tick()
			running = st.State != orchestrator.StateIdle && st.RunID == run.ID
		}
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), appInstance.Config().ShutdownTimeout())
	defer cancel()
	if err := run.Wait(waitCtx); err != nil {
		appInstance.Logger().Warn("workers still running at exit", zap.String("run_id", run.ID), zap.Error(err))
	}
	rep.Tick()
	return nil
}
