package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/danmuck/addonlink/internal/addon"
	"github.com/danmuck/addonlink/internal/observability"
	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "addonctl",
		Short:         "Demo add-on that exercises a host session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(runCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "addonctl: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var path, address string
	var workers int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Log in, log from worker threads, and finalize",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := defaultRunConfig()
			if path != "" {
				loaded, err := loadRunConfig(path)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("address") {
				cfg.Addon.Session.Address = address
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			observability.InitLogger("addonctl", cfg.Log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", "", "path to addon config toml")
	cmd.Flags().StringVar(&address, "address", "", "host address, overrides the config")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "worker threads, overrides the config")
	return cmd
}

// run drives one add-on lifecycle: Init on the calling thread, one
// sub-session per worker, then Finalize.
func run(ctx context.Context, cfg runConfig) error {
	a := addon.New(cfg.Addon)
	if err := a.Init(ctx); err != nil {
		return err
	}
	s := a.Main()
	log.Info().Msgf("addonctl.run logged in name=%q conn=%d transport=%s", s.Name(), s.Connection(), s.TransportKind())

	if err := s.Ping(ctx); err != nil {
		_ = a.Finalize(ctx)
		return err
	}
	for i := range cfg.Messages {
		if err := a.Logf(ctx, protocol.LogInfo, "main message %d", i); err != nil {
			_ = a.Finalize(ctx)
			return err
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, cfg.Workers)
	for w := range cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[w] = worker(ctx, a, w, cfg.Messages)
		}()
	}
	wg.Wait()

	err := errors.Join(errs...)
	if ferr := a.Finalize(ctx); ferr != nil {
		err = errors.Join(err, ferr)
	}
	if err == nil {
		log.Info().Msgf("addonctl.run finished workers=%d messages=%d", cfg.Workers, cfg.Messages)
	}
	return err
}

func worker(ctx context.Context, a *addon.Addon, id, messages int) error {
	sub, err := a.InitThread(ctx)
	if err != nil {
		return fmt.Errorf("worker %d: %w", id, err)
	}
	for i := range messages {
		if err := a.Logf(ctx, protocol.LogNotice, "worker %d message %d", id, i); err != nil {
			_ = a.FinalizeThread(ctx)
			return fmt.Errorf("worker %d: %w", id, err)
		}
	}
	log.Debug().Msgf("addonctl.worker done id=%d conn=%d transport=%s", id, sub.Connection(), sub.TransportKind())
	if err := a.FinalizeThread(ctx); err != nil {
		return fmt.Errorf("worker %d: %w", id, err)
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("addonctl %s (protocol %s, api level %d, %s/%s)\n",
				version, protocol.APIVersion, protocol.APILevel, runtime.GOOS, runtime.GOARCH)
		},
	}
}
