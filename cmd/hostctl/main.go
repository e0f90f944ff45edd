package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/danmuck/addonlink/internal/host"
	"github.com/danmuck/addonlink/internal/host/admin"
	"github.com/danmuck/addonlink/internal/observability"
	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "hostctl",
		Short:         "Reference host for addonlink add-ons",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hostctl: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var path string
	var noAdmin bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept add-on sessions and serve the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := defaultServiceConfig()
			if path != "" {
				loaded, err := loadServiceConfig(path)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			observability.InitLogger("hostctl", cfg.Log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, !noAdmin)
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", "", "path to host config toml")
	cmd.Flags().BoolVar(&noAdmin, "no-admin", false, "disable the admin HTTP API")
	return cmd
}

func serve(ctx context.Context, cfg serviceConfig, withAdmin bool) error {
	srv, err := host.New(cfg.Host)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	log.Info().Msgf("hostctl.serve listening addr=%q name=%q shm=%t", srv.Addr(), cfg.Host.Name, cfg.Host.SharedMemory)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.Serve(ctx)
	}()
	running := 1
	if withAdmin {
		a := admin.New(srv, cfg.Admin)
		running++
		go func() {
			errCh <- a.Serve(ctx)
		}()
	}

	var firstErr error
	for range running {
		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	_ = srv.Close()
	log.Info().Msg("hostctl.serve stopped")
	return firstErr
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hostctl %s (protocol %s, api level %d, %s/%s)\n",
				version, protocol.APIVersion, protocol.APILevel, runtime.GOOS, runtime.GOARCH)
		},
	}
}
