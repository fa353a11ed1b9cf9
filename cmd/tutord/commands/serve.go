package commands

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/creastat/tutoring/logging"
)

var (
	servePort     int
	shutdownGrace time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tutoring HTTP server",
	Long: `Start tutord as an HTTP server. Turns are posted to
/v1/sessions/{id}/turns and stream back as server-sent events.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on, overrides server.addr")
	serveCmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", 30*time.Second, "Time allowed for draining on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		host, _, err := net.SplitHostPort(cfg.Server.Addr)
		if err != nil {
			host = ""
		}
		cfg.Server.Addr = net.JoinHostPort(host, strconv.Itoa(servePort))
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.start(ctx)

	logging.Info().
		Str("version", Version).
		Str("gateway", cfg.Gateway.Driver).
		Str("snapshot", cfg.Snapshot.Driver).
		Str("provider", cfg.Completion.Provider).
		Bool("curriculum", a.retriever != nil).
		Msg("starting tutord")

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logging.Info().Msg("shutting down")
	case serveErr = <-errCh:
		logging.Error().Err(serveErr).Msg("http server failed")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	a.shutdown(shutdownCtx)

	logging.Info().Msg("tutord stopped")
	return serveErr
}
