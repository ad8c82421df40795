package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okian/lookout/internal/adapters/http/api"
	"github.com/okian/lookout/internal/adapters/http/swagger"
	service "github.com/okian/lookout/internal/app"
	"github.com/okian/lookout/internal/config"
	"github.com/okian/lookout/pkg/logger"
	"github.com/spf13/cobra"
)

// HTTP server timeout constants.
const (
	readTimeout       = 10 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

const configEnv = "LOOKOUT_CONFIG"

type cli struct {
	configPath string
	hours      float64
	cfg        *config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:               "lookout",
		Short:             "lookout - observe sources, summarize and compact activity",
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to a YAML config file (overrides "+configEnv+")")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the poll scheduler, compaction job and HTTP API",
		Args:  cobra.NoArgs,
		RunE:  c.serve,
	}
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Print recent activity as JSON",
		Args:  cobra.NoArgs,
		RunE: c.oneShot(func(ctx context.Context, svc *service.Service, cmd *cobra.Command, _ []string) (any, error) {
			hours := svc.DefaultHours()
			if cmd.Flags().Changed("hours") {
				hours = c.hours
			}
			resp, err := svc.Recent(ctx, hours)
			if err != nil {
				return nil, err
			}
			return resp, nil
		}),
	}
	queryCmd.Flags().Float64Var(&c.hours, "hours", 0, "look-back window in hours (default from config)")

	compactCmd := &cobra.Command{
		Use:   "compact",
		Short: "Run one compaction pass and print the result",
		Args:  cobra.NoArgs,
		RunE: c.oneShot(func(ctx context.Context, svc *service.Service, _ *cobra.Command, _ []string) (any, error) {
			res, err := svc.Compact(ctx)
			return res, err
		}),
	}
	sourcesCmd := &cobra.Command{
		Use:   "sources",
		Short: "List configured sources",
		Args:  cobra.NoArgs,
		RunE: c.oneShot(func(_ context.Context, svc *service.Service, _ *cobra.Command, _ []string) (any, error) {
			return svc.Sources(), nil
		}),
	}
	refreshCmd := &cobra.Command{
		Use:   "refresh <source>",
		Short: "Run one poll cycle of a source and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: c.oneShot(func(ctx context.Context, svc *service.Service, _ *cobra.Command, args []string) (any, error) {
			res, err := svc.Refresh(ctx, args[0])
			if res.Source == "" {
				return nil, err
			}
			return res, err
		}),
	}

	root.AddCommand(serveCmd, queryCmd, compactCmd, sourcesCmd, refreshCmd)
	return root
}

// setup loads configuration and initializes logging. Logs go to stderr so
// one-shot commands keep stdout for their JSON output.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if c.configPath != "" {
		if err := os.Setenv(configEnv, c.configPath); err != nil {
			return fmt.Errorf("set %s: %w", configEnv, err)
		}
	}
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.InitWith(cmd.ErrOrStderr(), cfg.LogFormat); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		logger.Get().Warn(cmd.Context(), "invalid log_level; falling back to info",
			logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	c.cfg = cfg
	return nil
}

func (c *cli) serve(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.Named("main")
	svc := service.New(c.cfg)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	mux := http.NewServeMux()
	swagger.Register(ctx, mux)
	api.NewServer(svc, svc).Register(ctx, mux)

	srv := &http.Server{
		Addr:              c.cfg.Addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		log.Info(ctx, "starting HTTP server", logger.String("addr", c.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info(ctx, "shutting down server...")
	case serveErr = <-errCh:
		log.Error(ctx, "HTTP server failed", logger.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "server shutdown failed", logger.Error(err))
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "service stop failed", logger.Error(err))
	}
	log.Info(shutdownCtx, "server stopped")
	return serveErr
}

type oneShotFunc func(ctx context.Context, svc *service.Service, cmd *cobra.Command, args []string) (any, error)

// oneShot opens the service without scheduling, runs fn and prints its
// result as JSON. The result is printed even when fn fails, so a failed
// poll cycle still shows what happened.
func (c *cli) oneShot(fn oneShotFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc := service.New(c.cfg)
		if err := svc.Open(ctx); err != nil {
			return fmt.Errorf("open service: %w", err)
		}
		defer func() {
			if err := svc.Stop(ctx); err != nil {
				logger.Get().Warn(ctx, "service stop failed", logger.Error(err))
			}
		}()

		out, err := fn(ctx, svc, cmd, args)
		if out != nil {
			if perr := printJSON(cmd.OutOrStdout(), out); perr != nil && err == nil {
				err = perr
			}
		}
		return err
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
