package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	dispatch "github.com/clusterdispatch/golang"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dispatchd",
		Short:         "Supervise a shared library host and talk to it",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")

	root.AddCommand(
		newSuperviseCmd(),
		newSignatureCmd(),
		newCallCmd(),
		newSubscribeCmd(),
		newPingCmd(),
		newServicesCmd(),
	)
	return root
}

func loggerFor(cmd *cobra.Command) zerolog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	return dispatch.NewLogger(level, os.Stderr)
}

type superviseOptions struct {
	configFile  string
	library     string
	endpoint    string
	service     string
	mode        string
	policy      string
	errorPolicy string
	metricsAddr string
	libMetrics  string
}

func newSuperviseCmd() *cobra.Command {
	var opts superviseOptions

	cmd := &cobra.Command{
		Use:   "supervise [-- library args...]",
		Short: "Fork the library host and keep it running under the restart policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(args)
			if err != nil {
				return err
			}
			return supervise(cmd.Context(), cfg, loggerFor(cmd))
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "YAML config file")
	f.StringVar(&opts.library, "library", "", "library host executable")
	f.StringVar(&opts.endpoint, "endpoint", "", "endpoint the library host binds (default: free local tcp port)")
	f.StringVar(&opts.service, "service", "", "service name to register for discovery")
	f.StringVar(&opts.mode, "mode", "", "deployment mode (production respawns crashed hosts)")
	f.StringVar(&opts.policy, "restart", "", "restart policy: mode, always, never, bounded")
	f.StringVar(&opts.errorPolicy, "error-policy", "", "invocation failure handling: drop or reply")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "address for the supervisor /metrics endpoint")
	f.StringVar(&opts.libMetrics, "library-metrics-addr", "", "address where the library host serves invocation metrics")
	return cmd
}

// config merges the config file with flags; flags win
func (o superviseOptions) config(args []string) (*dispatch.Config, error) {
	var (
		cfg *dispatch.Config
		err error
	)
	if o.configFile != "" {
		cfg, err = dispatch.LoadConfig(o.configFile)
	} else {
		cfg, err = dispatch.ParseConfig(nil)
	}
	if err != nil {
		return nil, err
	}

	if o.library != "" {
		cfg.LibraryPath = o.library
	}
	if o.endpoint != "" {
		cfg.Endpoint = o.endpoint
	}
	if o.service != "" {
		cfg.ServiceName = o.service
	}
	if o.mode != "" {
		cfg.Mode = o.mode
	}
	if o.policy != "" {
		cfg.Restart.Policy = o.policy
	}
	if o.errorPolicy != "" {
		cfg.ErrorPolicy = o.errorPolicy
	}
	if o.metricsAddr != "" {
		cfg.MetricsAddr = o.metricsAddr
	}
	if o.libMetrics != "" {
		cfg.LibraryMetricsAddr = o.libMetrics
	}
	if len(args) > 0 {
		cfg.Args = args
	}
	return cfg, cfg.Validate()
}

func supervise(ctx context.Context, cfg *dispatch.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := dispatch.InitTracing(ctx, dispatch.TracingConfigFromEnv())
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("failed to flush spans")
		}
	}()

	sc, err := cfg.SupervisorConfig(logger)
	if err != nil {
		return err
	}
	sup, err := dispatch.NewSupervisor(sc)
	if err != nil {
		return err
	}

	var metricsServer *dispatch.MetricsServer
	if cfg.MetricsAddr != "" {
		metricsServer, err = dispatch.ServeMetrics(cfg.MetricsAddr, sup.Ready, logger, sup)
		if err != nil {
			return err
		}
	}

	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer sup.Stop()

	readyCtx, cancel := context.WithTimeout(ctx, cfg.ReadyTimeout)
	err = sup.WaitReady(readyCtx)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("library host did not become ready")
	} else {
		logger.Info().Int("pid", sup.PID()).Str("endpoint", sup.Endpoint()).Msg("library host ready")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}
