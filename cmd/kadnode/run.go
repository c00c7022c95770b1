package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/kadnode/config"
	"github.com/opd-ai/kadnode/dht"
	"github.com/opd-ai/kadnode/discovery"
	"github.com/opd-ai/kadnode/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the DHT node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			closer, err := cfg.Log.Apply(logrus.StandardLogger())
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.String("mode", "", "DHT mode: inactive, active, passive or passive-leaf")
	f.String("listen", "", "DHT listen address")
	f.String("discovery-listen", "", "host network listen address")
	f.StringSlice("seed", nil, "host network seed address (repeatable)")
	f.Bool("force-connect", false, "run the DHT without a host network connection")
	f.String("data-dir", "", "directory holding the persisted route tables")
	f.String("log-level", "", "log level")
	f.String("metrics-listen", "", "Prometheus endpoint address")
	return cmd
}

// loadConfig reads the --config file, or the defaults without one, and
// applies the flags the user set on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	f := cmd.Flags()
	if f.Changed("mode") {
		s, _ := f.GetString("mode")
		mode, err := dht.ParseMode(s)
		if err != nil {
			return nil, err
		}
		cfg.Mode = mode
	}
	if f.Changed("listen") {
		cfg.Listen, _ = f.GetString("listen")
	}
	if f.Changed("discovery-listen") {
		cfg.Discovery.Listen, _ = f.GetString("discovery-listen")
	}
	if f.Changed("seed") {
		cfg.Discovery.Seeds, _ = f.GetStringSlice("seed")
	}
	if f.Changed("force-connect") {
		cfg.ForceConnect, _ = f.GetBool("force-connect")
	}
	if f.Changed("data-dir") {
		cfg.DataDir, _ = f.GetString("data-dir")
	}
	if f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}
	if f.Changed("metrics-listen") {
		cfg.Metrics.Listen, _ = f.GetString("metrics-listen")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	listen, err := cfg.DiscoveryListenAddr()
	if err != nil {
		return err
	}
	tr, err := transport.NewUDPTransport(listen.String())
	if err != nil {
		return fmt.Errorf("discovery transport: %w", err)
	}
	dcfg, err := cfg.DiscoveryConfig(tr)
	if err != nil {
		tr.Close()
		return err
	}
	svc, err := discovery.New(dcfg)
	if err != nil {
		tr.Close()
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts, err := cfg.DHTOptions()
	if err != nil {
		svc.Close()
		return err
	}
	opts.Registerer = reg
	m := dht.NewManager(opts, svc)
	defer func() {
		err = multierr.Combine(err, m.Close(), svc.Close())
	}()

	svc.Attach(m, cfg.Mode)
	if err := svc.Start(); err != nil {
		return err
	}
	m.Start(cfg.Mode)

	var srv *http.Server
	serveErr := make(chan error, 1)
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	logrus.WithFields(logrus.Fields{
		"function":  "run",
		"mode":      cfg.Mode.String(),
		"dht":       cfg.Listen,
		"discovery": tr.LocalAddr().String(),
		"metrics":   cfg.Metrics.Listen,
	}).Info("kadnode started")

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		err = fmt.Errorf("metrics server: %w", err)
	}

	logrus.WithField("function", "run").Info("Shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, srv.Shutdown(shutdownCtx))
	}
	return err
}
