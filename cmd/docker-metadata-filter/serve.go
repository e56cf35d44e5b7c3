package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/cert"
	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/dockermeta"
	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/forward"
	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/metrics"
	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/sink"
)

type serveOptions struct {
	addr        string
	output      string
	requireAck  bool
	metricsAddr string
	retries     uint64

	// Forward listener TLS; both empty serves plain TCP.
	serverCert string
	serverKey  string

	// Downstream Forward TLS.
	outputTLS   bool
	outputTLSCA string
}

func newServeCmd(logger func() *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive Fluent Forward traffic and emit enriched records",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts serveOptions
			opts.addr, _ = cmd.Flags().GetString("addr")
			opts.output, _ = cmd.Flags().GetString("output")
			opts.requireAck, _ = cmd.Flags().GetBool("require-ack")
			opts.metricsAddr, _ = cmd.Flags().GetString("metrics-addr")
			opts.retries, _ = cmd.Flags().GetUint64("output-retries")
			opts.serverCert, _ = cmd.Flags().GetString("server-tls-cert")
			opts.serverKey, _ = cmd.Flags().GetString("server-tls-key")
			opts.outputTLS, _ = cmd.Flags().GetBool("output-tls")
			opts.outputTLSCA, _ = cmd.Flags().GetString("output-tls-ca")

			cfg, err := dockermeta.ParseConfig(filterParams(cmd))
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return runServe(ctx, logger(), cfg, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().String("addr", ":24224", "Fluent Forward listen address (host:port)")
	cmd.Flags().String("output", "stdout", `where enriched batches go: "stdout" for JSON lines, or a Forward host:port`)
	cmd.Flags().Bool("require-ack", false, "wait for chunk acks from the downstream Forward endpoint")
	cmd.Flags().Uint64("output-retries", 3, "retries for a failed downstream send before the batch is refused")
	cmd.Flags().String("metrics-addr", "", "Prometheus /metrics listen address (empty disables)")
	cmd.Flags().String("server-tls-cert", "", "certificate for the Forward listener; reloaded when the file changes")
	cmd.Flags().String("server-tls-key", "", "key for the Forward listener")
	cmd.Flags().Bool("output-tls", false, "use TLS to the downstream Forward endpoint")
	cmd.Flags().String("output-tls-ca", "", "CA bundle for the downstream Forward endpoint (default: system roots)")
	return cmd
}

func runServe(ctx context.Context, logger *slog.Logger, cfg dockermeta.Config, opts serveOptions, stdout io.Writer) error {
	backend, err := dockermeta.NewDockerBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	if v, err := backend.Ping(ctx); err != nil {
		// Lookups fail per batch and are retried; the daemon may come up later.
		logger.Warn("docker daemon unreachable", "url", cfg.DockerURL, "error", err)
	} else {
		logger.Info("connected to docker daemon", "url", cfg.DockerURL, "version", v)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	filter, err := dockermeta.New(cfg, backend, m, logger)
	if err != nil {
		return err
	}

	serverTLS, err := listenerTLS(opts, logger)
	if err != nil {
		return err
	}

	out, closeOut, err := newSink(opts, stdout, logger)
	if err != nil {
		return err
	}
	defer closeOut()

	srv := forward.NewServer(forward.ServerConfig{
		Addr:    opts.addr,
		Handler: pipeline(filter, out),
		TLS:     serverTLS,
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		hs := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", opts.metricsAddr)
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

// pipeline runs each received batch through the filter and hands the
// result to the sink. A sink error is returned so the sender is not acked.
func pipeline(filter *dockermeta.Filter, out sink.Sink) forward.Handler {
	return func(ctx context.Context, tag string, batch dockermeta.Batch) error {
		return out.Write(ctx, tag, filter.Process(ctx, tag, batch))
	}
}

// listenerTLS loads the Forward listener key pair and starts watching it.
// The watcher lives for the rest of the process.
func listenerTLS(opts serveOptions, logger *slog.Logger) (*tls.Config, error) {
	if opts.serverCert == "" && opts.serverKey == "" {
		return nil, nil
	}
	if opts.serverCert == "" || opts.serverKey == "" {
		return nil, errors.New("server-tls-cert and server-tls-key must be set together")
	}
	kp, err := cert.Load(cert.Config{CertFile: opts.serverCert, KeyFile: opts.serverKey, Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := kp.Watch(); err != nil {
		logger.Warn("certificate reload disabled", "error", err)
	}
	return kp.ServerTLSConfig(), nil
}

// newSink picks the output from opts. The returned func releases it.
func newSink(opts serveOptions, stdout io.Writer, logger *slog.Logger) (sink.Sink, func(), error) {
	if opts.output == "" || opts.output == "stdout" || opts.output == "-" {
		return sink.NewJSONLines(stdout), func() {}, nil
	}

	var tlsCfg *tls.Config
	if opts.outputTLS || opts.outputTLSCA != "" {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		if opts.outputTLSCA != "" {
			pem, err := os.ReadFile(opts.outputTLSCA)
			if err != nil {
				return nil, nil, fmt.Errorf("read output CA: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, nil, fmt.Errorf("output CA %s: no certificates found", opts.outputTLSCA)
			}
			tlsCfg.RootCAs = pool
		}
	}

	fw := sink.NewForward(forward.NewClient(forward.ClientConfig{
		Addr:       opts.output,
		RequireAck: opts.requireAck,
		TLS:        tlsCfg,
		Logger:     logger,
	}), sink.ForwardConfig{MaxRetries: opts.retries, Logger: logger})
	return fw, func() { fw.Close() }, nil
}
