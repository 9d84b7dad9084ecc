package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/config"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/consumer"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/deadletter"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/graphqlws"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/messaging"
	kafkamsg "github.com/randalmurphal/eventgateway/pkg/eventgateway/messaging/kafka"
	natsmsg "github.com/randalmurphal/eventgateway/pkg/eventgateway/messaging/nats"
	redismsg "github.com/randalmurphal/eventgateway/pkg/eventgateway/messaging/redis"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/observability"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/server"
)

func newServeCommand(load func() (*loader, error)) *cobra.Command {
	defaults := config.DefaultSettings()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := load()
			if err != nil {
				return err
			}
			if err := l.bindFlags(cmd, map[string]string{
				"server.addr":      "addr",
				"logging.level":    "log-level",
				"logging.format":   "log-format",
				"metrics.exporter": "metrics",
			}); err != nil {
				return err
			}
			settings, err := l.Settings()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, settings, cmd.ErrOrStderr())
		},
	}

	// Flag defaults must match DefaultSettings; viper reports them when
	// nothing else sets the key.
	cmd.Flags().String("addr", defaults.Server.Addr, "HTTP listen address")
	cmd.Flags().String("log-level", defaults.Logging.Level, "log level: debug, info, warn, error")
	cmd.Flags().String("log-format", defaults.Logging.Format, "log format: json, text")
	cmd.Flags().String("metrics", defaults.Metrics.Exporter, "metrics exporter: prometheus, otel, none")
	return cmd
}

// serve builds every component from settings and runs until ctx is done.
func serve(ctx context.Context, settings config.Settings, logOut io.Writer) error {
	logger, err := observability.NewLogger(logOut, settings.Logging.Level, settings.Logging.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	metrics, spans, metricsHandler := newMetrics(settings.Metrics.Exporter)

	store, err := deadletter.Open(settings.DeadLetter.Path, settings.DeadLetter.MaxSize)
	if err != nil {
		return fmt.Errorf("open dead letter store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close dead letter store", slog.String("error", err.Error()))
		}
	}()

	// Transports reject into the pipeline and the pipeline reports
	// availability to the handler. The callbacks only run after Start.
	var (
		pipeline *eventgateway.Pipeline
		ws       *graphqlws.Handler
	)
	reject := func(ctx context.Context, data []byte, routingKey string) {
		pipeline.Reject(ctx, data, routingKey)
	}

	tr, err := openTransports(settings, logger, reject)
	if err != nil {
		return err
	}
	defer tr.close(logger)

	opts := []eventgateway.Option{
		eventgateway.WithLogger(logger),
		eventgateway.WithMetrics(metrics),
		eventgateway.WithSpans(spans),
		eventgateway.WithDeadLetter(store),
		eventgateway.WithSource(tr.sources...),
		eventgateway.WithAvailability(func(available bool) {
			ws.SetBrokerAvailable(available)
		}),
	}
	opts = append(opts, tr.senders...)

	pipeline, err = eventgateway.New(settings, opts...)
	if err != nil {
		return err
	}
	ws = graphqlws.NewHandler(pipeline.Executor(),
		graphqlws.WithKeepAlive(settings.Subscription.KeepAlive),
		graphqlws.WithLogger(logger),
	)

	srvOpts := []server.Option{
		server.WithLogger(logger),
		server.WithGraphQL(graphqlws.NewServer(ws, graphqlws.WithServerLogger(logger))),
	}
	if metricsHandler != nil {
		srvOpts = append(srvOpts, server.WithMetricsHandler(metricsHandler))
	}
	srv := server.New(settings.Server.Addr, pipeline, srvOpts...)

	ws.Start()
	defer ws.Stop()
	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	runErr := srv.Run(ctx)
	stopErr := pipeline.Stop()
	logger.Info("gateway stopped")
	return errors.Join(runErr, stopErr)
}

// newMetrics selects the recorder, the span manager and the scrape handler
// for exporter. Only the Prometheus exporter serves /metrics.
func newMetrics(exporter string) (observability.MetricsRecorder, observability.SpanManager, http.Handler) {
	switch exporter {
	case config.ExporterPrometheus:
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		return observability.NewPrometheusMetrics(reg),
			observability.NoopSpanManager{},
			promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	case config.ExporterOTel:
		return observability.NewMetricsRecorder(), observability.NewSpanManager(), nil
	default:
		return observability.NoopMetrics{}, observability.NoopSpanManager{}, nil
	}
}

type transports struct {
	sources []consumer.Source
	senders []eventgateway.Option
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// openTransports connects every enabled transport. On error the ones
// already open are closed.
func openTransports(s config.Settings, logger *slog.Logger, reject messaging.RejectFunc) (*transports, error) {
	tr := &transports{}

	if s.NATS.Enabled {
		cfg := natsmsg.DefaultConfig()
		cfg.URL = s.NATS.URL
		cfg.Subject = s.NATS.Subject
		cfg.Queue = s.NATS.Queue
		cfg.SubjectPrefix = s.NATS.SubjectPrefix

		client, err := natsmsg.Connect(cfg, logger)
		if err != nil {
			tr.close(logger)
			return nil, err
		}
		tr.closers = append(tr.closers, namedCloser{"nats", client.Close})
		tr.sources = append(tr.sources, client.Source(natsmsg.WithReject(reject)))
		if s.NATS.Publish {
			tr.senders = append(tr.senders, eventgateway.WithSender("nats", client.Sender()))
		}
	}

	if s.Redis.Enabled {
		client := redismsg.NewClient(redismsg.Config{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
		})
		tr.closers = append(tr.closers, namedCloser{"redis", client.Close})
		tr.sources = append(tr.sources, redismsg.NewSource(client, s.Redis.Patterns,
			redismsg.WithLogger(logger),
			redismsg.WithReject(reject),
		))
		if s.Redis.Publish {
			tr.senders = append(tr.senders,
				eventgateway.WithSender("redis", redismsg.NewSender(client, s.Redis.ChannelPrefix)))
		}
	}

	if s.Kafka.Enabled {
		src := kafkamsg.NewSource(kafkamsg.NewReader(kafkamsg.Config{
			Brokers: s.Kafka.Brokers,
			Topic:   s.Kafka.Topic,
			GroupID: s.Kafka.GroupID,
		}),
			kafkamsg.WithLogger(logger),
			kafkamsg.WithReject(reject),
		)
		tr.closers = append(tr.closers, namedCloser{"kafka reader", src.Close})
		tr.sources = append(tr.sources, src)
	}
	if s.Kafka.OutputTopic != "" {
		sender := kafkamsg.NewSender(kafkamsg.NewWriter(s.Kafka.Brokers, s.Kafka.OutputTopic))
		tr.closers = append(tr.closers, namedCloser{"kafka writer", sender.Close})
		tr.senders = append(tr.senders, eventgateway.WithSender("kafka", sender))
	}

	return tr, nil
}

func (t *transports) close(logger *slog.Logger) {
	for i := len(t.closers) - 1; i >= 0; i-- {
		c := t.closers[i]
		if err := c.close(); err != nil {
			logger.Warn("close transport",
				slog.String("transport", c.name),
				slog.String("error", err.Error()),
			)
		}
	}
	t.closers = nil
}
