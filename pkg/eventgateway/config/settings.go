package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/destination"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/hub"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/observability"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/routing"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/stomprelay"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/transform"
)

// Metrics exporters.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTel       = "otel"
	ExporterNone       = "none"
)

// Settings is the typed gateway configuration.
type Settings struct {
	Transform    TransformSettings
	Routing      RoutingSettings
	Hub          HubSettings
	Stomp        StompSettings
	Subscription SubscriptionSettings
	NATS         NATSSettings
	Kafka        KafkaSettings
	Redis        RedisSettings
	Server       ServerSettings
	Logging      LoggingSettings
	Metrics      MetricsSettings
	DeadLetter   DeadLetterSettings
}

// TransformSettings configures the engine events transformer.
type TransformSettings struct {
	AttributeKeys []string
	TypeKey       string
	Payload       string
	EntityKey     string
	NullPolicy    string
}

// RoutingSettings configures the routing key resolver.
type RoutingSettings struct {
	Template string
}

// HubSettings configures the broadcast hub.
type HubSettings struct {
	Capacity        int
	Overflow        string
	ShutdownTimeout time.Duration

	// SubscriberBuffer is the per-subscription channel size; 0 means
	// Capacity.
	SubscriberBuffer int
}

// StompSettings configures the STOMP broker connection. Bridge publishes
// every document to the broker; Relay serves GraphQL subscriptions from
// broker destinations instead of the hub.
type StompSettings struct {
	Bridge      bool
	Relay       bool
	Host        string
	Port        int
	Login       string
	Passcode    string
	VirtualHost string
	MaxBackoff  time.Duration
	MaxRetries  int
}

// SubscriptionSettings configures GraphQL subscriptions.
type SubscriptionSettings struct {
	FieldName string
	Arguments []string
	KeepAlive time.Duration
}

// NATSSettings configures the NATS transport.
type NATSSettings struct {
	Enabled       bool
	URL           string
	Subject       string
	Queue         string
	SubjectPrefix string
	Publish       bool
}

// KafkaSettings configures the Kafka transport.
type KafkaSettings struct {
	Enabled     bool
	Brokers     []string
	Topic       string
	GroupID     string
	OutputTopic string
}

// RedisSettings configures the Redis pub/sub transport.
type RedisSettings struct {
	Enabled       bool
	Addr          string
	Password      string
	DB            int
	Patterns      []string
	ChannelPrefix string
	Publish       bool
}

// ServerSettings configures the HTTP listener.
type ServerSettings struct {
	Addr string
}

// LoggingSettings configures slog.
type LoggingSettings struct {
	Level  string
	Format string
}

// MetricsSettings selects the metrics exporter.
type MetricsSettings struct {
	Exporter string
}

// DeadLetterSettings configures the quarantine store. An empty path or
// ":memory:" keeps entries in memory.
type DeadLetterSettings struct {
	Path    string
	MaxSize int
}

// DefaultSettings returns the settings used for keys that are not set.
func DefaultSettings() Settings {
	return Settings{
		Transform: TransformSettings{
			AttributeKeys: append([]string(nil), transform.DefaultAttributeKeys...),
			TypeKey:       transform.DefaultTypeKey,
			Payload:       transform.PayloadFullEvent.String(),
			EntityKey:     transform.DefaultEntityKey,
			NullPolicy:    transform.NullGroup.String(),
		},
		Routing: RoutingSettings{Template: routing.DefaultTemplate},
		Hub: HubSettings{
			Capacity:        hub.DefaultCapacity,
			Overflow:        hub.DropNewest.String(),
			ShutdownTimeout: hub.DefaultShutdownTimeout,
		},
		Stomp: StompSettings{
			Host:       stomprelay.DefaultHost,
			Port:       stomprelay.DefaultPort,
			Login:      stomprelay.DefaultLogin,
			Passcode:   stomprelay.DefaultPasscode,
			MaxBackoff: 30 * time.Second,
		},
		Subscription: SubscriptionSettings{
			FieldName: destination.DefaultFieldName,
			Arguments: append([]string(nil), destination.DefaultArgumentNames...),
			KeepAlive: 5 * time.Second,
		},
		NATS: NATSSettings{
			URL:     "nats://127.0.0.1:4222",
			Subject: "engine-events",
		},
		Kafka: KafkaSettings{
			Brokers: []string{"localhost:9092"},
			Topic:   "engine-events",
			GroupID: "eventgateway",
		},
		Redis: RedisSettings{
			Addr:     "localhost:6379",
			Patterns: []string{"engine-events"},
		},
		Server:     ServerSettings{Addr: ":8080"},
		Logging:    LoggingSettings{Level: "info", Format: "json"},
		Metrics:    MetricsSettings{Exporter: ExporterPrometheus},
		DeadLetter: DeadLetterSettings{MaxSize: 10000},
	}
}

// FromConfig overlays cfg on DefaultSettings and validates the result.
func FromConfig(cfg Config) (Settings, error) {
	s := DefaultSettings()

	t := cfg.Sub("transform")
	s.Transform.AttributeKeys = t.StringSlice("attribute_keys", s.Transform.AttributeKeys)
	s.Transform.TypeKey = t.String("type_key", s.Transform.TypeKey)
	s.Transform.Payload = t.String("payload", s.Transform.Payload)
	s.Transform.EntityKey = t.String("entity_key", s.Transform.EntityKey)
	s.Transform.NullPolicy = t.String("null_policy", s.Transform.NullPolicy)

	s.Routing.Template = cfg.String("routing.template", s.Routing.Template)

	h := cfg.Sub("hub")
	s.Hub.Capacity = h.Int("capacity", s.Hub.Capacity)
	s.Hub.Overflow = h.String("overflow", s.Hub.Overflow)
	s.Hub.ShutdownTimeout = h.Duration("shutdown_timeout", s.Hub.ShutdownTimeout)
	s.Hub.SubscriberBuffer = h.Int("subscriber_buffer", s.Hub.SubscriberBuffer)

	st := cfg.Sub("stomp")
	s.Stomp.Bridge = st.Bool("bridge", s.Stomp.Bridge)
	s.Stomp.Relay = st.Bool("relay", s.Stomp.Relay)
	s.Stomp.Host = st.String("host", s.Stomp.Host)
	s.Stomp.Port = st.Int("port", s.Stomp.Port)
	s.Stomp.Login = st.String("login", s.Stomp.Login)
	s.Stomp.Passcode = st.String("passcode", s.Stomp.Passcode)
	s.Stomp.VirtualHost = st.String("virtual_host", s.Stomp.VirtualHost)
	s.Stomp.MaxBackoff = st.Duration("max_backoff", s.Stomp.MaxBackoff)
	s.Stomp.MaxRetries = st.Int("max_retries", s.Stomp.MaxRetries)

	sub := cfg.Sub("subscription")
	s.Subscription.FieldName = sub.String("field_name", s.Subscription.FieldName)
	s.Subscription.Arguments = sub.StringSlice("arguments", s.Subscription.Arguments)
	s.Subscription.KeepAlive = sub.Duration("keep_alive", s.Subscription.KeepAlive)

	n := cfg.Sub("nats")
	s.NATS.Enabled = n.Bool("enabled", s.NATS.Enabled)
	s.NATS.URL = n.String("url", s.NATS.URL)
	s.NATS.Subject = n.String("subject", s.NATS.Subject)
	s.NATS.Queue = n.String("queue", s.NATS.Queue)
	s.NATS.SubjectPrefix = n.String("subject_prefix", s.NATS.SubjectPrefix)
	s.NATS.Publish = n.Bool("publish", s.NATS.Publish)

	k := cfg.Sub("kafka")
	s.Kafka.Enabled = k.Bool("enabled", s.Kafka.Enabled)
	s.Kafka.Brokers = k.StringSlice("brokers", s.Kafka.Brokers)
	s.Kafka.Topic = k.String("topic", s.Kafka.Topic)
	s.Kafka.GroupID = k.String("group_id", s.Kafka.GroupID)
	s.Kafka.OutputTopic = k.String("output_topic", s.Kafka.OutputTopic)

	r := cfg.Sub("redis")
	s.Redis.Enabled = r.Bool("enabled", s.Redis.Enabled)
	s.Redis.Addr = r.String("addr", s.Redis.Addr)
	s.Redis.Password = r.String("password", s.Redis.Password)
	s.Redis.DB = r.Int("db", s.Redis.DB)
	s.Redis.Patterns = r.StringSlice("patterns", s.Redis.Patterns)
	s.Redis.ChannelPrefix = r.String("channel_prefix", s.Redis.ChannelPrefix)
	s.Redis.Publish = r.Bool("publish", s.Redis.Publish)

	s.Server.Addr = cfg.String("server.addr", s.Server.Addr)
	s.Logging.Level = cfg.String("logging.level", s.Logging.Level)
	s.Logging.Format = cfg.String("logging.format", s.Logging.Format)
	s.Metrics.Exporter = cfg.String("metrics.exporter", s.Metrics.Exporter)
	s.DeadLetter.Path = cfg.String("deadletter.path", s.DeadLetter.Path)
	s.DeadLetter.MaxSize = cfg.Int("deadletter.max_size", s.DeadLetter.MaxSize)

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate reports every invalid setting.
func (s Settings) Validate() error {
	var errs []error
	add := func(key string, err error) {
		errs = append(errs, fmt.Errorf("%s: %w", key, err))
	}

	if len(s.Transform.AttributeKeys) == 0 {
		add("transform.attribute_keys", errors.New("at least one key is required"))
	}
	if s.Transform.TypeKey == "" {
		add("transform.type_key", errors.New("must not be empty"))
	}
	if _, err := transform.ParsePayloadMode(s.Transform.Payload); err != nil {
		add("transform.payload", err)
	}
	if _, err := transform.ParseNullPolicy(s.Transform.NullPolicy); err != nil {
		add("transform.null_policy", err)
	}
	if _, err := routing.NewResolver(routing.WithTemplate(s.Routing.Template)); err != nil {
		add("routing.template", err)
	}
	if s.Hub.SubscriberBuffer < 0 {
		add("hub.subscriber_buffer", fmt.Errorf("must not be negative, got %d", s.Hub.SubscriberBuffer))
	}
	if s.Hub.Capacity <= 0 {
		add("hub.capacity", fmt.Errorf("must be positive, got %d", s.Hub.Capacity))
	}
	if _, err := hub.ParseOverflow(s.Hub.Overflow); err != nil {
		add("hub.overflow", err)
	}
	if s.Stomp.Port <= 0 || s.Stomp.Port > 65535 {
		add("stomp.port", fmt.Errorf("out of range: %d", s.Stomp.Port))
	}
	if s.Stomp.MaxRetries < 0 {
		add("stomp.max_retries", fmt.Errorf("must not be negative, got %d", s.Stomp.MaxRetries))
	}
	if s.Subscription.FieldName == "" {
		add("subscription.field_name", errors.New("must not be empty"))
	}
	if s.Kafka.Enabled && len(s.Kafka.Brokers) == 0 {
		add("kafka.brokers", errors.New("required when kafka is enabled"))
	}
	if s.NATS.Enabled && s.NATS.URL == "" {
		add("nats.url", errors.New("required when nats is enabled"))
	}
	if s.Redis.Enabled && s.Redis.Addr == "" {
		add("redis.addr", errors.New("required when redis is enabled"))
	}
	if _, err := observability.ParseLevel(s.Logging.Level); err != nil {
		add("logging.level", err)
	}
	switch strings.ToLower(s.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format", fmt.Errorf("unknown log format %q", s.Logging.Format))
	}
	switch s.Metrics.Exporter {
	case ExporterPrometheus, ExporterOTel, ExporterNone:
	default:
		add("metrics.exporter", fmt.Errorf("unknown exporter %q", s.Metrics.Exporter))
	}
	if s.DeadLetter.MaxSize < 0 {
		add("deadletter.max_size", fmt.Errorf("must not be negative, got %d", s.DeadLetter.MaxSize))
	}
	return errors.Join(errs...)
}
