package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/config"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EVENTGATEWAY"

// settingKeys lists every key config.FromConfig reads. Viper only reports
// environment values for keys it has been told about.
var settingKeys = []string{
	"transform.attribute_keys",
	"transform.type_key",
	"transform.payload",
	"transform.entity_key",
	"transform.null_policy",
	"routing.template",
	"hub.capacity",
	"hub.overflow",
	"hub.shutdown_timeout",
	"hub.subscriber_buffer",
	"stomp.bridge",
	"stomp.relay",
	"stomp.host",
	"stomp.port",
	"stomp.login",
	"stomp.passcode",
	"stomp.virtual_host",
	"stomp.max_backoff",
	"stomp.max_retries",
	"subscription.field_name",
	"subscription.arguments",
	"subscription.keep_alive",
	"nats.enabled",
	"nats.url",
	"nats.subject",
	"nats.queue",
	"nats.subject_prefix",
	"nats.publish",
	"kafka.enabled",
	"kafka.brokers",
	"kafka.topic",
	"kafka.group_id",
	"kafka.output_topic",
	"redis.enabled",
	"redis.addr",
	"redis.password",
	"redis.db",
	"redis.patterns",
	"redis.channel_prefix",
	"redis.publish",
	"server.addr",
	"logging.level",
	"logging.format",
	"metrics.exporter",
	"deadletter.path",
	"deadletter.max_size",
}

// loader layers the config file, the environment and bound flags.
type loader struct {
	v *viper.Viper
}

func newLoader(configFile string) (*loader, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range settingKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return &loader{v: v}, nil
}

// bindFlags lets the named command flags override their keys. A flag
// left at its default sits below the file and the environment.
func (l *loader) bindFlags(cmd *cobra.Command, flags map[string]string) error {
	for key, name := range flags {
		if err := l.v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Settings resolves the layered values into validated settings.
func (l *loader) Settings() (config.Settings, error) {
	s, err := config.FromConfig(config.New(l.v.AllSettings()))
	if err != nil {
		return config.Settings{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}
