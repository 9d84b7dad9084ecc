package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/config"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/observability"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCommandsRegistered(t *testing.T) {
	root := NewRootCommand()
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "transform", "route"} {
		assert.True(t, names[want], "missing command %s", want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{
			name: "all attributes",
			args: []string{"route",
				"--set", "serviceName=rb",
				"--set", "appName=app",
				"--set", "processDefinitionKey=P",
				"--set", "processInstanceId=1",
				"--set", "businessKey=",
			},
			want: "engineEvents.rb.app.P.1._",
		},
		{
			name: "missing and null attributes",
			args: []string{"route", "--set", "serviceName=rb", "--set", "appName=null"},
			want: "engineEvents.rb.null.null.null.null",
		},
		{
			name: "template from environment",
			args: []string{"route", "--set", "serviceName=rb"},
			env:  map[string]string{"EVENTGATEWAY_ROUTING_TEMPLATE": "env.${serviceName}"},
			want: "env.rb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			out, err := execute(t, "", tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want+"\n", out)
		})
	}
}

func TestRoute_ConfigFile(t *testing.T) {
	yamlPath := writeConfig(t, "gateway.yaml", "routing:\n  template: \"file.${appName}\"\n")
	out, err := execute(t, "", "--config", yamlPath, "route", "--set", "appName=app")
	require.NoError(t, err)
	assert.Equal(t, "file.app\n", out)

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("EVENTGATEWAY_ROUTING_TEMPLATE", "env.${appName}")
		out, err := execute(t, "", "--config", yamlPath, "route", "--set", "appName=app")
		require.NoError(t, err)
		assert.Equal(t, "env.app\n", out)
	})

	t.Run("json file", func(t *testing.T) {
		jsonPath := writeConfig(t, "gateway.json", `{"routing": {"template": "json.${appName}"}}`)
		out, err := execute(t, "", "--config", jsonPath, "route", "--set", "appName=app")
		require.NoError(t, err)
		assert.Equal(t, "json.app\n", out)
	})
}

func TestRoute_Errors(t *testing.T) {
	t.Run("malformed set", func(t *testing.T) {
		_, err := execute(t, "", "route", "--set", "serviceName")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "want key=value")
	})

	t.Run("missing config file", func(t *testing.T) {
		_, err := execute(t, "", "--config", filepath.Join(t.TempDir(), "absent.yaml"), "route")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read config")
	})

	t.Run("invalid setting", func(t *testing.T) {
		t.Setenv("EVENTGATEWAY_HUB_OVERFLOW", "sideways")
		_, err := execute(t, "", "route")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hub.overflow")
	})
}

const batch = `[
  {"eventType": "PROCESS_STARTED", "serviceName": "rb", "appName": "app",
   "processDefinitionKey": "P", "processInstanceId": "1", "businessKey": "bk"},
  {"eventType": "PROCESS_STARTED", "serviceName": "rb", "appName": "app",
   "processDefinitionKey": "P", "processInstanceId": "1", "businessKey": "bk"},
  {"eventType": "TASK_CREATED", "serviceName": "rb", "appName": "app",
   "processDefinitionKey": "P", "processInstanceId": "2", "businessKey": "bk"}
]`

type routedOutput struct {
	RoutingKey string         `json:"routingKey"`
	Document   map[string]any `json:"document"`
}

func TestTransform(t *testing.T) {
	check := func(t *testing.T, out string) {
		t.Helper()
		var got []routedOutput
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		require.Len(t, got, 2)

		assert.Equal(t, "engineEvents.rb.app.P.1.bk", got[0].RoutingKey)
		assert.Len(t, got[0].Document["PROCESS_STARTED"], 2)
		assert.Equal(t, "engineEvents.rb.app.P.2.bk", got[1].RoutingKey)
		assert.Len(t, got[1].Document["TASK_CREATED"], 1)
	}

	t.Run("stdin", func(t *testing.T) {
		out, err := execute(t, batch, "transform")
		require.NoError(t, err)
		check(t, out)
	})

	t.Run("dash reads stdin", func(t *testing.T) {
		out, err := execute(t, batch, "transform", "-")
		require.NoError(t, err)
		check(t, out)
	})

	t.Run("file", func(t *testing.T) {
		path := writeConfig(t, "batch.json", batch)
		out, err := execute(t, "", "transform", path)
		require.NoError(t, err)
		check(t, out)
	})

	t.Run("empty batch", func(t *testing.T) {
		out, err := execute(t, "[]", "transform")
		require.NoError(t, err)
		assert.JSONEq(t, "[]", out)
	})
}

func TestTransform_Errors(t *testing.T) {
	_, err := execute(t, "not json", "transform")
	assert.Error(t, err)

	_, err = execute(t, "", "transform", filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent.json")
}

func TestNewMetrics(t *testing.T) {
	m, s, h := newMetrics(config.ExporterPrometheus)
	assert.IsType(t, &observability.PrometheusMetrics{}, m)
	assert.Equal(t, observability.NoopSpanManager{}, s)
	assert.NotNil(t, h)

	m, s, h = newMetrics(config.ExporterOTel)
	assert.NotNil(t, m)
	assert.NotNil(t, s)
	assert.Nil(t, h)

	m, _, h = newMetrics(config.ExporterNone)
	assert.Equal(t, observability.NoopMetrics{}, m)
	assert.Nil(t, h)
}

func TestOpenTransports(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reject := func(context.Context, []byte, string) {}

	t.Run("none enabled", func(t *testing.T) {
		tr, err := openTransports(config.DefaultSettings(), logger, reject)
		require.NoError(t, err)
		assert.Empty(t, tr.sources)
		assert.Empty(t, tr.senders)
		tr.close(logger)
	})

	t.Run("redis and kafka", func(t *testing.T) {
		mr := miniredis.RunT(t)

		s := config.DefaultSettings()
		s.Redis.Enabled = true
		s.Redis.Addr = mr.Addr()
		s.Redis.Publish = true
		s.Kafka.Enabled = true
		s.Kafka.OutputTopic = "notifications"

		tr, err := openTransports(s, logger, reject)
		require.NoError(t, err)
		assert.Len(t, tr.sources, 2)
		assert.Len(t, tr.senders, 2)
		assert.Len(t, tr.closers, 3)
		tr.close(logger)
		assert.Empty(t, tr.closers)
	})
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)

	s := config.DefaultSettings()
	s.Server.Addr = "127.0.0.1:0"
	s.Metrics.Exporter = config.ExporterNone
	s.Redis.Enabled = true
	s.Redis.Addr = mr.Addr()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var logs bytes.Buffer
	go func() { done <- serve(ctx, s, &logs) }()

	require.Eventually(t, func() bool { return mr.PubSubNumPat() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
