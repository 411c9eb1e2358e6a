package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		want  time.Duration
		isErr bool
	}{
		{name: "go duration string", yaml: `d: 90s`, want: 90 * time.Second},
		{name: "compound duration", yaml: `d: 1h30m`, want: 90 * time.Minute},
		{name: "bare integer is seconds", yaml: `d: 45`, want: 45 * time.Second},
		{name: "negative duration", yaml: `d: -1s`, want: -time.Second},
		{name: "garbage", yaml: `d: soon`, isErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				D Duration `yaml:"d"`
			}
			err := yaml.Unmarshal([]byte(tt.yaml), &out)
			if tt.isErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.D.Std())
		})
	}
}

func TestDuration_MarshalYAML(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{D: Duration(5 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, "d: 5m0s\n", string(out))
}

func TestApplyUpstreamDefaults(t *testing.T) {
	t.Run("stdio inferred from command", func(t *testing.T) {
		u := UpstreamConfig{Name: "local", Command: "server"}
		ApplyUpstreamDefaults(&u)
		assert.Equal(t, TransportStdio, u.Transport)
	})

	t.Run("streamable-http inferred from url", func(t *testing.T) {
		u := UpstreamConfig{Name: "remote", URL: "http://host/mcp"}
		ApplyUpstreamDefaults(&u)
		assert.Equal(t, TransportStreamableHTTP, u.Transport)
	})

	t.Run("explicit transport preserved", func(t *testing.T) {
		u := UpstreamConfig{Name: "remote", URL: "http://host/sse", Transport: TransportSSE}
		ApplyUpstreamDefaults(&u)
		assert.Equal(t, TransportSSE, u.Transport)
	})

	t.Run("zero idle timeout gets default", func(t *testing.T) {
		u := UpstreamConfig{Name: "local", Command: "server"}
		ApplyUpstreamDefaults(&u)
		assert.Equal(t, DefaultUpstreamIdleTimeout, u.IdleTimeout.Std())
	})

	t.Run("negative idle timeout preserved", func(t *testing.T) {
		u := UpstreamConfig{Name: "local", Command: "server", IdleTimeout: Duration(-time.Second)}
		ApplyUpstreamDefaults(&u)
		assert.True(t, u.IdleTimeout.Std() < 0)
	})

	t.Run("retry and concurrency defaults", func(t *testing.T) {
		u := UpstreamConfig{Name: "local", Command: "server"}
		ApplyUpstreamDefaults(&u)
		assert.Equal(t, DefaultUpstreamMaxInFlight, u.MaxInFlight)
		assert.Equal(t, DefaultRestartMaxAttempts, u.RestartMaxAttempts)
		assert.Equal(t, DefaultUpstreamTimeout, u.Timeout.Std())
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultHost, cfg.Endpoint.Host)
	assert.Equal(t, DefaultPort, cfg.Endpoint.Port)
	assert.Equal(t, TransportStreamableHTTP, cfg.Endpoint.Transport)

	sum := cfg.Search.Weights.Similarity + cfg.Search.Weights.Relatedness + cfg.Search.Weights.Priority
	assert.InDelta(t, 1.0, sum, 1e-9)

	assert.Equal(t, DefaultDecayLambda, cfg.Graph.DecayLambda)
	assert.Equal(t, DefaultPageRankDamping, cfg.Graph.PageRank.Damping)
	assert.Equal(t, DefaultApprovalTTL, cfg.Engine.Pending.ApprovalTTL.Std())
	assert.Equal(t, DefaultDependencyTTL, cfg.Engine.Pending.DependencyTTL.Std())
	assert.NotNil(t, cfg.Sandbox.PIIProtection)
	assert.True(t, *cfg.Sandbox.PIIProtection)
	assert.NotNil(t, cfg.Sandbox.Cache.Enabled)
	assert.True(t, *cfg.Sandbox.Cache.Enabled)

	// defaults must validate against their own rules
	assert.NoError(t, Validate(&cfg))
}
