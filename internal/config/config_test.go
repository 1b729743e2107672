package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/boardboard/internal/config"
)

func setRequired(t *testing.T) {
	t.Setenv("SUPABASE_URL", "https://demo.supabase.co")
	t.Setenv("SUPABASE_ANON_KEY", "anon")
	t.Setenv("SESSION_SECRET", "0123456789abcdef0123456789abcdef")
}

func TestFromEnv_Defaults(t *testing.T) {
	setRequired(t)

	cfg := config.FromEnv()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://demo.supabase.co", cfg.RealtimeURL, "realtime url falls back to the project url")
	assert.Equal(t, config.TransportPhoenix, cfg.RealtimeTransport)
	assert.Equal(t, 25*time.Second, cfg.RealtimeHeartbeat)
	assert.Equal(t, float64(10), cfg.RealtimeEventsPerSecond)
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "json", cfg.BrokerCodec)
	assert.Equal(t, time.Minute, cfg.TokenRefreshMargin)
}

func TestFromEnv_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("REALTIME_URL", "wss://rt.example.com")
	t.Setenv("REALTIME_TRANSPORT", "NATS")
	t.Setenv("REALTIME_HEARTBEAT", "5s")
	t.Setenv("REALTIME_EVENTS_PER_SECOND", "2.5")
	t.Setenv("BROKER_CODEC", "msgpack")
	t.Setenv("PUBSUB_TRACING_ENABLED", "true")
	t.Setenv("TOKEN_REFRESH_MARGIN", "5m")

	cfg := config.FromEnv()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "wss://rt.example.com", cfg.RealtimeURL)
	assert.Equal(t, config.TransportNATS, cfg.RealtimeTransport)
	assert.Equal(t, 5*time.Second, cfg.RealtimeHeartbeat)
	assert.Equal(t, 2.5, cfg.RealtimeEventsPerSecond)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, 5*time.Minute, cfg.TokenRefreshMargin)
}

func TestFromEnv_InvalidValuesFallBack(t *testing.T) {
	setRequired(t)
	t.Setenv("REALTIME_HEARTBEAT", "soon")
	t.Setenv("PUBSUB_TRACING_ENABLED", "maybe")

	cfg := config.FromEnv()
	assert.Equal(t, 25*time.Second, cfg.RealtimeHeartbeat)
	assert.False(t, cfg.TracingEnabled)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")
	t.Setenv("SESSION_SECRET", "short")
	t.Setenv("REALTIME_TRANSPORT", "carrier-pigeon")
	t.Setenv("BROKER_CODEC", "xml")

	err := config.FromEnv().Validate()
	require.Error(t, err)
	for _, want := range []string{"SUPABASE_URL", "SUPABASE_ANON_KEY", "SESSION_SECRET", "REALTIME_TRANSPORT", "BROKER_CODEC"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateClient(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("REALTIME_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")

	t.Setenv("REALTIME_TRANSPORT", "memory")
	assert.NoError(t, config.FromEnv().ValidateClient())

	t.Setenv("REALTIME_TRANSPORT", "phoenix")
	assert.Error(t, config.FromEnv().ValidateClient())
}
