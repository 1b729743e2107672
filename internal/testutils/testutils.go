// Package testutils holds fixtures shared by package tests.
package testutils

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"

	"github.com/nfrund/boardboard/internal/config"
	"github.com/nfrund/boardboard/internal/pubsub"
)

// SessionSecret is a cookie secret long enough to pass validation.
const SessionSecret = "a-very-secret-key-for-testing-!!"

// ConfigForTests returns a valid in-memory configuration. Values from a
// .env.test file at the project root, when present, override the defaults.
func ConfigForTests(t *testing.T) *config.Config {
	t.Helper()

	t.Setenv("SUPABASE_URL", "https://demo.supabase.co")
	t.Setenv("SUPABASE_ANON_KEY", "anon")
	t.Setenv("SESSION_SECRET", SessionSecret)
	t.Setenv("REALTIME_TRANSPORT", config.TransportMemory)
	t.Setenv("SERVER_ADDR", "127.0.0.1:0")

	if root, ok := projectRoot(); ok {
		if env, err := godotenv.Read(filepath.Join(root, ".env.test")); err == nil {
			for key, value := range env {
				t.Setenv(key, value)
			}
		}
	}

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return cfg
}

// projectRoot walks up from the working directory to the go.mod.
func projectRoot() (string, bool) {
	path, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for {
		if _, err := os.Stat(filepath.Join(path, "go.mod")); err == nil {
			return path, true
		}
		if path == filepath.Dir(path) {
			return "", false
		}
		path = filepath.Dir(path)
	}
}

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MemoryBroker returns an in-process broker closed with the test.
func MemoryBroker(t *testing.T) *pubsub.WatermillBridge {
	t.Helper()
	b := pubsub.NewWatermillBridge()
	t.Cleanup(func() { _ = b.Close() })
	return b
}
