// Package integration holds tests that wire the real adapters together.
package integration

import (
	"context"
	"os"
	"testing"
	"time"
)

// Config holds integration test configuration from environment.
type Config struct {
	OpenAIKey   string
	GeminiKey   string
	SearXNGURL  string
	TestTimeout time.Duration
}

// LoadConfig loads integration test configuration from environment.
func LoadConfig() *Config {
	return &Config{
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		GeminiKey:   os.Getenv("GEMINI_API_KEY"),
		SearXNGURL:  os.Getenv("SEARXNG_URL"),
		TestTimeout: 60 * time.Second,
	}
}

// SkipIfUnset skips the test when a required environment value is empty.
func SkipIfUnset(t *testing.T, value, name string) {
	t.Helper()
	if value == "" {
		t.Skipf("skipping: %s not set", name)
	}
}

// SkipIfShort skips integration tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
