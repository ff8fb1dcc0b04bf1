package logging_test

import (
	"context"
	"testing"

	"github.com/alexlavriv/ota-agent/internal/config"
	"github.com/alexlavriv/ota-agent/internal/logging"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", logging.ParseLevel("debug").String())
	assert.Equal(t, "INFO", logging.ParseLevel("").String())
	assert.Equal(t, "WARN", logging.ParseLevel("warning").String())
	assert.Equal(t, "ERROR", logging.ParseLevel("error").String())
	assert.Equal(t, "INFO", logging.ParseLevel("bogus").String())
}

func TestNew_DoesNotPanicWithDefaults(t *testing.T) {
	logger := logging.New(config.LogConfig{Level: "info", Format: "json"})
	assert.NotNil(t, logger)
	logger.Info("smoke test")
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := logging.WithRequestID(context.Background(), "req_abc")
	assert.Equal(t, "req_abc", logging.RequestIDFromContext(ctx))
	assert.Equal(t, "", logging.RequestIDFromContext(context.Background()))
}
