package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/linkmux"
	"github.com/glimte/linkmux/health"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "", "").Info("hello", "link", "orders")
	assert.Contains(t, buf.String(), `"link":"orders"`)

	buf.Reset()
	newLogger(&buf, "", "text").Info("hello", "link", "orders")
	assert.Contains(t, buf.String(), "link=orders")

	buf.Reset()
	newLogger(&buf, "warn", "text").Info("hidden")
	assert.Empty(t, buf.String())
}

func TestLoadConfig(t *testing.T) {
	t.Run("flags alone", func(t *testing.T) {
		g := &globalFlags{address: "amqp://localhost:5672", backend: "rabbitmq"}
		cfg, err := g.loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "amqp://localhost:5672", cfg.Address)
		assert.Equal(t, linkmux.BackendRabbitMQ, cfg.Backend)
	})

	t.Run("flags override the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "probe.yaml")
		require.NoError(t, os.WriteFile(path, []byte("backend: rabbitmq\ncredit: 7\n"), 0o600))

		g := &globalFlags{configPath: path, address: "amqp://broker:5672"}
		cfg, err := g.loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "amqp://broker:5672", cfg.Address)
		assert.Equal(t, linkmux.BackendRabbitMQ, cfg.Backend)
		assert.Equal(t, uint32(7), cfg.Credit)
	})

	t.Run("missing address", func(t *testing.T) {
		_, err := (&globalFlags{}).loadConfig()
		assert.ErrorIs(t, err, linkmux.ErrInvalidConfig)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := (&globalFlags{address: "amqp://x", backend: "mqtt"}).loadConfig()
		assert.ErrorIs(t, err, linkmux.ErrInvalidConfig)
	})
}

type pendingCount int

func (p pendingCount) PendingDeliveries() int { return int(p) }

func TestSettlementChecker(t *testing.T) {
	t.Run("healthy below the threshold", func(t *testing.T) {
		result := newSettlementChecker(pendingCount(3), 10).Check(context.Background())
		assert.Equal(t, "settlement", result.Name)
		assert.Equal(t, health.StatusHealthy, result.Status)
		assert.Equal(t, 3, result.Details["pending"])
	})

	t.Run("degraded at the threshold", func(t *testing.T) {
		result := newSettlementChecker(pendingCount(10), 10).Check(context.Background())
		assert.Equal(t, health.StatusDegraded, result.Status)
		assert.Contains(t, result.Message, "10 deliveries")
	})
}

func TestCommands(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	t.Run("send requires a target", func(t *testing.T) {
		cmd := newRootCmd(logger)
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"send", "--address", "amqp://localhost:5672"})
		assert.ErrorContains(t, cmd.Execute(), "target")
	})

	t.Run("receive rejects an unknown mode", func(t *testing.T) {
		cmd := newRootCmd(logger)
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"receive", "--source", "inbox", "--mode", "browse"})
		assert.ErrorIs(t, cmd.Execute(), linkmux.ErrInvalidConfig)
	})

	t.Run("receive rejects an unknown settlement", func(t *testing.T) {
		cmd := newRootCmd(logger)
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"receive", "--source", "inbox", "--settle", "ignore"})
		assert.ErrorContains(t, cmd.Execute(), "--settle")
	})
}
