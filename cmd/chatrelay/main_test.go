package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/config"
	"chatrelay/internal/domain"
	"chatrelay/internal/queue"
)

func TestNewLogger_LevelFormatAndFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "relay.log")
	l, closer, err := newLogger(config.LoggingConfig{Level: "warn", Format: "json", File: logFile})
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown", "platform", "qq")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), `"msg":"shown"`)
	assert.Contains(t, string(data), `"platform":"qq"`)

	_, _, err = newLogger(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestSeedConfigs_MapsProvidersSection(t *testing.T) {
	cfg := config.Defaults()
	cfg.Providers = map[string]config.ProviderConfig{
		"slack": {
			DisplayName:     "Team",
			Enabled:         true,
			MessageInterval: time.Second,
			MaxRetryCount:   4,
			Config:          map[string]string{"botToken": "xoxb"},
		},
	}
	out := seedConfigs(cfg)
	require.Len(t, out, 1)
	assert.Equal(t, domain.ProviderConfig{
		Platform:        "slack",
		DisplayName:     "Team",
		IsEnabled:       true,
		MessageInterval: time.Second,
		MaxRetryCount:   4,
		ConfigData:      map[string]string{"botToken": "xoxb"},
	}, out[0])
}

func TestOpenQueueStore_Backends(t *testing.T) {
	ctx := context.Background()

	st, closeFn, err := openQueueStore(ctx, config.QueueConfig{Backend: "memory"}, nil)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &queue.MemoryStore{}, st)

	_, _, err = openQueueStore(ctx, config.QueueConfig{Backend: "kafka"}, nil)
	assert.Error(t, err)
}

func TestArchive_RoundTripSkipsUnknownMembers(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "src.db")
	cfgFile := filepath.Join(dir, "src.yaml")
	require.NoError(t, os.WriteFile(db, []byte("sqlite bytes"), 0o600))
	require.NoError(t, os.WriteFile(cfgFile, []byte("server: {}\n"), 0o644))

	archive := filepath.Join(dir, "backup.tar.gz")
	require.NoError(t, writeArchive(archive, map[string]string{
		backupDBName:     db,
		backupConfigName: cfgFile,
		"notes.txt":      cfgFile,
	}))

	restoredDB := filepath.Join(dir, "restore", "chatrelay.db")
	restoredCfg := filepath.Join(dir, "restore", "config.yaml")
	got, err := extractArchive(archive, map[string]string{
		backupDBName:     restoredDB,
		backupConfigName: restoredCfg,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{restoredDB, restoredCfg}, got)

	data, err := os.ReadFile(restoredDB)
	require.NoError(t, err)
	assert.Equal(t, "sqlite bytes", string(data))
	_, err = os.Stat(filepath.Join(dir, "restore", "notes.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestAdminClient_SendsBearerKey(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/queue/status" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"pendingCount":2,"deadLetterCount":1,"timestamp":"2026-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	adminAddr, adminKey = srv.URL, "k"
	t.Cleanup(func() { adminAddr, adminKey = "", "" })

	c, err := newAdminClient()
	require.NoError(t, err)
	var st domain.QueueStatus
	require.NoError(t, c.do(context.Background(), http.MethodGet, "/api/queue/status", nil, &st))
	assert.Equal(t, "Bearer k", gotAuth)
	assert.Equal(t, 2, st.PendingCount)

	err = c.do(context.Background(), http.MethodGet, "/api/nope", nil, nil)
	assert.ErrorContains(t, err, "404")
}

func TestServiceFile_RendersServeCommand(t *testing.T) {
	unit, path, err := serviceFile("/usr/local/bin/chatrelay", "/etc/chatrelay.yaml")
	if err != nil {
		t.Skip(err)
	}
	assert.NotEmpty(t, path)
	assert.Contains(t, unit, "serve")
	assert.Contains(t, unit, "/etc/chatrelay.yaml")
}
