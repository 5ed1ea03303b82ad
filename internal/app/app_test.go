package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"litecoord/internal/adapter/httpapi"
	"litecoord/internal/config"
	"litecoord/internal/platform/logger"
	"litecoord/internal/platform/sqlite"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()

	var cfg config.Config
	cfg.Env = "test"
	cfg.DB.Path = filepath.Join(dir, "litecoord.db")
	cfg.DB.Driver = string(sqlite.DriverModernc)
	cfg.DB.Mode = string(sqlite.AccessModeReadWriteCreate)
	cfg.DB.BusyTimeout = time.Second
	cfg.DB.JournalMode = "wal"
	cfg.DB.Synchronous = "normal"
	cfg.DB.ForeignKeys = true
	cfg.Backup.Dir = filepath.Join(dir, "backups")
	cfg.Backup.PagesPerStep = 16
	cfg.Backup.Keep = 3
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.HTTP.Token = "secret"
	return cfg
}

func TestApp_DBOptionsPrecedence(t *testing.T) {
	cfg := testConfig(t)
	cfg.DB.CacheSize = -2000
	cfg.DB.PragmaFile = filepath.Join(t.TempDir(), "pragmas.yaml")
	require.NoError(t, os.WriteFile(cfg.DB.PragmaFile, []byte("synchronous: full\n"), 0o644))

	a := &App{cfg: cfg, log: logger.Discard()}
	opts, err := a.dbOptions()
	require.NoError(t, err)

	assert.Equal(t, "full", opts.Pragmas[sqlite.OptSynchronous], "file overrides env")
	assert.Equal(t, "wal", opts.Pragmas[sqlite.OptJournalMode])
	assert.Equal(t, -2000, opts.Pragmas[sqlite.OptCacheSize])
	assert.Equal(t, time.Second, opts.BusyTimeout)

	cfg.DB.PragmaFile = filepath.Join(t.TempDir(), "missing.yaml")
	a.cfg = cfg
	_, err = a.dbOptions()
	assert.Error(t, err)
}

func TestApp_RunServesAndShutsDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	addr, stop := startApp(t, testConfig(t))
	defer stop()
	base := "http://" + addr

	resp, err := http.Get(base + "/v1/schema")
	require.NoError(t, err)
	var schema httpapi.SchemaView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&schema))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, schema.Version)

	// без токена
	resp, err = http.Post(base+"/v1/backups", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, base+"/v1/backups", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var backup httpapi.BackupView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&backup))
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.FileExists(t, backup.Path)

	resp, err = http.Get(base + "/v1/backups/last")
	require.NoError(t, err)
	var last httpapi.BackupView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&last))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, backup.ID, last.ID)
}

func startApp(t *testing.T, cfg config.Config) (string, func()) {
	t.Helper()
	a := &App{cfg: cfg, log: logger.Discard(), ready: make(chan string, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	var addr string
	select {
	case addr = <-a.ready:
	case err := <-done:
		cancel()
		t.Fatalf("run exited early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("app did not start")
	}

	return addr, func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Fatal("run did not stop")
		}
	}
}

func TestApp_ReadOnlySkipsMigrations(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Addr = ""

	// первый запуск создаёт и мигрирует базу
	_, stop := startApp(t, cfg)
	stop()

	cfg.DB.Mode = string(sqlite.AccessModeReadOnly)
	_, stop = startApp(t, cfg)
	stop()

	opts := sqlite.DefaultOptions()
	opts.AccessMode = sqlite.AccessModeReadOnly
	opts.Logger = logger.Discard()
	conn, err := sqlite.Open(context.Background(), cfg.DB.Path, opts)
	require.NoError(t, err)
	defer conn.Close(context.Background())
	version, err := sqlite.SchemaVersion(context.Background(), conn)
	require.NoError(t, err)
	assert.EqualValues(t, 3, version)
}

func TestApp_ReadOnlyMissingFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Addr = ""
	cfg.DB.Mode = string(sqlite.AccessModeReadOnly)

	a := &App{cfg: cfg, log: logger.Discard()}
	assert.Error(t, a.run(context.Background()))
}
