package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"litecoord/internal/adapter/scheduler"
	"litecoord/internal/platform/logger"
	"litecoord/internal/shared"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	pingErr   error
	schema    SchemaView
	schemaErr error
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) Schema(context.Context) (SchemaView, error) { return f.schema, f.schemaErr }

type fakeBackups struct {
	calls   int
	err     error
	last    *BackupView
	lastErr error
}

func (f *fakeBackups) Trigger(context.Context) (BackupView, error) {
	f.calls++
	if f.err != nil {
		return BackupView{}, f.err
	}
	v := BackupView{ID: fmt.Sprintf("job-%d", f.calls), Path: "/backups/a.db", Pages: 12, Bytes: 49152, Size: "49 kB"}
	f.last = &v
	return v, nil
}

func (f *fakeBackups) Last(context.Context) (BackupView, bool, error) {
	if f.lastErr != nil {
		return BackupView{}, false, f.lastErr
	}
	if f.last == nil {
		return BackupView{}, false, nil
	}
	return *f.last, true, nil
}

type fakeJobs []scheduler.JobStatus

func (f fakeJobs) Statuses() []scheduler.JobStatus { return f }

func serve(t *testing.T, r http.Handler, method, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	store := &fakeStore{}
	r := NewRouter(Deps{Store: store, Logger: logger.Discard()})

	w := serve(t, r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	store.pingErr = errors.New("connection already closed")
	w = serve(t, r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSchema(t *testing.T) {
	store := &fakeStore{schema: SchemaView{
		Version: 3,
		Name:    "backup_log",
		Tables:  []TableView{{Name: "users", Columns: []string{"username", "address"}, Indexes: []string{"idx_users_address"}}},
	}}
	r := NewRouter(Deps{Store: store, Logger: logger.Discard()})

	w := serve(t, r, http.MethodGet, "/v1/schema")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[SchemaView](t, w)
	assert.Equal(t, store.schema, got)
}

func TestSchema_ErrorKinds(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantRetry  bool
	}{
		{"busy", shared.MarkKind(errors.New("database is locked"), shared.KindBusy), http.StatusServiceUnavailable, true},
		{"closed", shared.MarkKind(errors.New("closed"), shared.KindClosed), http.StatusServiceUnavailable, false},
		{"validation", shared.MarkKind(errors.New("bad"), shared.KindValidation), http.StatusBadRequest, false},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, true},
		{"plain", errors.New("boom"), http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(Deps{Store: &fakeStore{schemaErr: tt.err}, Logger: logger.Discard()})
			w := serve(t, r, http.MethodGet, "/v1/schema")

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantRetry, w.Header().Get("Retry-After") != "")
			body := decode[errorView](t, w)
			assert.Equal(t, shared.KindOf(tt.err).String(), body.Kind)
		})
	}
}

func TestBackups(t *testing.T) {
	backups := &fakeBackups{}
	r := NewRouter(Deps{Store: &fakeStore{}, Backups: backups, Logger: logger.Discard()})

	w := serve(t, r, http.MethodGet, "/v1/backups/last")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(t, r, http.MethodPost, "/v1/backups")
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[BackupView](t, w)
	assert.Equal(t, "job-1", created.ID)

	w = serve(t, r, http.MethodGet, "/v1/backups/last")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created, decode[BackupView](t, w))
}

func TestBackups_Conflict(t *testing.T) {
	backups := &fakeBackups{err: shared.MarkKind(errors.New("backup already running"), shared.KindConflict)}
	r := NewRouter(Deps{Store: &fakeStore{}, Backups: backups, Logger: logger.Discard()})

	w := serve(t, r, http.MethodPost, "/v1/backups")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBackups_NotConfigured(t *testing.T) {
	r := NewRouter(Deps{Store: &fakeStore{}, Logger: logger.Discard()})

	assert.Equal(t, http.StatusNotImplemented, serve(t, r, http.MethodPost, "/v1/backups").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, r, http.MethodGet, "/v1/backups/last").Code)
}

func TestBackups_Token(t *testing.T) {
	backups := &fakeBackups{}
	r := NewRouter(Deps{Store: &fakeStore{}, Backups: backups, Token: "s3cr3t", Logger: logger.Discard()})

	assert.Equal(t, http.StatusUnauthorized, serve(t, r, http.MethodPost, "/v1/backups").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(t, r, http.MethodPost, "/v1/backups", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, 0, backups.calls)

	w := serve(t, r, http.MethodPost, "/v1/backups", "Authorization", "Bearer s3cr3t")
	assert.Equal(t, http.StatusCreated, w.Code)

	// чтение токена не требует
	assert.Equal(t, http.StatusOK, serve(t, r, http.MethodGet, "/v1/backups/last").Code)
}

func TestBackups_RateLimited(t *testing.T) {
	backups := &fakeBackups{}
	r := NewRouter(Deps{Store: &fakeStore{}, Backups: backups, BackupRate: time.Minute, Logger: logger.Discard()})

	assert.Equal(t, http.StatusCreated, serve(t, r, http.MethodPost, "/v1/backups").Code)
	w := serve(t, r, http.MethodPost, "/v1/backups")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, 1, backups.calls)
}

func TestRateLimiter_ForgetsOldClients(t *testing.T) {
	now := time.Unix(0, 0)
	rl := NewRateLimiter(time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(2 * time.Second)
	assert.True(t, rl.Allow("a"))
	assert.Len(t, rl.last, 1)
}

func TestJobs(t *testing.T) {
	next := time.Date(2030, 1, 2, 3, 0, 0, 0, time.UTC)
	jobs := fakeJobs{
		{ID: 1, Name: scheduler.BackupJobName, Schedule: "0 3 * * *", Runs: 2, Failures: 1, LastError: "disk full", Next: next},
	}
	r := NewRouter(Deps{Store: &fakeStore{}, Jobs: jobs, Logger: logger.Discard()})

	w := serve(t, r, http.MethodGet, "/v1/jobs")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[[]JobView](t, w)
	require.Len(t, got, 1)
	assert.Equal(t, "backup", got[0].Name)
	assert.Nil(t, got[0].LastStart)
	require.NotNil(t, got[0].Next)
	assert.True(t, next.Equal(*got[0].Next))

	empty := NewRouter(Deps{Store: &fakeStore{}, Logger: logger.Discard()})
	assert.JSONEq(t, `[]`, serve(t, empty, http.MethodGet, "/v1/jobs").Body.String())
}
