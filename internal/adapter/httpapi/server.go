package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"litecoord/internal/adapter/scheduler"
	"litecoord/internal/shared"
)

// Store - доступ к базе для статусных эндпоинтов.
type Store interface {
	Ping(ctx context.Context) error
	Schema(ctx context.Context) (SchemaView, error)
}

// Backups - запуск и история резервных копий.
type Backups interface {
	Trigger(ctx context.Context) (BackupView, error)
	Last(ctx context.Context) (BackupView, bool, error)
}

// Jobs - состояние фоновых задач.
type Jobs interface {
	Statuses() []scheduler.JobStatus
}

// Deps - зависимости роутера. Backups и Jobs необязательны.
type Deps struct {
	Store   Store
	Backups Backups
	Jobs    Jobs
	Logger  *slog.Logger
	// Token защищает изменяющие запросы (POST); пустой - без проверки
	Token string
	// BackupRate - не чаще одного ручного бэкапа за этот интервал с адреса
	BackupRate time.Duration
}

// NewRouter собирает gin роутер со всеми маршрутами.
func NewRouter(d Deps) *gin.Engine {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	h := &handlers{deps: d, log: log.With(slog.String("component", "http"))}

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.log))

	r.GET("/healthz", h.health)

	v1 := r.Group("/v1")
	v1.GET("/schema", h.schema)
	v1.GET("/jobs", h.jobs)
	v1.GET("/backups/last", h.lastBackup)
	v1.POST("/backups", RequireToken(d.Token), NewRateLimiter(d.BackupRate).Middleware(), h.triggerBackup)

	return r
}

// NewServer создаёт http.Server с разумными таймаутами.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type handlers struct {
	deps Deps
	log  *slog.Logger
}

func (h *handlers) health(c *gin.Context) {
	if err := h.deps.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) schema(c *gin.Context) {
	view, err := h.deps.Store.Schema(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handlers) jobs(c *gin.Context) {
	out := []JobView{}
	if h.deps.Jobs != nil {
		for _, st := range h.deps.Jobs.Statuses() {
			out = append(out, jobView(st))
		}
	}
	c.JSON(http.StatusOK, out)
}

func jobView(st scheduler.JobStatus) JobView {
	v := JobView{
		ID:        int(st.ID),
		Name:      st.Name,
		Schedule:  st.Schedule,
		Running:   st.Running,
		Runs:      st.Runs,
		Failures:  st.Failures,
		Skipped:   st.Skipped,
		LastError: st.LastError,
	}
	if !st.LastStart.IsZero() {
		v.LastStart = &st.LastStart
	}
	if !st.Next.IsZero() {
		v.Next = &st.Next
	}
	return v
}

func (h *handlers) triggerBackup(c *gin.Context) {
	if h.deps.Backups == nil {
		c.JSON(http.StatusNotImplemented, errorView{Error: "backups are not configured", Kind: shared.KindUnavailable.String()})
		return
	}
	view, err := h.deps.Backups.Trigger(c.Request.Context())
	if err != nil {
		h.log.Warn("manual backup failed", slog.Any("error", err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *handlers) lastBackup(c *gin.Context) {
	if h.deps.Backups == nil {
		c.JSON(http.StatusNotFound, errorView{Error: "no backups", Kind: shared.KindNotFound.String()})
		return
	}
	view, ok, err := h.deps.Backups.Last(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, errorView{Error: "no backups", Kind: shared.KindNotFound.String()})
		return
	}
	c.JSON(http.StatusOK, view)
}
