// Package server exposes the sync core over HTTP. Callers identify the
// acting user with the X-User-Id header; no authentication lives here.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"

	"github.com/kisan-sahayak/syncd/conflict"
	"github.com/kisan-sahayak/syncd/status"
	"github.com/kisan-sahayak/syncd/syncer"
	"github.com/kisan-sahayak/syncd/syncqueue"
)

type Server struct {
	echo  *echo.Echo
	httpd *http.Server

	store    syncqueue.Store
	tracker  *status.Tracker
	resolver *conflict.Resolver
	syncer   *syncer.Syncer
}

type Config struct {
	Bind string
}

func NewServer(store syncqueue.Store, tracker *status.Tracker, resolver *conflict.Resolver, sc *syncer.Syncer, config Config) *Server {
	e := echo.New()
	e.HideBanner = true

	srv := &Server{
		echo:     e,
		store:    store,
		tracker:  tracker,
		resolver: resolver,
		syncer:   sc,
	}

	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   time.Minute,
		ReadTimeout:    time.Minute,
		MaxHeaderBytes: 1 * (1024 * 1024),
	}

	e.Use(slogecho.New(slog.Default()))
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddleware("syncd"))
	e.Use(middleware.BodyLimit("2M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.handleHealthCheck)
	e.GET("/metrics", echoprometheus.NewHandler())

	sync := e.Group("/api/sync")
	sync.POST("/queue", srv.handleEnqueue)
	sync.GET("/queue", srv.handleListPending)
	sync.DELETE("/queue/completed", srv.handlePurgeCompleted)
	sync.DELETE("/queue/pending", srv.handleCancelPending)

	sync.GET("/status", srv.handleGetStatus)
	sync.POST("/device", srv.handleUpdateDeviceInfo)
	sync.POST("/offline", srv.handleEnterOffline)
	sync.POST("/online", srv.handleExitOffline)

	sync.POST("/run", srv.handleSyncNow)
	sync.GET("/progress", srv.handleProgress)

	sync.GET("/conflicts", srv.handleListConflicts)
	sync.POST("/conflicts/:id/resolve/timestamp", srv.handleResolveByTimestamp)
	sync.POST("/conflicts/:id/resolve", srv.handleResolveManually)
	sync.POST("/conflicts/resolve-all", srv.handleAutoResolveAll)
	sync.DELETE("/conflicts/resolved", srv.handlePurgeResolved)

	return srv
}

// RunAPI starts the HTTP listener and blocks until it exits.
func (srv *Server) RunAPI() error {
	slog.Info("starting sync API server", "source", "server", "bind", srv.httpd.Addr)
	if err := srv.httpd.ListenAndServe(); err != nil {
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	return nil
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

func (srv *Server) Shutdown() error {
	slog.Info("shutting down sync API server", "source", "server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.httpd.Shutdown(ctx)
}

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

func (srv *Server) handleHealthCheck(c echo.Context) error {
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "syncd"})
}

// errorHandler maps the core's error taxonomy onto HTTP status codes.
func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, syncqueue.ErrItemNotFound), errors.Is(err, conflict.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, syncqueue.ErrUnknownUser):
		code = http.StatusBadRequest
	case errors.Is(err, syncqueue.ErrInvalidTransition),
		errors.Is(err, conflict.ErrResolved),
		errors.Is(err, status.ErrAlreadySyncing),
		errors.Is(err, status.ErrUserOffline):
		code = http.StatusConflict
	}
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
	}
	if code >= 500 {
		slog.Warn("sync-api-internal-error", "err", err)
	}

	if !c.Response().Committed {
		c.JSON(code, map[string]any{"error": err.Error()})
	}
}
