package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/mailsvc/internal/metrics"
	"github.com/loykin/mailsvc/internal/service"
	"github.com/loykin/mailsvc/internal/supervisor"
)

// Source is the read side of a supervisor.
type Source interface {
	Registry() *service.Registry
	Snapshot() []service.RuntimeState
	PortConflicts() []supervisor.Conflict
}

// Router provides read-only HTTP handlers for a running monitor.
// Endpoints:
//   GET {basePath}/status         all services, start order
//   GET {basePath}/status/:name   one service
//   GET {basePath}/conflicts      ports held while their service is down
//   GET {basePath}/metrics        prometheus exposition
// State is served from the last monitor iteration and never waits on a
// supervisor operation in progress.
type Router struct {
	src      Source
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a Router. Example basePath "/api" serves /api/status.
func NewRouter(src Source, basePath string) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath), metrics: metrics.Handler()}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatusAll)
	group.GET("/status/:name", r.handleStatus)
	group.GET("/conflicts", r.handleConflicts)
	group.GET("/metrics", gin.WrapH(r.metrics))
	return g
}

// NewServer listens on addr and serves the router in the background, over
// TLS when tlsCfg is non-nil. Listen errors are returned immediately; shut the
// server down with Shutdown or Close.
func NewServer(addr, basePath string, src Source, tlsCfg *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           NewRouter(src, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// Shutdown stops srv, waiting up to d for in-flight requests.
func Shutdown(srv *http.Server, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleStatusAll(c *gin.Context) {
	reg := r.src.Registry()
	states := r.src.Snapshot()
	out := make([]supervisor.ExportEntry, 0, len(states))
	for _, st := range states {
		d, _ := reg.Get(st.Name)
		out = append(out, supervisor.NewExportEntry(d, st))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	d, ok := r.src.Registry().Get(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown service: " + name})
		return
	}
	for _, st := range r.src.Snapshot() {
		if st.Name == name {
			writeJSON(c, http.StatusOK, supervisor.NewExportEntry(d, st))
			return
		}
	}
	writeJSON(c, http.StatusOK, supervisor.NewExportEntry(d, service.NewRuntimeState(name)))
}

func (r *Router) handleConflicts(c *gin.Context) {
	conflicts := r.src.PortConflicts()
	if conflicts == nil {
		conflicts = []supervisor.Conflict{}
	}
	writeJSON(c, http.StatusOK, conflicts)
}
