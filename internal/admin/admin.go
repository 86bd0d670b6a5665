// Package admin serves the HTTP side of the server: metrics, health probes,
// read-only document queries, journal history and a WebSocket entry point
// that speaks the binary editor protocol.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"ctxt/internal/document"
	"ctxt/internal/health"
	"ctxt/internal/journal"
	"ctxt/internal/logging"
	"ctxt/internal/server"
	"ctxt/internal/wsconn"
)

// DefaultHistoryLimit caps history responses when no limit is given.
const DefaultHistoryLimit = 100

// Config configures the admin endpoint.
type Config struct {
	Addr string
	// WebSocket enables /ws.
	WebSocket bool
}

// Admin is the admin HTTP server.
type Admin struct {
	cfg     Config
	srv     *server.Server
	journal journal.Journal
	health  *health.Checker
	log     *logging.Logger

	router *mux.Router
	http   *http.Server
	ln     net.Listener
	done   chan struct{}
}

// New builds the router. j may be nil when no journal is configured.
func New(cfg Config, srv *server.Server, j journal.Journal, hc *health.Checker, log *logging.Logger) *Admin {
	if j == nil {
		j = journal.Nop{}
	}
	if hc == nil {
		hc = health.NewChecker()
	}
	a := &Admin{
		cfg:     cfg,
		srv:     srv,
		journal: j,
		health:  hc,
		log:     log.WithComponent("admin"),
		done:    make(chan struct{}),
	}
	a.router = a.routes()
	return a
}

func (a *Admin) routes() *mux.Router {
	r := mux.NewRouter()
	// Document names may contain slashes, which clients send escaped.
	r.UseEncodedPath()

	r.Handle("/metrics", a.metrics()).Methods(http.MethodGet)
	r.Handle("/health", a.health.Handler()).Methods(http.MethodGet)
	r.Handle("/health/live", a.health.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/health/ready", a.health.ReadinessHandler()).Methods(http.MethodGet)

	docs := r.PathPrefix("/documents").Subrouter()
	docs.HandleFunc("", a.listDocuments).Methods(http.MethodGet)
	docs.HandleFunc("/{name}", a.getDocument).Methods(http.MethodGet)
	docs.HandleFunc("/{name}/history", a.getHistory).Methods(http.MethodGet)

	if a.cfg.WebSocket {
		r.HandleFunc("/ws", a.serveWebSocket).Methods(http.MethodGet)
	}
	return r
}

// Handler returns the router.
func (a *Admin) Handler() http.Handler {
	return a.router
}

// Start listens on cfg.Addr and serves in the background.
func (a *Admin) Start() error {
	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", a.cfg.Addr, err)
	}
	a.ln = ln
	a.http = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		defer close(a.done)
		if err := a.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("admin server failed", "error", err)
		}
	}()
	a.log.Info("admin listening", "addr", ln.Addr().String(), "websocket", a.cfg.WebSocket)
	return nil
}

// Addr returns the listening address, or nil before Start.
func (a *Admin) Addr() net.Addr {
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Stop shuts the HTTP server down. WebSocket sessions are not tracked here;
// they end with the editor server.
func (a *Admin) Stop(ctx context.Context) error {
	if a.http == nil {
		return nil
	}
	err := a.http.Shutdown(ctx)
	<-a.done
	return err
}

func (a *Admin) metrics() http.Handler {
	m := a.srv.Metrics()
	h := m.Registry().HTTPHandler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Refresh()
		if r.URL.Query().Get("format") == "json" {
			r.Header.Set("Accept", "application/json")
		}
		h.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

func docName(r *http.Request) (string, error) {
	return url.PathUnescape(mux.Vars(r)["name"])
}

func (a *Admin) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := a.srv.Documents(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if docs == nil {
		docs = []document.Info{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// documentBody is the response of GET /documents/{name}.
type documentBody struct {
	document.Info
	Text string `json:"text"`
}

func (a *Admin) getDocument(w http.ResponseWriter, r *http.Request) {
	name, err := docName(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad document name")
		return
	}
	info, text, ok, err := a.srv.Document(r.Context(), name)
	switch {
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case !ok:
		writeError(w, http.StatusNotFound, "document not loaded")
	default:
		writeJSON(w, http.StatusOK, documentBody{Info: info, Text: text})
	}
}

func (a *Admin) getHistory(w http.ResponseWriter, r *http.Request) {
	name, err := docName(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad document name")
		return
	}
	limit := DefaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}
	records, err := a.journal.History(r.Context(), name, limit)
	if err != nil {
		a.log.Warn("history query failed", "doc", name, "error", err)
		writeError(w, http.StatusServiceUnavailable, "journal unavailable")
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *Admin) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Upgrade(w, r)
	if err != nil {
		a.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	sess := a.srv.ServeConn(conn, server.WithoutPolling())
	a.log.Debug("websocket session", "conn", sess.ID(), "remote", r.RemoteAddr)
}
