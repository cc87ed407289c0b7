// Package dashboard exposes the monitor state, snapshots and the change journal over HTTP.
package dashboard

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/coinwatch/internal/domain"
	"github.com/vadiminshakov/coinwatch/internal/monitor"
)

const defaultPollInterval = 3 * time.Second

type cycleRunner interface {
	Trigger(ctx context.Context) (monitor.CycleReport, error)
	State() monitor.State
	LastReport() (monitor.CycleReport, bool)
}

type snapshotReader interface {
	Load(ctx context.Context, account string) (domain.Snapshot, error)
}

type changeReader interface {
	EventsAfter(index uint64) ([]domain.ChangeEventRecord, error)
}

type changeFeed interface {
	Subscribe() chan domain.ChangeEventRecord
	Unsubscribe(ch chan domain.ChangeEventRecord)
}

// Server exposes the JSON API, the metrics endpoint and an SSE stream of changes.
type Server struct {
	Addr      string
	Monitor   cycleRunner
	Snapshots snapshotReader
	Changes   changeReader
	Gatherer  prometheus.Gatherer
	// Feed wakes open change streams as soon as an event is journaled. Optional.
	Feed changeFeed
	// TriggerToken is the bearer token required by POST /api/cycles.
	// When empty, only loopback clients may trigger a cycle.
	TriggerToken string

	accounts     map[string]struct{}
	l            *zap.Logger
	pollInterval time.Duration
	// lifetime bounds cycles triggered over HTTP, set by Start
	lifetime context.Context
}

// NewServer creates a new web server instance. Only the listed accounts are served.
func NewServer(l *zap.Logger, addr string, m cycleRunner, snapshots snapshotReader, changes changeReader,
	accounts []domain.Account, gatherer prometheus.Gatherer) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	known := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		known[a.Name] = struct{}{}
	}

	return &Server{
		Addr:         addr,
		Monitor:      m,
		Snapshots:    snapshots,
		Changes:      changes,
		Gatherer:     gatherer,
		accounts:     known,
		l:            l,
		pollInterval: defaultPollInterval,
		lifetime:     context.Background(),
	}
}

// Handler returns the routing table of the dashboard.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/accounts/{name}/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /api/cycles", s.handleTrigger)
	mux.HandleFunc("GET /changes/stream", s.handleChangeStream)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.lifetime = ctx

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("Dashboard listening", zap.String("addr", s.Addr))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with automatic TLS certificates via ACME.
// It also starts an HTTP server on port 80 to handle ACME HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(domains) == 0 {
		return fmt.Errorf("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	s.lifetime = ctx

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("http (acme) server shutdown error", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("https server shutdown error", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("http (acme) server error", zap.Error(err))
		}
	}()

	s.l.Info("Dashboard listening with automatic TLS", zap.String("addr", s.Addr), zap.Strings("domains", domains))

	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	State      string               `json:"state"`
	LastReport *monitor.CycleReport `json:"last_report"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.Monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "monitor not available")
		return
	}

	resp := statusResponse{State: s.Monitor.State().String()}
	if report, ok := s.Monitor.LastReport(); ok {
		resp.LastReport = &report
	}

	writeJSON(w, http.StatusOK, resp)
}

type snapshotResponse struct {
	Account   string               `json:"account"`
	Found     bool                 `json:"found"`
	UpdatedAt *time.Time           `json:"updated_at,omitempty"`
	Coins     []domain.CoinBalance `json:"coins"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.Snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot store not available")
		return
	}

	name := r.PathValue("name")
	if _, ok := s.accounts[name]; !ok {
		writeError(w, http.StatusNotFound, "unknown account")
		return
	}

	snapshot, err := s.Snapshots.Load(r.Context(), name)
	if err != nil {
		s.l.Error("Dashboard failed to load snapshot", zap.String("account", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}

	resp := snapshotResponse{Account: name, Found: snapshot.Found, Coins: snapshot.Coins}
	if resp.Coins == nil {
		resp.Coins = []domain.CoinBalance{}
	}
	if !snapshot.UpdatedAt.IsZero() {
		resp.UpdatedAt = &snapshot.UpdatedAt
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.Monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "monitor not available")
		return
	}

	if status, msg := s.authorizeTrigger(r); status != http.StatusOK {
		writeError(w, status, msg)
		return
	}

	// the cycle outlives a disconnected client but not the server
	report, err := s.Monitor.Trigger(s.lifetime)
	if err != nil {
		if errors.Is(err, monitor.ErrCycleInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.l.Error("Triggered cycle failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *Server) authorizeTrigger(r *http.Request) (int, string) {
	if s.TriggerToken == "" {
		if !isLoopback(r.RemoteAddr) {
			return http.StatusForbidden, "trigger is restricted to loopback clients"
		}
		return http.StatusOK, ""
	}

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.TriggerToken)) != 1 {
		return http.StatusUnauthorized, "missing or invalid bearer token"
	}
	return http.StatusOK, ""
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) handleChangeStream(w http.ResponseWriter, r *http.Request) {
	if s.Changes == nil {
		writeError(w, http.StatusServiceUnavailable, "change journal not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// comment heartbeat so proxies keep the connection
	heartbeat := time.NewTicker(20 * time.Second)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()

	lastIndex := s.parseLastEventID(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id"))
	sendChanges := func() error {
		records, err := s.Changes.EventsAfter(lastIndex)
		if err != nil {
			return err
		}
		for _, record := range records {
			payload, err := json.Marshal(record.Event)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\n", record.Index)
			fmt.Fprintf(w, "event: change\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			lastIndex = record.Index
		}
		return nil
	}

	if err := sendChanges(); err != nil {
		http.Error(w, "failed to load changes", http.StatusInternalServerError)
		s.l.Error("change stream initial load", zap.Error(err))
		return
	}

	// lets the client leave its loading state when the journal is empty
	if lastIndex == 0 {
		fmt.Fprintf(w, "event: no_data\n")
		fmt.Fprintf(w, "data: {}\n\n")
	}
	flusher.Flush()

	var wake chan domain.ChangeEventRecord
	if s.Feed != nil {
		wake = s.Feed.Subscribe()
		defer s.Feed.Unsubscribe(wake)
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case rec := <-wake:
			if rec.Index <= lastIndex {
				continue
			}
			if err := sendChanges(); err != nil {
				s.l.Warn("change stream push", zap.Error(err))
			}
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := sendChanges(); err != nil {
				s.l.Warn("change stream poll", zap.Error(err))
			}
		}
	}
}

// parseLastEventID extracts an SSE event ID from either the Last-Event-ID header or a query parameter.
// The header is preferred; the query parameter allows manual reconnects to resume from a known index.
func (s *Server) parseLastEventID(headerVal, queryVal string) uint64 {
	idStr := strings.TrimSpace(headerVal)
	if idStr == "" {
		idStr = strings.TrimSpace(queryVal)
	}
	if idStr == "" {
		return 0
	}

	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		s.l.Debug("invalid last event id", zap.String("id", idStr), zap.Error(err))
		return 0
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
