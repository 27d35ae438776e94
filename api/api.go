package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fosrl/warden/logger"
	"github.com/fosrl/warden/tunnel"
	"github.com/fosrl/warden/tunnelstate"
)

// Controller is the part of the tunnel state machine the API drives.
type Controller interface {
	Do(ctx context.Context, cmd tunnelstate.Command) error
	State() tunnelstate.TunnelState
	Settings() tunnelstate.Settings
	Subscribe() *tunnelstate.Subscription
}

// BlockRequest asks the daemon to block traffic for a reason.
type BlockRequest struct {
	Reason string `json:"reason"`
}

// SplitTunnelRequest replaces the excluded executables.
type SplitTunnelRequest struct {
	Apps []string `json:"apps"`
}

// DNSRequest replaces the DNS override. An empty list removes it.
type DNSRequest struct {
	Servers []netip.Addr `json:"servers"`
}

// StatusResponse is returned by the status endpoint and every command endpoint.
type StatusResponse struct {
	tunnelstate.TunnelState
	Since                 time.Time    `json:"since,omitempty"`
	Version               string       `json:"version,omitempty"`
	AllowLAN              bool         `json:"allowLan"`
	BlockWhenDisconnected bool         `json:"blockWhenDisconnected"`
	ExcludedApps          []string     `json:"excludedApps,omitempty"`
	DNSOverride           []netip.Addr `json:"dnsOverride,omitempty"`
}

// ErrorResponse carries a failed command.
type ErrorResponse struct {
	Error       string `json:"error"`
	Kind        string `json:"kind,omitempty"`
	BlockReason string `json:"blockReason,omitempty"`
}

// API represents the HTTP server and its state
type API struct {
	addr         string
	socketPath   string
	listener     net.Listener
	server       *http.Server
	ctl          Controller
	shutdownChan chan struct{}
	statusMu     sync.RWMutex
	last         tunnelstate.Transition
	version      string
	cmdTimeout   time.Duration
	noMetrics    bool
}

// NewAPI creates a new HTTP server that listens on a TCP address
func NewAPI(addr string, ctl Controller) *API {
	return &API{
		addr:         addr,
		ctl:          ctl,
		shutdownChan: make(chan struct{}, 1),
		cmdTimeout:   30 * time.Second,
	}
}

// NewAPISocket creates a new HTTP server that listens on a Unix socket or Windows named pipe
func NewAPISocket(socketPath string, ctl Controller) *API {
	s := NewAPI("", ctl)
	s.socketPath = socketPath
	return s
}

// SetVersion sets the daemon version reported by status.
func (s *API) SetVersion(version string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.version = version
}

// DisableMetrics stops the router from serving /metrics. Call it before Start.
func (s *API) DisableMetrics() {
	s.noMetrics = true
}

// Handler builds the router. It is separate from Start for tests.
func (s *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	if !s.noMetrics {
		r.Get("/metrics", handleMetrics)
	}
	r.Post("/connect", s.handleConnect)
	r.Post("/disconnect", s.handleDisconnect)
	r.Post("/block", s.handleBlock)
	r.Post("/firewall", s.handleFirewall)
	r.Post("/split-tunnel", s.handleSplitTunnel)
	r.Post("/dns", s.handleDNS)
	r.Post("/exit", s.handleExit)
	return r
}

// Start starts the HTTP server
func (s *API) Start() error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var err error
	if s.socketPath != "" {
		s.listener, err = createSocketListener(s.socketPath)
		if err != nil {
			return fmt.Errorf("failed to create socket listener: %w", err)
		}
		logger.Info("Starting HTTP server on socket %s", s.socketPath)
	} else {
		s.listener, err = net.Listen("tcp", s.addr)
		if err != nil {
			return fmt.Errorf("failed to create TCP listener: %w", err)
		}
		logger.Info("Starting HTTP server on %s", s.addr)
	}

	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Stop stops the HTTP server
func (s *API) Stop() error {
	logger.Info("Stopping api server")
	if s.server != nil {
		s.server.Close()
	}
	if s.socketPath != "" {
		cleanupSocket(s.socketPath)
	}
	return nil
}

// Watch keeps the status cache in sync with the state machine until ctx ends or
// the machine stops.
func (s *API) Watch(ctx context.Context) {
	sub := s.ctl.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-sub.C:
			if !ok {
				return
			}
			s.statusMu.Lock()
			s.last = tr
			s.statusMu.Unlock()
		}
	}
}

// GetShutdownChannel returns the channel for receiving shutdown requests
func (s *API) GetShutdownChannel() <-chan struct{} {
	return s.shutdownChan
}

func (s *API) status() StatusResponse {
	settings := s.ctl.Settings()
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	resp := StatusResponse{
		TunnelState:           s.ctl.State(),
		Version:               s.version,
		AllowLAN:              settings.AllowLAN,
		BlockWhenDisconnected: settings.BlockWhenDisconnected,
		ExcludedApps:          settings.ExcludedApps,
		DNSOverride:           settings.DNSOverride,
	}
	if s.last.Kind == resp.Kind {
		resp.Since = s.last.At
	}
	return resp
}

func (s *API) do(w http.ResponseWriter, r *http.Request, cmd tunnelstate.Command) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cmdTimeout)
	defer cancel()
	if err := s.ctl.Do(ctx, cmd); err != nil {
		logger.Warn("Command %T failed: %v", cmd, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	var params tunnel.Parameters
	if !readJSON(w, r, &params) {
		return
	}
	logger.Info("Received connect request for %s via API", params.Endpoint)
	s.do(w, r, tunnelstate.Connect{Params: params})
}

func (s *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	logger.Info("Received disconnect request via API")
	s.do(w, r, tunnelstate.Disconnect{})
}

func (s *API) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if !readJSON(w, r, &req) {
		return
	}
	reason, err := tunnelstate.ParseBlockReason(req.Reason)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	s.do(w, r, tunnelstate.Block{Reason: reason})
}

func (s *API) handleFirewall(w http.ResponseWriter, r *http.Request) {
	var req tunnelstate.FirewallOverride
	if !readJSON(w, r, &req) {
		return
	}
	s.do(w, r, tunnelstate.SetFirewallPolicyOverride{Override: req})
}

func (s *API) handleSplitTunnel(w http.ResponseWriter, r *http.Request) {
	var req SplitTunnelRequest
	if !readJSON(w, r, &req) {
		return
	}
	s.do(w, r, tunnelstate.SetExcludedApps{Paths: req.Apps})
}

func (s *API) handleDNS(w http.ResponseWriter, r *http.Request) {
	var req DNSRequest
	if !readJSON(w, r, &req) {
		return
	}
	s.do(w, r, tunnelstate.SetDNSOverride{Servers: req.Servers})
}

func (s *API) handleExit(w http.ResponseWriter, r *http.Request) {
	logger.Info("Received exit request via API")
	select {
	case s.shutdownChan <- struct{}{}:
	default:
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutdown initiated"})
}

func handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	metrics.WritePrometheus(w, true)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.GetLogger().WithField("request_id", middleware.GetReqID(r.Context())).
			Debugf("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	code := http.StatusInternalServerError

	var te *tunnelstate.CommandError
	switch {
	case errors.As(err, &te):
		resp.Kind = te.Kind.String()
		resp.BlockReason = te.Reason.String()
		switch te.Kind {
		case tunnelstate.ConfigurationError:
			code = http.StatusBadRequest
		case tunnelstate.OfflineCondition:
			code = http.StatusServiceUnavailable
		}
	case errors.Is(err, tunnelstate.ErrStopped):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, resp)
}
