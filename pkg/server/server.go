package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"

	"steward/telemetry"
)

// Config holds server settings.
type Config struct {
	// BindAddr is the shared host:port for raft and the admin API.
	BindAddr string
	// AdvertiseAddr is the address peers dial, when it differs from BindAddr.
	AdvertiseAddr string
	// Secret protects the admin API when non-empty.
	Secret string
	// EnablePprof exposes the runtime profiler under /debug/pprof.
	EnablePprof bool
}

// Server owns the node's single listener. A connection mux splits incoming
// connections on their first bytes: HTTP goes to the admin API, everything
// else is raft transport. One port per node keeps the replicated address
// book to a single host:port entry.
type Server struct {
	cfg     Config
	ln      net.Listener
	mux     cmux.CMux
	httpLn  net.Listener
	layer   *StreamLayer
	httpSrv *http.Server
}

// New binds the shared listener. The raft layer is usable right away, so
// the consensus group can start before the admin routes exist; call
// RegisterAdmin once the group's handler dependencies are built, then Start.
func New(cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.BindAddr, err)
	}

	var advertise net.Addr
	if cfg.AdvertiseAddr != "" {
		advertise, err = net.ResolveTCPAddr("tcp", cfg.AdvertiseAddr)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("resolve advertise address %s: %w", cfg.AdvertiseAddr, err)
		}
	}

	m := cmux.New(ln)
	httpLn := m.Match(cmux.HTTP1Fast())
	raftLn := m.Match(cmux.Any())

	return &Server{
		cfg:    cfg,
		ln:     ln,
		mux:    m,
		httpLn: httpLn,
		layer:  NewStreamLayer(raftLn, advertise),
		httpSrv: &http.Server{
			Handler:           http.NotFoundHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// RegisterAdmin mounts the admin API plus the operational endpoints.
func (s *Server) RegisterAdmin(h *Handlers) {
	root := http.NewServeMux()
	RegisterRoutes(root, h, s.cfg.Secret)
	root.HandleFunc("/healthz", handleHealthz)

	if mh := telemetry.GetMetricsHandler(); mh != nil {
		root.Handle("/metrics", mh)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	if s.cfg.EnablePprof {
		root.HandleFunc("/debug/pprof/", pprof.Index)
		root.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		root.HandleFunc("/debug/pprof/profile", pprof.Profile)
		root.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		root.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	s.httpSrv.Handler = root
}

// RaftLayer exposes the raft side of the shared listener.
func (s *Server) RaftLayer() *StreamLayer { return s.layer }

// Addr reports the bound address, useful when binding to port 0.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Start serves the admin API and the connection mux. The raft side is
// accepted by the consensus transport, not here.
func (s *Server) Start() {
	go func() {
		if err := s.httpSrv.Serve(s.httpLn); err != nil && !isShutdownErr(err) {
			log.Error().Err(err).Msg("Admin HTTP server failed")
		}
	}()

	go func() {
		if err := s.mux.Serve(); err != nil && !isShutdownErr(err) {
			log.Error().Err(err).Msg("Connection mux failed")
		}
	}()

	log.Info().Str("addr", s.ln.Addr().String()).Msg("Serving raft and admin API on shared listener")
}

// Shutdown drains in-flight admin requests, then closes the shared listener.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	if cerr := s.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
		err = cerr
	}
	return err
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func isShutdownErr(err error) bool {
	return errors.Is(err, http.ErrServerClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, cmux.ErrListenerClosed)
}
