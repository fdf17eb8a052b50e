package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "clientpulse/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

// Config controls the API listener.
type Config struct {
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Pprof PprofConfig
}

// PprofConfig mounts net/http/pprof on the API router.
//
// Profiles are only served on a loopback Addr unless AllowInsecure is set.
type PprofConfig struct {
	Enabled       bool
	Prefix        string
	AllowInsecure bool
}

// Server owns the HTTP listener. The handler is rebuilt on every start so
// pprof settings follow Reconfigure.
type Server struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	handler func(Config) http.Handler

	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func NewServer(cfg Config, handler func(Config) http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, handler: handler, log: log.With(logx.String("comp", "http"))}
}

// Addr returns the bound address, or "" when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and restarts the listener when anything it depends
// on changed. Safe to call during hot reload.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !running || !needsRestart(prev, cfg) {
		return nil
	}
	s.Stop(ctx)
	return s.Start(ctx)
}

func needsRestart(a, b Config) bool {
	if a.Addr != b.Addr {
		return true
	}
	if a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout {
		return true
	}
	return a.Pprof.Enabled != b.Pprof.Enabled ||
		normalizePrefix(a.Pprof.Prefix) != normalizePrefix(b.Pprof.Prefix) ||
		a.Pprof.AllowInsecure != b.Pprof.AllowInsecure
}

// Start binds the listener and serves in the background. A failed bind is
// returned to the caller.
func (s *Server) Start(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.srv != nil {
			s.mu.Unlock()
			return nil
		}
		// A stop in flight still owns the port.
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		cur := s.cfg
		s.mu.Unlock()

		addr := strings.TrimSpace(cur.Addr)
		if addr == "" {
			addr = DefaultAddr
		}
		if cur.Pprof.Enabled && !cur.Pprof.AllowInsecure && !isLoopbackAddr(addr) {
			s.log.Warn("pprof disabled: non-loopback addr requires allow_insecure", logx.String("addr", addr))
			cur.Pprof.Enabled = false
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("http listen %s: %w", addr, err)
		}

		srv := &http.Server{
			Handler:           s.handler(cur),
			ReadTimeout:       cur.ReadTimeout,
			ReadHeaderTimeout: cur.ReadTimeout,
			WriteTimeout:      cur.WriteTimeout,
			IdleTimeout:       cur.IdleTimeout,
		}

		s.mu.Lock()
		s.ln = ln
		s.srv = srv
		s.mu.Unlock()

		go func() {
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("http server stopped with error", logx.Err(err))
			}
		}()

		s.log.Info("http started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cur.Pprof.Enabled))
		return nil
	}
}

// Stop drains in-flight requests until ctx ends, then closes connections.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
