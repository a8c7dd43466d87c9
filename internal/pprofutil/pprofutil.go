// Package pprofutil serves net/http/pprof for a running peer on request.
package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrPublicBind = errors.New("pprof address must be loopback")

// Server is a running profiling endpoint.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Close(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func mux() *http.ServeMux {
	m := http.NewServeMux()
	m.HandleFunc("/debug/pprof/", pprof.Index)
	m.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return m
}

// Start listens on addr. Non-loopback binds are refused unless allowPublic.
func Start(addr string, allowPublic bool, log *zap.Logger) (*Server, error) {
	addr = strings.TrimSpace(addr)
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("%w: %s", ErrPublicBind, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen: %w", err)
	}
	s := &Server{
		srv: &http.Server{Handler: mux(), ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}
	if log != nil {
		log.Info("pprof enabled", zap.String("url", "http://"+s.Addr()+"/debug/pprof/"))
	}
	go func() { _ = s.srv.Serve(ln) }()
	return s, nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
