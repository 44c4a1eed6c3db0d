// Package netstack serves HTTP handlers over TCP and HTTP/3 and carries the
// TLS helpers both transports share.
package netstack

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPServer wraps an http.Server on a TCP listener.
type HTTPServer struct {
	srv    *http.Server
	ln     net.Listener
	addr   string
	log    *zap.Logger
	closed chan struct{}
}

// NewHTTPServer creates a server for h bound to addr (host:port). A port of
// 0 picks an ephemeral one; use the address returned by Start.
func NewHTTPServer(addr string, h http.Handler, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{
		srv:    &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second},
		addr:   addr,
		log:    log.Named("http"),
		closed: make(chan struct{}),
	}
}

// Start listens and serves in the background. It returns the bound address.
func (s *HTTPServer) Start() (string, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return "", err
	}
	s.ln = ln
	realAddr := ln.Addr().String()
	go func() {
		defer close(s.closed)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve", zap.String("addr", realAddr), zap.Error(err))
		}
	}()
	s.log.Info("listening", zap.String("addr", realAddr))
	return realAddr, nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	<-s.closed
	return err
}
