package netstack

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
)

// HTTP3Server serves a handler over QUIC on a UDP socket.
type HTTP3Server struct {
	srv    *http3.Server
	conn   net.PacketConn
	addr   string
	log    *zap.Logger
	closed chan struct{}
}

// NewHTTP3Server creates an HTTP/3 server for h. tlsCfg must carry a
// certificate; see GenerateSelfSignedTLS and LoadTLSConfig.
func NewHTTP3Server(addr string, tlsCfg *tls.Config, h http.Handler, log *zap.Logger) *HTTP3Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTP3Server{
		srv:    &http3.Server{Addr: addr, TLSConfig: tlsCfg, Handler: h},
		addr:   addr,
		log:    log.Named("http3"),
		closed: make(chan struct{}),
	}
}

// Start binds the UDP socket and serves in the background. It returns the
// bound address.
func (s *HTTP3Server) Start() (string, error) {
	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return "", err
	}
	s.conn = conn
	bound := conn.LocalAddr().String()
	go func() {
		defer close(s.closed)
		if err := s.srv.Serve(conn); err != nil {
			s.log.Debug("serve returned", zap.String("addr", bound), zap.Error(err))
		}
	}()
	s.log.Info("listening", zap.String("addr", bound))
	return bound, nil
}

// Stop drains open connections until ctx ends, then closes the socket.
func (s *HTTP3Server) Stop(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	if err != nil {
		_ = s.srv.Close()
	}
	_ = s.conn.Close()
	select {
	case <-s.closed:
	case <-ctx.Done():
	}
	return err
}

// HTTP3Client returns an http.Client that speaks only HTTP/3.
func HTTP3Client(tlsCfg *tls.Config, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http3.Transport{TLSClientConfig: tlsCfg},
		Timeout:   timeout,
	}
}

// InsecureClientTLS skips certificate verification, for self-signed local
// endpoints.
func InsecureClientTLS() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}
}

// ShutdownHTTP3 closes c's HTTP/3 transport, if it has one.
func ShutdownHTTP3(c *http.Client) {
	if tr, ok := c.Transport.(*http3.Transport); ok {
		_ = tr.Close()
	}
}
