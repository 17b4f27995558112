// Package proxy is the client-facing MySQL listener: it accepts client
// connections, performs a synthetic handshake, dials the configured main
// and other backends for the session, and drives each client command
// through a diff.RouterSession, relaying the main backend's reply back to
// the client while the other backends' replies are compared in the
// background (§4.1, §4.4, §4.5).
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dbdiffproxy/dbdiffproxy/internal/backend"
	"github.com/dbdiffproxy/dbdiffproxy/internal/config"
	"github.com/dbdiffproxy/dbdiffproxy/internal/diff"
	"github.com/dbdiffproxy/dbdiffproxy/internal/metrics"
	"github.com/dbdiffproxy/dbdiffproxy/internal/query"
)

// Server is the MySQL-protocol proxy listener.
type Server struct {
	router    *diff.Router
	backends  config.BackendsConfig
	diffCfg   config.DiffConfig
	metrics   *metrics.Collector
	sink      diff.ReportSink
	histogram *diff.Histogram
	tlsConfig *tls.Config
	parser    query.Parser
	pool      *backend.Manager

	listener net.Listener
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	nextConnID uint32
}

// NewServer builds a proxy server. sink may be nil if discrepancy reports
// should not be exported anywhere.
func NewServer(r *diff.Router, backends config.BackendsConfig, diffCfg config.DiffConfig, m *metrics.Collector, sink diff.ReportSink, lc config.ListenConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:    r,
		backends:  backends,
		diffCfg:   diffCfg,
		metrics:   m,
		sink:      sink,
		histogram: diff.NewHistogram(diffCfg.Samples),
		parser:    query.NaiveParser{},
		pool:      backend.NewManager(),
		ctx:       ctx,
		cancel:    cancel,
	}

	if lc.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
		if err != nil {
			slog.Warn("failed to load TLS cert/key, TLS disabled", "error", err)
		} else {
			s.tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			slog.Info("TLS enabled", "cert", lc.TLSCert)
		}
	}

	return s
}

// Listen starts accepting MySQL clients on port.
func (s *Server) Listen(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	slog.Info("mysql proxy listening", "addr", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(clientConn net.Conn) {
	defer clientConn.Close()

	connID := atomic.AddUint32(&s.nextConnID, 1)
	h := &connHandler{
		server: s,
		connID: connID,
	}
	if s.metrics != nil {
		s.metrics.IncClientConnections()
		defer s.metrics.DecClientConnections()
	}
	if err := h.handle(s.ctx, clientConn); err != nil {
		slog.Info("connection closed", "conn_id", connID, "error", err)
	}
}

// Stop closes the listener and waits for every connection handler to
// return; open client connections are not closed by Stop, so a handler
// returns when its client disconnects.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	if s.pool != nil {
		s.pool.CloseAll()
	}
	slog.Info("mysql proxy stopped")
}

func serverSpec(c config.ServerConfig, tlsCfg *tls.Config) backend.ServerSpec {
	return backend.ServerSpec{
		Name:          c.Name,
		Address:       c.Address,
		ProxyProtocol: c.ProxyProtocol,
		TLS:           tlsCfg,
		InitSQL:       c.InitSQL,
		Username:      c.Username,
		Password:      c.Password,
		AuthPlugin:    c.AuthPlugin,
	}
}
