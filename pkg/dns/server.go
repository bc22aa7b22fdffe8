package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"dny/pkg/config"
	"dny/pkg/logging"
	"dny/pkg/telemetry"
)

// Server owns the UDP listen socket and fans each inbound datagram out to a
// bounded worker pool running the engine. Workers reply through the shared
// socket, which is safe for UDP.
type Server struct {
	cfg     *config.ServerConfig
	engine  *Engine
	logger  *logging.Logger
	metrics *telemetry.Metrics

	conn    net.PacketConn
	sem     chan struct{}
	stop    chan struct{}
	loopEnd chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewServer creates a UDP listening server.
func NewServer(cfg *config.ServerConfig, engine *Engine, logger *logging.Logger, metrics *telemetry.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		engine:  engine,
		logger:  logger,
		metrics: metrics,
		sem:     make(chan struct{}, cfg.MaxWorkers),
		stop:    make(chan struct{}),
		loopEnd: make(chan struct{}),
	}
}

// Start binds the socket and runs the receive loop until Shutdown. The
// returned error is non-nil for a bind failure or when the server is
// already running; a clean shutdown returns nil.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	lc := net.ListenConfig{
		Control: listenControl(s.cfg.ReuseAddr),
	}
	conn, err := lc.ListenPacket(ctx, "udp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.ListenAddress, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("DNS proxy listening",
		"address", conn.LocalAddr().String(),
		"max_workers", s.cfg.MaxWorkers)

	s.receiveLoop(ctx, conn)
	return nil
}

// receiveLoop reads datagrams and schedules a worker per packet. The
// semaphore bounds concurrent workers (and thereby open ephemeral upstream
// sockets).
func (s *Server) receiveLoop(ctx context.Context, conn net.PacketConn) {
	defer close(s.loopEnd)

	buf := make([]byte, s.cfg.MaxPacketSize)
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		// Wake periodically so stop/cancel are observed even when idle.
		_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, clientAddr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Error("Read error on listen socket", "error", err)
			continue
		}
		if n == 0 {
			continue
		}

		query := make([]byte, n)
		copy(query, buf[:n])

		s.sem <- struct{}{}
		s.wg.Add(1)
		go s.worker(ctx, conn, query, clientAddr)
	}
}

// worker runs the engine for one datagram. Panics are contained here: a bad
// packet can kill its worker, never the listener.
func (s *Server) worker(ctx context.Context, conn net.PacketConn, query []byte, clientAddr net.Addr) {
	defer s.wg.Done()
	defer func() { <-s.sem }()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Worker panic recovered", "client", clientAddr.String(), "panic", r)
		}
	}()

	if s.metrics != nil {
		s.metrics.InflightWorkers.Add(ctx, 1)
		defer s.metrics.InflightWorkers.Add(context.Background(), -1)
	}

	s.engine.Handle(ctx, query, clientAddr, func(resp []byte) error {
		_, err := conn.WriteTo(resp, clientAddr)
		return err
	})
}

// LocalAddr returns the bound address, or nil before Start.
func (s *Server) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Shutdown stops accepting datagrams, waits up to the configured grace
// period for in-flight workers, then closes the socket.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	conn := s.conn
	s.mu.Unlock()

	close(s.stop)
	if conn != nil {
		// Unblock the pending read immediately.
		_ = conn.SetReadDeadline(time.Now())
	}
	<-s.loopEnd

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All in-flight workers drained")
	case <-time.After(grace):
		s.logger.Warn("Shutdown grace period expired with workers in flight")
	case <-ctx.Done():
		s.logger.Warn("Shutdown context expired with workers in flight")
	}

	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.logger.Info("DNS proxy stopped")
	return err
}
