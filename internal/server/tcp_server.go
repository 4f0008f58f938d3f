package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"vxi11-gpib-server/internal/config"
	"vxi11-gpib-server/internal/discovery"
	"vxi11-gpib-server/internal/handler"
	"vxi11-gpib-server/internal/monitor"
	"vxi11-gpib-server/internal/parser"
	"vxi11-gpib-server/internal/storage"
	"vxi11-gpib-server/internal/vxi11"
)

type TCPServer struct {
	config      *config.Config
	listener    net.Listener
	parser      *parser.Parser
	instruments *vxi11.InstrumentServer
	storage     storage.Publisher
	monitor     *monitor.Monitor
	advertiser  *discovery.Advertiser
	log         *logrus.Logger
	limiter     chan struct{}
	wg          sync.WaitGroup
	shutdown    chan struct{}
	closeOnce   sync.Once

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewTCPServer wires the link transport in front of instruments. Activity
// records go to publisher; nil discards them.
func NewTCPServer(cfg *config.Config, instruments *vxi11.InstrumentServer, publisher storage.Publisher, log *logrus.Logger) (*TCPServer, error) {
	if publisher == nil {
		publisher = storage.Discard{}
	}
	if cfg.Server.MaxConnections <= 0 {
		return nil, fmt.Errorf("max connections must be positive")
	}

	mon := monitor.NewMonitor(log)
	mon.AddStats("links", func() map[string]interface{} {
		return map[string]interface{}{
			"open":    instruments.Links(),
			"devices": len(instruments.Devices()),
		}
	})
	if sp, ok := publisher.(statsProvider); ok {
		mon.AddStats("activity", sp.GetStats)
	}
	if hr, ok := publisher.(storage.HistoryReader); ok {
		mon.Handle("/history", storage.HistoryHandler(hr, log))
	}

	return &TCPServer{
		config:      cfg,
		parser:      parser.NewParser(cfg.Server.MaxPayload),
		instruments: instruments,
		storage:     publisher,
		monitor:     mon,
		log:         log,
		limiter:     make(chan struct{}, cfg.Server.MaxConnections),
		shutdown:    make(chan struct{}),
		conns:       make(map[net.Conn]struct{}),
	}, nil
}

type statsProvider interface {
	GetStats() map[string]interface{}
}

// Monitor returns the metrics server of s.
func (s *TCPServer) Monitor() *monitor.Monitor {
	return s.monitor
}

// Addr returns the listening address, or nil before Listen.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen opens the link port and starts the side services.
func (s *TCPServer) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	lc := net.ListenConfig{
		KeepAlive: s.config.Server.KeepAlive,
	}

	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = listener

	if s.config.Monitor.Enabled {
		s.monitor.StartMetricsServer(s.config.Monitor.MetricsPort)
		s.monitor.StartRuntimeMonitor(10 * time.Second)
	}

	if s.config.Discovery.Enabled {
		port := listener.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Advertise(s.config.Discovery, port, s.instruments.Devices())
		if err != nil {
			s.log.Warnf("mdns advertisement failed: %v", err)
		} else {
			s.advertiser = adv
			s.log.Infof("advertising %s on port %d", s.config.Discovery.Service, port)
		}
	}

	s.log.Infof("link server listening on %s (max connections %d, devices %d)",
		listener.Addr(), s.config.Server.MaxConnections, len(s.instruments.Devices()))
	return nil
}

// Start listens, installs the signal handler and serves until shutdown.
func (s *TCPServer) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	go s.handleSignals()
	return s.Serve()
}

// Serve accepts connections until Shutdown.
func (s *TCPServer) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				s.log.Info("stopped accepting connections")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Errorf("accept: %v", err)
			continue
		}

		select {
		case s.limiter <- struct{}{}:
			s.wg.Add(1)
			s.track(conn, true)
			go s.handleConnection(conn)
		default:
			monitor.RejectedConnections.Inc()
			s.log.Warnf("connection limit reached, rejecting %s", conn.RemoteAddr())
			conn.Close()
		}
	}
}

func (s *TCPServer) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		select {
		case <-s.shutdown:
			// accepted while shutting down
			conn.Close()
			return
		default:
		}
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer func() {
		s.track(conn, false)
		<-s.limiter
		s.wg.Done()
	}()

	h := handler.NewConnectionHandler(
		conn,
		s.parser,
		s.instruments,
		s.storage,
		s.log,
		s.config.Server.ReadTimeout,
		s.config.Server.WriteTimeout,
	)

	h.Handle()
}

func (s *TCPServer) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		s.log.Infof("shutdown signal %v received", sig)
		s.Shutdown()
	case <-s.shutdown:
	}
	signal.Stop(sigChan)
}

// Shutdown stops accepting connections and links and closes every open
// connection without waiting for requests in flight.
func (s *TCPServer) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
		}

		// handlers only count links that are still in the table
		monitor.ActiveLinks.Sub(float64(s.instruments.Close()))

		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		if s.advertiser != nil {
			s.advertiser.Shutdown()
		}
		s.monitor.Stop()

		if err := s.storage.Close(); err != nil {
			s.log.Errorf("close activity publisher: %v", err)
		}

		s.log.Info("server stopped")
	})
}

// Wait blocks until every connection handler has returned.
func (s *TCPServer) Wait() {
	s.wg.Wait()
}
