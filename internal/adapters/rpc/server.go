// Package rpc exposes the vault over JSON-RPC 2.0 on a stream transport.
// Each connection is a Peer; signals travel back as "signal"
// notifications on the same connection.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bnema/datavault/internal/application"
	"github.com/bnema/datavault/internal/logger"
	"github.com/bnema/datavault/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.lsp.dev/jsonrpc2"
)

type ServerConfig struct {
	Listen  string
	Queue   int
	Hub     Hub
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Server accepts client connections on a TCP listener.
type Server struct {
	listener net.Listener
	vault    *application.Vault
	cfg      ServerConfig
	brokerID string
	log      zerolog.Logger

	mu     sync.Mutex
	peers  map[string]*Peer
	seq    atomic.Uint64
	wg     sync.WaitGroup
	closed atomic.Bool
}

func Listen(vault *application.Vault, cfg ServerConfig) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	return NewServer(listener, vault, cfg), nil
}

func NewServer(listener net.Listener, vault *application.Vault, cfg ServerConfig) *Server {
	return &Server{
		listener: listener,
		vault:    vault,
		cfg:      cfg,
		brokerID: uuid.NewString(),
		log:      logger.Component(cfg.Logger, "server"),
		peers:    map[string]*Peer{},
	}
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// BrokerID is the broker half of every context key created by connections
// accepted here.
func (s *Server) BrokerID() string {
	return s.brokerID
}

// Serve accepts connections until Close is called or ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info().Str("addr", s.Addr().String()).Msg("listening")

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn serves one already established connection until it closes.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) {
	id := fmt.Sprintf("c%d", s.seq.Add(1))
	peer := NewPeer(PeerConfig{
		Vault:   s.vault,
		Hub:     s.cfg.Hub,
		Broker:  s.brokerID,
		ID:      id,
		Queue:   s.cfg.Queue,
		Metrics: s.cfg.Metrics,
		Logger:  s.cfg.Logger,
	})

	s.mu.Lock()
	s.peers[id] = peer
	s.mu.Unlock()
	s.log.Debug().Str("peer", id).Msg("connection accepted")

	err := peer.Serve(ctx, jsonrpc2.NewConn(jsonrpc2.NewStream(rwc)))
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		s.log.Debug().Err(err).Str("peer", id).Msg("connection ended")
	}

	s.mu.Lock()
	delete(s.peers, id)
	s.mu.Unlock()
}

// Close stops accepting and closes every live connection.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	err := s.listener.Close()

	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		peers = append(peers, peer)
	}
	s.mu.Unlock()

	for _, peer := range peers {
		peer.Close(context.Background())
	}
	s.wg.Wait()
	s.log.Info().Msg("listener stopped")
	return err
}

func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}
