package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bnema/datavault/internal/application"
	"github.com/bnema/datavault/internal/domain"
	"github.com/bnema/datavault/internal/logger"
	"github.com/bnema/datavault/internal/metrics"
	"github.com/rs/zerolog"
	"go.lsp.dev/jsonrpc2"
)

// SignalMethod is the notification method carrying signals to clients.
const SignalMethod = "signal"

const defaultQueue = 256

var (
	ErrQueueFull  = errors.New("signal queue full")
	errPeerClosed = errors.New("connection closed")
)

// SignalNotification is the params object of a signal notification.
type SignalNotification struct {
	Context  uint64     `json:"context"`
	Signal   string     `json:"signal"`
	Path     []string   `json:"path"`
	Name     string     `json:"name,omitempty"`
	Dirs     []TagEntry `json:"dirs,omitempty"`
	Datasets []TagEntry `json:"datasets,omitempty"`
}

type TagEntry struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

type PeerConfig struct {
	Vault *application.Vault
	Hub   Hub
	// Broker identifies where the connection came from: the local listener
	// instance or an upstream broker link.
	Broker  string
	ID      string
	Queue   int
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Peer serves the operation surface to one JSON-RPC connection. The
// connection multiplexes client contexts selected by the request's
// "context" field; all of them expire when the connection closes.
type Peer struct {
	vault   *application.Vault
	hub     Hub
	broker  string
	id      string
	metrics *metrics.Metrics
	log     zerolog.Logger

	conn     jsonrpc2.Conn
	outgoing chan SignalNotification
	done     chan struct{}

	mu        sync.Mutex
	contexts  map[uint64]domain.ContextKey
	closeOnce sync.Once
}

func NewPeer(cfg PeerConfig) *Peer {
	queue := cfg.Queue
	if queue <= 0 {
		queue = defaultQueue
	}

	return &Peer{
		vault:    cfg.Vault,
		hub:      cfg.Hub,
		broker:   cfg.Broker,
		id:       cfg.ID,
		metrics:  cfg.Metrics,
		log:      logger.Component(cfg.Logger, "rpc").With().Str("peer", cfg.ID).Logger(),
		outgoing: make(chan SignalNotification, queue),
		done:     make(chan struct{}),
		contexts: map[uint64]domain.ContextKey{},
	}
}

// Start begins serving requests arriving on conn and forwarding signals to
// it. It returns immediately.
func (p *Peer) Start(ctx context.Context, conn jsonrpc2.Conn) {
	p.conn = conn
	go p.writer(ctx)
	conn.Go(ctx, p.Handle)
}

// Serve runs the peer until conn is done, then expires its contexts.
func (p *Peer) Serve(ctx context.Context, conn jsonrpc2.Conn) error {
	p.Start(ctx, conn)
	select {
	case <-conn.Done():
	case <-ctx.Done():
	}
	p.Close(context.WithoutCancel(ctx))
	return conn.Err()
}

// Close expires every context opened on the connection and closes it.
// Calling it again is a no-op.
func (p *Peer) Close(ctx context.Context) {
	p.closeOnce.Do(func() {
		close(p.done)

		p.mu.Lock()
		keys := make([]domain.ContextKey, 0, len(p.contexts))
		for _, key := range p.contexts {
			keys = append(keys, key)
		}
		clear(p.contexts)
		p.mu.Unlock()

		for _, key := range keys {
			p.vault.ExpireContext(ctx, key)
		}
		if p.conn != nil {
			_ = p.conn.Close()
		}
		p.log.Debug().Int("contexts", len(keys)).Msg("connection closed")
	})
}

// Contexts returns the context numbers currently open on the connection.
func (p *Peer) Contexts() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]uint64, 0, len(p.contexts))
	for number := range p.contexts {
		out = append(out, number)
	}
	return out
}

// Handle answers one request. Requests on a connection are handled in
// arrival order.
func (p *Peer) Handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	result, err := p.dispatch(ctx, req.Method(), req)
	p.metrics.Request(req.Method(), err)
	if err != nil {
		p.log.Debug().Err(err).Str("method", req.Method()).Msg("request failed")
	}
	return reply(ctx, result, toWireError(err))
}

func (p *Peer) contextKey(number uint64) domain.ContextKey {
	return domain.ContextKey{Broker: p.broker, ID: fmt.Sprintf("%s.%d", p.id, number)}
}

// open returns the key for a context number, opening it in the vault on
// first use.
func (p *Peer) open(ctx context.Context, number uint64) (domain.ContextKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		return domain.ContextKey{}, errPeerClosed
	default:
	}

	if key, ok := p.contexts[number]; ok {
		return key, nil
	}

	key := p.contextKey(number)
	subscriber := contextSubscriber{peer: p, context: number}
	if err := p.vault.OpenContext(ctx, key, subscriber); err != nil {
		return domain.ContextKey{}, err
	}
	p.contexts[number] = key
	return key, nil
}

func (p *Peer) expire(ctx context.Context, number uint64) {
	p.mu.Lock()
	key, ok := p.contexts[number]
	delete(p.contexts, number)
	p.mu.Unlock()

	if !ok {
		key = p.contextKey(number)
	}
	p.vault.ExpireContext(ctx, key)
}

func (p *Peer) enqueue(number uint64, signal domain.Signal) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}

	notification := SignalNotification{
		Context:  number,
		Signal:   string(signal.Kind),
		Path:     signal.Path.Clone(),
		Name:     signal.Name,
		Dirs:     tagEntries(signal.Dirs),
		Datasets: tagEntries(signal.Datasets),
	}
	select {
	case p.outgoing <- notification:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Peer) writer(ctx context.Context) {
	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case notification := <-p.outgoing:
			if err := p.conn.Notify(ctx, SignalMethod, notification); err != nil {
				p.log.Debug().Err(err).Str("signal", notification.Signal).Msg("signal write failed")
			}
		}
	}
}

type contextSubscriber struct {
	peer    *Peer
	context uint64
}

func (s contextSubscriber) Notify(signal domain.Signal) error {
	return s.peer.enqueue(s.context, signal)
}

func tagEntries(entries []domain.EntryTags) []TagEntry {
	if entries == nil {
		return nil
	}
	out := make([]TagEntry, 0, len(entries))
	for _, entry := range entries {
		tags := entry.Tags
		if tags == nil {
			tags = []string{}
		}
		out = append(out, TagEntry{Name: entry.Name, Tags: tags})
	}
	return out
}
