package application

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bnema/datavault/internal/domain"
	"github.com/bnema/datavault/internal/logger"
	"github.com/bnema/datavault/internal/metrics"
	"github.com/bnema/datavault/internal/ports"
	"github.com/rs/zerolog"
)

// Fanout delivers signals to the subscribers registered for context keys.
// One failing subscriber never stops delivery to the others.
type Fanout struct {
	mu          sync.RWMutex
	subscribers map[domain.ContextKey]ports.Subscriber
	publisher   ports.SignalPublisher
	metrics     *metrics.Metrics
	log         zerolog.Logger
}

func NewFanout(publisher ports.SignalPublisher, m *metrics.Metrics, log zerolog.Logger) *Fanout {
	return &Fanout{
		subscribers: map[domain.ContextKey]ports.Subscriber{},
		publisher:   publisher,
		metrics:     m,
		log:         logger.Component(log, "fanout"),
	}
}

func (f *Fanout) Register(key domain.ContextKey, subscriber ports.Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers[key] = subscriber
}

func (f *Fanout) Unregister(key domain.ContextKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribers, key)
}

func (f *Fanout) Registered(key domain.ContextKey) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.subscribers[key]
	return ok
}

// Deliver sends signal to every key in order and then to the publisher.
// The returned error joins every individual failure and is meant for
// logging only; the signal has already reached everyone else.
func (f *Fanout) Deliver(ctx context.Context, signal domain.Signal, keys []domain.ContextKey) error {
	errs := f.notify(signal, keys)

	if f.publisher != nil {
		if err := f.publisher.Publish(ctx, signal); err != nil {
			f.log.Warn().Err(err).Str("signal", string(signal.Kind)).Msg("signal mirror failed")
			errs = append(errs, fmt.Errorf("publish %s: %w", signal.Kind, err))
		}
	}

	return errors.Join(errs...)
}

// Wake sends signal to key alone. It is a cursor wake-up for one context,
// not a change to shared state, so the publisher never sees it.
func (f *Fanout) Wake(signal domain.Signal, key domain.ContextKey) error {
	return errors.Join(f.notify(signal, []domain.ContextKey{key})...)
}

func (f *Fanout) notify(signal domain.Signal, keys []domain.ContextKey) []error {
	var errs []error
	for _, key := range keys {
		f.mu.RLock()
		subscriber, ok := f.subscribers[key]
		f.mu.RUnlock()
		if !ok {
			continue
		}

		err := subscriber.Notify(signal)
		f.metrics.Signal(string(signal.Kind), err)
		if err != nil {
			f.log.Warn().Err(err).
				Str("signal", string(signal.Kind)).
				Str("context", key.String()).
				Str("path", signal.Path.String()).
				Msg("signal delivery failed")
			errs = append(errs, fmt.Errorf("notify %s: %w", key, err))
		}
	}
	return errs
}
