package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-offline/internal/events"
)

// Prober checks whether the relay is reachable.
type Prober interface {
	Health(ctx context.Context) error
}

// Publisher receives connectivity transitions.
type Publisher interface {
	Publish(e events.Event)
}

// ConnectivityWorker probes the relay and publishes online/offline events
// on every state change. The first probe always publishes.
type ConnectivityWorker struct {
	prober   Prober
	bus      Publisher
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	mu    sync.Mutex
	known bool
	up    bool
}

// NewConnectivityWorker creates a new ConnectivityWorker.
func NewConnectivityWorker(prober Prober, bus Publisher, interval time.Duration, log zerolog.Logger) *ConnectivityWorker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ConnectivityWorker{
		prober:   prober,
		bus:      bus,
		interval: interval,
		timeout:  interval,
		log:      log.With().Str("component", "connectivity_worker").Logger(),
	}
}

// Start probes immediately and then every interval. Call in a goroutine.
func (w *ConnectivityWorker) Start(ctx context.Context) {
	w.log.Debug().Dur("interval", w.interval).Msg("Worker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Debug().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.Probe(ctx)
		}
	}
}

// Probe runs one health check and publishes if the state changed. It
// returns the current state.
func (w *ConnectivityWorker) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, w.timeout)
	err := w.prober.Health(pctx)
	cancel()
	if ctx.Err() != nil {
		return w.Online()
	}
	up := err == nil

	w.mu.Lock()
	changed := !w.known || w.up != up
	w.known, w.up = true, up
	w.mu.Unlock()

	if changed {
		kind := events.KindOffline
		if up {
			kind = events.KindOnline
		}
		ev := w.log.Info().Str("state", string(kind))
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("Connectivity changed")
		w.bus.Publish(events.Event{Kind: kind, At: time.Now()})
	}
	return up
}

// Online reports the last probed state.
func (w *ConnectivityWorker) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.up
}
