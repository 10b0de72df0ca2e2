package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-offline/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProber struct {
	mu  sync.Mutex
	err error
}

func (p *scriptedProber) Health(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *scriptedProber) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

type recorder struct {
	mu    sync.Mutex
	kinds []events.Kind
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.kinds = append(r.kinds, e.Kind)
	r.mu.Unlock()
}

func (r *recorder) seen() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Kind(nil), r.kinds...)
}

func TestConnectivity_PublishesOnlyTransitions(t *testing.T) {
	ctx := context.Background()
	prober := &scriptedProber{err: errors.New("dial tcp: connection refused")}
	rec := &recorder{}
	w := NewConnectivityWorker(prober, rec, time.Hour, zerolog.Nop())

	assert.False(t, w.Probe(ctx))
	assert.False(t, w.Probe(ctx))
	prober.set(nil)
	assert.True(t, w.Probe(ctx))
	assert.True(t, w.Probe(ctx))
	assert.True(t, w.Online())
	prober.set(errors.New("timeout"))
	assert.False(t, w.Probe(ctx))

	assert.Equal(t, []events.Kind{events.KindOffline, events.KindOnline, events.KindOffline}, rec.seen())
}

func TestConnectivity_FirstProbeAlwaysPublishes(t *testing.T) {
	rec := &recorder{}
	w := NewConnectivityWorker(&scriptedProber{}, rec, time.Hour, zerolog.Nop())
	assert.True(t, w.Probe(context.Background()))
	assert.Equal(t, []events.Kind{events.KindOnline}, rec.seen())
}

func TestConnectivity_DrivesBusSubscribers(t *testing.T) {
	bus := events.NewBus()
	var (
		mu     sync.Mutex
		online int
	)
	unsubscribe := events.Filter(bus, events.KindOnline).Subscribe(func(events.Event) {
		mu.Lock()
		online++
		mu.Unlock()
	})
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	w := NewConnectivityWorker(&scriptedProber{}, bus, time.Hour, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return online == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}
