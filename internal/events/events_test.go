package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishInOrderAndUnsubscribe(t *testing.T) {
	bus := NewBus()
	var got []string

	unsubA := bus.Subscribe(func(e Event) { got = append(got, "a:"+string(e.Kind)) })
	bus.Subscribe(func(e Event) { got = append(got, "b:"+string(e.Kind)) })
	assert.Equal(t, 2, bus.Len())

	bus.Emit(KindOffline)
	unsubA()
	unsubA()
	bus.Emit(KindOnline)

	assert.Equal(t, []string{"a:offline", "b:offline", "b:online"}, got)
	assert.Equal(t, 1, bus.Len())
}

func TestBus_StampsTime(t *testing.T) {
	bus := NewBus()
	var seen []Event
	bus.Subscribe(func(e Event) { seen = append(seen, e) })

	at := time.UnixMilli(1_700_000_000_000)
	bus.Publish(Event{Kind: KindHidden, At: at})
	bus.Emit(KindVisible)

	require.Len(t, seen, 2)
	assert.Equal(t, at, seen[0].At)
	assert.False(t, seen[1].At.IsZero())
}

func TestBus_SubscriberMayUnsubscribeItself(t *testing.T) {
	bus := NewBus()
	calls := 0
	var unsub func()
	unsub = bus.Subscribe(func(Event) {
		calls++
		unsub()
	})

	bus.Emit(KindOnline)
	bus.Emit(KindOnline)
	assert.Equal(t, 1, calls)
	assert.Zero(t, bus.Len())
}

func TestBus_ConcurrentUse(t *testing.T) {
	bus := NewBus()
	var (
		mu    sync.Mutex
		count int
	)
	bus.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(func(Event) {})
			bus.Emit(KindOnline)
			unsub()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, count)
	assert.Equal(t, 1, bus.Len())
}

func TestFilter(t *testing.T) {
	bus := NewBus()
	var got []Kind
	unsub := Filter(bus, KindHidden, KindVisible).Subscribe(func(e Event) { got = append(got, e.Kind) })

	bus.Emit(KindOnline)
	bus.Emit(KindHidden)
	bus.Emit(KindOffline)
	bus.Emit(KindVisible)
	unsub()
	bus.Emit(KindHidden)

	assert.Equal(t, []Kind{KindHidden, KindVisible}, got)
}
