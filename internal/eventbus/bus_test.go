package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanoutAndPrefixFilter(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	jobs, unsubJobs := b.Subscribe(4, "job.")
	defer unsubJobs()

	b.Publish(Event{Type: "job.pending", Data: "a"})
	b.Publish(Event{Type: "config.reloaded"})

	e := <-all
	assert.Equal(t, "job.pending", e.Type)
	assert.False(t, e.Time.IsZero())
	assert.Equal(t, "config.reloaded", (<-all).Type)

	assert.Equal(t, "job.pending", (<-jobs).Type)
	assert.Empty(t, jobs)
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "y"})

	assert.Equal(t, "x", (<-ch).Type)
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestBus_UnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)
	assert.NotPanics(t, func() { b.Publish(Event{Type: "after"}) })
}

func TestBus_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		_, unsub := b.Subscribe(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(Event{Type: "job.running"})
			}
		}()
		go func() {
			defer wg.Done()
			unsub()
		}()
	}
	wg.Wait()
}
