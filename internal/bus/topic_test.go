package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subregion-map/internal/renderer"
)

type recorder[T any] struct {
	mu  sync.Mutex
	got []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
}

func (r *recorder[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

func TestTopicDeliversInOrder(t *testing.T) {
	topic := NewTopic[int]()
	defer topic.Close()
	rec := &recorder[int]{}
	topic.Subscribe(rec.add)

	for i := 0; i < 100; i++ {
		topic.Publish(i)
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 100 }, time.Second, 5*time.Millisecond)
	got := rec.snapshot()
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestTopicMulticastAndLateSubscriber(t *testing.T) {
	topic := NewTopic[string]()
	defer topic.Close()
	early := &recorder[string]{}
	topic.Subscribe(early.add)

	topic.Publish("topo")
	require.Eventually(t, func() bool { return len(early.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	late := &recorder[string]{}
	topic.Subscribe(late.add)
	topic.Publish("satellite")

	require.Eventually(t, func() bool { return len(early.snapshot()) == 2 && len(late.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"satellite"}, late.snapshot())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	topic := NewTopic[bool]()
	defer topic.Close()
	rec := &recorder[bool]{}
	sub := topic.Subscribe(rec.add)
	sub.Unsubscribe()
	sub.Unsubscribe()

	topic.Publish(true)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
	assert.Equal(t, 0, topic.subscribers())
}

func TestControlsRouteSignals(t *testing.T) {
	c := NewControls()
	defer c.Close()
	var (
		mu      sync.Mutex
		basemap string
		opacity float64
		outline renderer.Color
		popup   bool
		count   int
	)
	c.Basemap.Subscribe(func(v string) { mu.Lock(); basemap = v; count++; mu.Unlock() })
	c.Opacity.Subscribe(func(v float64) { mu.Lock(); opacity = v; count++; mu.Unlock() })
	c.Outline.Subscribe(func(v renderer.Color) { mu.Lock(); outline = v; count++; mu.Unlock() })
	c.Popup.Subscribe(func(v bool) { mu.Lock(); popup = v; count++; mu.Unlock() })

	assert.True(t, c.Publish(BasemapSelected{Name: "satellite"}))
	assert.True(t, c.Publish(OpacityChanged{Value: 0.4}))
	assert.True(t, c.Publish(OutlineColorChanged{Color: renderer.RGBA(1, 2, 3, 1)}))
	assert.True(t, c.Publish(PopupToggled{Enabled: true}))
	assert.False(t, c.Publish(nil))

	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return count == 4 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "satellite", basemap)
	assert.Equal(t, 0.4, opacity)
	assert.Equal(t, renderer.RGBA(1, 2, 3, 1), outline)
	assert.True(t, popup)
}
