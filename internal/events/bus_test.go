package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skydeck-app/skydeck/internal/database"
)

func createTestLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Level: hclog.Error})
}

func startTestBus(t *testing.T, config EventBusConfig) EventBus {
	t.Helper()
	bus := NewEventBus(config, createTestLogger(), nil)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	return bus
}

// eventCollector is a race-safe sink for subscription handlers.
type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) handle(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *eventCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *eventCollector) first() Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[0]
}

func TestEventBusStartStop(t *testing.T) {
	bus := NewEventBus(DefaultEventBusConfig(), createTestLogger(), nil)

	require.NoError(t, bus.Start(context.Background()))
	err := bus.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, bus.Stop(context.Background()))
	assert.NoError(t, bus.Stop(context.Background()), "stopping a stopped bus is harmless")

	err = bus.Publish(context.Background(), Event{Type: EventPluginLoaded, Source: "system"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	bus := startTestBus(t, DefaultEventBusConfig())

	byType := &eventCollector{}
	_, err := bus.Subscribe(EventFilter{Types: []EventType{EventPluginLoaded}}, byType.handle)
	require.NoError(t, err)

	bySource := &eventCollector{}
	_, err = bus.Subscribe(EventFilter{Sources: []string{"plugin:uptime"}}, bySource.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{
		Type: EventPluginLoaded, Source: "plugin:clock", Title: "loaded",
	}))
	require.NoError(t, bus.Publish(context.Background(), Event{
		Type: EventPluginUnloaded, Source: "plugin:uptime", Title: "unloaded",
	}))

	require.Eventually(t, func() bool {
		return byType.count() == 1 && bySource.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "plugin:clock", byType.first().Source)
	assert.Equal(t, EventPluginUnloaded, bySource.first().Type)
}

func TestPublishAsync(t *testing.T) {
	bus := startTestBus(t, DefaultEventBusConfig())

	collector := &eventCollector{}
	_, err := bus.Subscribe(EventFilter{}, collector.handle)
	require.NoError(t, err)

	require.NoError(t, bus.PublishAsync(Event{Type: EventSystemStarted, Source: "system"}))

	require.Eventually(t, func() bool {
		return collector.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublishRejectsInvalidEvents(t *testing.T) {
	bus := startTestBus(t, DefaultEventBusConfig())

	err := bus.Publish(context.Background(), Event{Source: "system"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event type is required")

	err = bus.Publish(context.Background(), Event{Type: EventPluginLoaded})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event source is required")
}

func TestPublishFillsIDAndTimestamp(t *testing.T) {
	bus := startTestBus(t, DefaultEventBusConfig())

	collector := &eventCollector{}
	_, err := bus.Subscribe(EventFilter{}, collector.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventPluginLoaded, Source: "system"}))

	require.Eventually(t, func() bool {
		return collector.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := collector.first()
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestUnsubscribe(t *testing.T) {
	bus := startTestBus(t, DefaultEventBusConfig())

	muted := &eventCollector{}
	sub, err := bus.Subscribe(EventFilter{}, muted.handle)
	require.NoError(t, err)

	control := &eventCollector{}
	_, err = bus.Subscribe(EventFilter{}, control.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Unsubscribe(sub.ID))

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventPluginLoaded, Source: "system"}))

	require.Eventually(t, func() bool {
		return control.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, muted.count())

	err = bus.Unsubscribe("sub-does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription not found")
}

func TestRecentEventsKeepsNewest(t *testing.T) {
	config := DefaultEventBusConfig()
	config.MaxRecentEvents = 5
	bus := startTestBus(t, config)

	for i := 0; i < 8; i++ {
		require.NoError(t, bus.Publish(context.Background(), Event{
			ID:     fmt.Sprintf("e-%d", i),
			Type:   EventPluginLoaded,
			Source: "system",
		}))
	}

	require.Eventually(t, func() bool {
		recent := bus.RecentEvents()
		return len(recent) == 5 && recent[0].ID == "e-3" && recent[4].ID == "e-7"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerPanicDoesNotKillBus(t *testing.T) {
	bus := startTestBus(t, DefaultEventBusConfig())

	_, err := bus.Subscribe(EventFilter{}, func(Event) error {
		panic("handler bug")
	})
	require.NoError(t, err)

	survivor := &eventCollector{}
	_, err = bus.Subscribe(EventFilter{}, survivor.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventPluginLoaded, Source: "system"}))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventPluginUnloaded, Source: "system"}))

	require.Eventually(t, func() bool {
		return survivor.count() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopDuringConcurrentPublish(t *testing.T) {
	bus := NewEventBus(DefaultEventBusConfig(), createTestLogger(), nil)
	require.NoError(t, bus.Start(context.Background()))

	// Publishers racing Stop must get an error or a dropped event,
	// never a panic.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_ = bus.PublishAsync(Event{Type: EventPluginLoaded, Source: "system"})
		}
	}()

	require.NoError(t, bus.Stop(context.Background()))
	<-done
}

func TestEventBusHealth(t *testing.T) {
	bus := NewEventBus(DefaultEventBusConfig(), createTestLogger(), nil)
	require.Error(t, bus.Health())

	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	assert.NoError(t, bus.Health())
}

func TestMatchesFilter(t *testing.T) {
	event := Event{Type: EventPluginLoaded, Source: "plugin:clock"}

	tests := []struct {
		name   string
		filter EventFilter
		want   bool
	}{
		{"empty filter matches everything", EventFilter{}, true},
		{"matching type", EventFilter{Types: []EventType{EventPluginLoaded}}, true},
		{"non-matching type", EventFilter{Types: []EventType{EventPluginUnloaded}}, false},
		{"matching source", EventFilter{Sources: []string{"plugin:clock"}}, true},
		{"non-matching source", EventFilter{Sources: []string{"plugin:other"}}, false},
		{
			"type and source must both match",
			EventFilter{Types: []EventType{EventPluginLoaded}, Sources: []string{"plugin:other"}},
			false,
		},
		{
			"type and source both matching",
			EventFilter{Types: []EventType{EventPluginLoaded}, Sources: []string{"plugin:clock"}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesFilter(event, tt.filter))
		})
	}
}

func TestDatabaseEventStorage(t *testing.T) {
	db, err := database.OpenTestDB(t.TempDir())
	require.NoError(t, err)
	storage := NewDatabaseEventStorage(db)

	err = storage.Store(context.Background(), Event{
		ID:        "evt-1",
		Type:      EventPluginLoaded,
		Source:    "plugin:clock",
		Message:   "clock 1.0.0 is active",
		Data:      map[string]interface{}{"runtime": "lua"},
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	err = storage.Store(context.Background(), Event{
		ID:        "evt-2",
		Type:      EventSystemStarted,
		Source:    "system",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	var records []database.PluginEventRecord
	require.NoError(t, db.Order("event_id").Find(&records).Error)
	require.Len(t, records, 2)

	assert.Equal(t, "clock", records[0].PluginID, "plugin sources map to the bare plugin id")
	assert.Equal(t, "plugin.loaded", records[0].EventType)
	assert.Contains(t, records[0].Data, `"runtime":"lua"`)
	assert.Empty(t, records[1].PluginID, "system events carry no plugin id")
}
