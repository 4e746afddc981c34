// Package events provides the in-process event bus the plugin host uses to
// announce lifecycle changes to the rest of the application.
package events

import (
	"time"
)

// EventType represents the type of event
type EventType string

// System-wide event types
const (
	// Plugin lifecycle events
	EventPluginLoaded           EventType = "plugin.loaded"
	EventPluginLoadFailed       EventType = "plugin.load.failed"
	EventPluginUnloaded         EventType = "plugin.unloaded"
	EventPluginReloaded         EventType = "plugin.reloaded"
	EventPluginReloadRolledBack EventType = "plugin.reload.rolledback"
	EventPluginRollbackFailed   EventType = "plugin.rollback.failed"
	EventPluginEnabled          EventType = "plugin.enabled"
	EventPluginDisabled         EventType = "plugin.disabled"
	EventPluginInstalled        EventType = "plugin.installed"
	EventPluginConsentRejected  EventType = "plugin.consent.rejected"

	// System events
	EventSystemStarted EventType = "system.started"
	EventSystemStopped EventType = "system.stopped"
)

// Event represents a system event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"` // system, plugin:id
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventHandler represents a function that handles events
type EventHandler func(event Event) error

// EventFilter represents filters for event subscriptions
type EventFilter struct {
	Types   []EventType `json:"types,omitempty"`
	Sources []string    `json:"sources,omitempty"`
}

// Subscription represents an event subscription
type Subscription struct {
	ID            string       `json:"id"`
	Filter        EventFilter  `json:"filter"`
	Handler       EventHandler `json:"-"`
	Created       time.Time    `json:"created"`
	LastTriggered *time.Time   `json:"last_triggered,omitempty"`
	TriggerCount  int64        `json:"trigger_count"`
}

// EventBusConfig represents configuration for the event bus
type EventBusConfig struct {
	BufferSize        int  `json:"buffer_size"`
	MaxRecentEvents   int  `json:"max_recent_events"`
	EnablePersistence bool `json:"enable_persistence"`
}

// DefaultEventBusConfig returns default configuration
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		BufferSize:        256,
		MaxRecentEvents:   100,
		EnablePersistence: true,
	}
}

// MatchesFilter reports whether an event passes a subscription filter.
func MatchesFilter(event Event, filter EventFilter) bool {
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(filter.Sources) > 0 {
		found := false
		for _, s := range filter.Sources {
			if event.Source == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}
