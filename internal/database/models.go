package database

import (
	"time"
)

// PluginRecord represents an installed plugin
type PluginRecord struct {
	ID           uint32     `gorm:"primaryKey" json:"id"`
	PluginID     string     `gorm:"uniqueIndex;not null" json:"plugin_id"` // Unique plugin identifier
	Name         string     `gorm:"not null" json:"name"`
	Version      string     `gorm:"not null" json:"version"`
	Description  string     `json:"description"`
	Author       string     `json:"author"`
	Verified     bool       `gorm:"default:false" json:"verified"`
	Category     string     `json:"category"`
	Runtime      string     `gorm:"not null" json:"runtime"`                   // lua, process
	Status       string     `gorm:"not null;default:'disabled'" json:"status"` // enabled, disabled, error
	InstallPath  string     `gorm:"not null" json:"install_path"`
	Fingerprint  string     `json:"fingerprint"`
	ManifestData string     `gorm:"type:text" json:"manifest_data"` // JSON-encoded manifest
	ErrorMessage string     `json:"error_message,omitempty"`
	InstalledAt  time.Time  `json:"installed_at"`
	EnabledAt    *time.Time `json:"enabled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ConsentGrant records the user's answer to a plugin's permission request.
// A plugin with an accepted grant is never prompted again on reload or
// re-enable.
type ConsentGrant struct {
	ID          uint32    `gorm:"primaryKey" json:"id"`
	PluginID    string    `gorm:"uniqueIndex;not null" json:"plugin_id"` // FK to PluginRecord.PluginID
	Permissions string    `gorm:"type:text" json:"permissions"`          // JSON-encoded permission list
	Accepted    bool      `gorm:"default:false" json:"accepted"`
	DecidedAt   time.Time `json:"decided_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PluginEventRecord represents lifecycle events generated by the plugin host
type PluginEventRecord struct {
	ID        uint32    `gorm:"primaryKey" json:"id"`
	EventID   string    `gorm:"uniqueIndex;not null" json:"event_id"`
	PluginID  string    `gorm:"index" json:"plugin_id"` // FK to PluginRecord.PluginID
	EventType string    `gorm:"not null;index" json:"event_type"`
	Message   string    `json:"message"`
	Data      string    `gorm:"type:text" json:"data"` // JSON-encoded event data
	CreatedAt time.Time `json:"created_at"`
}
