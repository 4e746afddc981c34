package events

import (
	"context"
	"encoding/json"
	"strings"

	"gorm.io/gorm"

	"github.com/skydeck-app/skydeck/internal/database"
)

// databaseEventStorage persists events as PluginEventRecord rows.
type databaseEventStorage struct {
	db *gorm.DB
}

// NewDatabaseEventStorage creates gorm-backed event storage.
func NewDatabaseEventStorage(db *gorm.DB) EventStorage {
	return &databaseEventStorage{db: db}
}

func (s *databaseEventStorage) Store(ctx context.Context, event Event) error {
	var data string
	if event.Data != nil {
		encoded, err := json.Marshal(event.Data)
		if err == nil {
			data = string(encoded)
		}
	}

	record := database.PluginEventRecord{
		EventID:   event.ID,
		PluginID:  pluginIDFromSource(event.Source),
		EventType: string(event.Type),
		Message:   event.Message,
		Data:      data,
		CreatedAt: event.Timestamp,
	}

	return s.db.WithContext(ctx).Create(&record).Error
}

func pluginIDFromSource(source string) string {
	if rest, ok := strings.CutPrefix(source, "plugin:"); ok {
		return rest
	}
	return ""
}
