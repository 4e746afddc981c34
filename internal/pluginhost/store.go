package pluginhost

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/skydeck-app/skydeck/internal/database"
)

// Persistent plugin status values.
const (
	StatusEnabled      = "enabled"
	StatusDisabled     = "disabled"
	StatusError        = "error"
	StatusIncompatible = "incompatible"
)

// Store persists plugin install records and consent grants. Consent
// grants are what make "freshly installed" decidable across restarts: a
// plugin with an accepted grant is never prompted again.
type Store struct {
	db     *gorm.DB
	logger hclog.Logger
}

// NewStore creates a store on top of an initialized database handle.
func NewStore(db *gorm.DB, logger hclog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.Named("store"),
	}
}

// UpsertPlugin writes or refreshes the install record for a plugin.
func (s *Store) UpsertPlugin(manifest *Manifest, dir, fingerprint, runtimeName, status string) error {
	manifestData, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	var record database.PluginRecord
	err = s.db.Where("plugin_id = ?", manifest.ID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = database.PluginRecord{
			PluginID:     manifest.ID,
			Name:         manifest.Name,
			Version:      manifest.Version,
			Description:  manifest.Description,
			Author:       manifest.Publisher.Author,
			Verified:     manifest.Publisher.Verified,
			Category:     manifest.Category,
			Runtime:      runtimeName,
			Status:       status,
			InstallPath:  dir,
			Fingerprint:  fingerprint,
			ManifestData: string(manifestData),
			InstalledAt:  time.Now(),
		}
		if status == StatusEnabled {
			now := time.Now()
			record.EnabledAt = &now
		}
		return s.db.Create(&record).Error
	}
	if err != nil {
		return fmt.Errorf("failed to look up plugin record: %w", err)
	}

	updates := map[string]interface{}{
		"name":          manifest.Name,
		"version":       manifest.Version,
		"description":   manifest.Description,
		"author":        manifest.Publisher.Author,
		"verified":      manifest.Publisher.Verified,
		"category":      manifest.Category,
		"runtime":       runtimeName,
		"status":        status,
		"install_path":  dir,
		"fingerprint":   fingerprint,
		"manifest_data": string(manifestData),
		"error_message": "",
	}
	if status == StatusEnabled && record.EnabledAt == nil {
		updates["enabled_at"] = time.Now()
	}
	return s.db.Model(&record).Updates(updates).Error
}

// SetStatus updates a plugin's persistent status and error message.
func (s *Store) SetStatus(pluginID, status, errorMessage string) error {
	updates := map[string]interface{}{
		"status":        status,
		"error_message": errorMessage,
	}
	if status == StatusEnabled {
		updates["enabled_at"] = time.Now()
	}
	result := s.db.Model(&database.PluginRecord{}).
		Where("plugin_id = ?", pluginID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPluginNotFound
	}
	return nil
}

// FindPlugin looks up one plugin record.
func (s *Store) FindPlugin(pluginID string) (*database.PluginRecord, bool, error) {
	var record database.PluginRecord
	err := s.db.Where("plugin_id = ?", pluginID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &record, true, nil
}

// ListPlugins returns every known plugin record.
func (s *Store) ListPlugins() ([]database.PluginRecord, error) {
	var records []database.PluginRecord
	if err := s.db.Order("plugin_id").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// HasAcceptedConsent reports whether the user has ever accepted this
// plugin's permission request.
func (s *Store) HasAcceptedConsent(pluginID string) (bool, error) {
	var grant database.ConsentGrant
	err := s.db.Where("plugin_id = ? AND accepted = ?", pluginID, true).First(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordConsent stores the user's consent decision for a plugin.
func (s *Store) RecordConsent(pluginID string, permissions []string, accepted bool) error {
	permData, err := json.Marshal(permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	var grant database.ConsentGrant
	err = s.db.Where("plugin_id = ?", pluginID).First(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&database.ConsentGrant{
			PluginID:    pluginID,
			Permissions: string(permData),
			Accepted:    accepted,
			DecidedAt:   time.Now(),
		}).Error
	}
	if err != nil {
		return err
	}

	return s.db.Model(&grant).Updates(map[string]interface{}{
		"permissions": string(permData),
		"accepted":    accepted,
		"decided_at":  time.Now(),
	}).Error
}
