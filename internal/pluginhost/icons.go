package pluginhost

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chai2010/webp"
	"github.com/hashicorp/go-hclog"
)

// IconContentType is the MIME type every served plugin icon has after
// normalization.
const IconContentType = "image/webp"

// IconManager serves plugin icons as WebP regardless of the format the
// plugin ships. Converted icons are cached and invalidated by file
// modification time.
type IconManager struct {
	maxFileSize int64
	quality     int
	logger      hclog.Logger

	mu    sync.Mutex
	cache map[string]iconCacheEntry
}

type iconCacheEntry struct {
	data    []byte
	modTime time.Time
}

// NewIconManager creates an icon manager. maxFileSize bounds the source
// file; quality is the WebP encode quality (1-100).
func NewIconManager(maxFileSize int64, quality int, logger hclog.Logger) *IconManager {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return &IconManager{
		maxFileSize: maxFileSize,
		quality:     quality,
		logger:      logger.Named("icons"),
		cache:       make(map[string]iconCacheEntry),
	}
}

// PluginIcon loads, converts, and caches the icon declared by a plugin.
// iconPath is the manifest's icon field, relative to the plugin dir.
func (m *IconManager) PluginIcon(dir, iconPath string) ([]byte, error) {
	if iconPath == "" {
		return nil, fmt.Errorf("plugin declares no icon")
	}
	if filepath.IsAbs(iconPath) || strings.Contains(iconPath, "..") {
		return nil, fmt.Errorf("icon path %q must stay inside the plugin directory", iconPath)
	}
	path := filepath.Join(dir, iconPath)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("icon is not readable: %w", err)
	}
	if m.maxFileSize > 0 && info.Size() > m.maxFileSize {
		return nil, fmt.Errorf("icon is %d bytes, limit is %d", info.Size(), m.maxFileSize)
	}

	m.mu.Lock()
	entry, cached := m.cache[path]
	m.mu.Unlock()
	if cached && entry.modTime.Equal(info.ModTime()) {
		return entry.data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read icon: %w", err)
	}

	converted, err := m.convertToWebP(data, strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[path] = iconCacheEntry{data: converted, modTime: info.ModTime()}
	m.mu.Unlock()

	m.logger.Debug("icon converted", "path", path, "original_bytes", len(data), "webp_bytes", len(converted))
	return converted, nil
}

// convertToWebP decodes by extension and re-encodes at the configured
// quality.
func (m *IconManager) convertToWebP(data []byte, ext string) ([]byte, error) {
	var img image.Image
	var err error

	reader := bytes.NewReader(data)
	switch ext {
	case ".jpg", ".jpeg":
		img, err = jpeg.Decode(reader)
	case ".png":
		img, err = png.Decode(reader)
	case ".gif":
		img, err = gif.Decode(reader)
	case ".webp":
		img, err = webp.Decode(reader)
	default:
		img, _, err = image.Decode(reader)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode icon: %w", err)
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(m.quality)}); err != nil {
		return nil, fmt.Errorf("failed to encode icon as WebP: %w", err)
	}
	return buf.Bytes(), nil
}

// Invalidate drops cached icons under a plugin directory so a replaced
// icon is re-encoded immediately, without waiting for the mod-time
// check to notice.
func (m *IconManager) Invalidate(dir string) {
	prefix := dir + string(filepath.Separator)

	m.mu.Lock()
	defer m.mu.Unlock()
	for path := range m.cache {
		if strings.HasPrefix(path, prefix) {
			delete(m.cache, path)
		}
	}
}
