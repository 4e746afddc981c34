package pluginhost

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestImage(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	switch filepath.Ext(name) {
	case ".png":
		require.NoError(t, png.Encode(&buf, img))
	case ".jpg", ".jpeg":
		require.NoError(t, jpeg.Encode(&buf, img, nil))
	default:
		t.Fatalf("unsupported test image extension in %q", name)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0644))
	return name
}

func assertWebP(t *testing.T, data []byte) {
	t.Helper()
	require.Greater(t, len(data), 12)
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WEBP", string(data[8:12]))
}

func TestPluginIconConvertsPNG(t *testing.T) {
	m := NewIconManager(1<<20, 90, createTestLogger())
	dir := t.TempDir()
	name := writeTestImage(t, dir, "icon.png")

	data, err := m.PluginIcon(dir, name)
	require.NoError(t, err)
	assertWebP(t, data)
}

func TestPluginIconConvertsJPEG(t *testing.T) {
	m := NewIconManager(1<<20, 90, createTestLogger())
	dir := t.TempDir()
	name := writeTestImage(t, dir, "icon.jpg")

	data, err := m.PluginIcon(dir, name)
	require.NoError(t, err)
	assertWebP(t, data)
}

func TestPluginIconCachesByModTime(t *testing.T) {
	m := NewIconManager(1<<20, 90, createTestLogger())
	dir := t.TempDir()
	name := writeTestImage(t, dir, "icon.png")

	first, err := m.PluginIcon(dir, name)
	require.NoError(t, err)
	require.Len(t, m.cache, 1)

	// Unchanged file: the cached bytes come back.
	second, err := m.PluginIcon(dir, name)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, m.cache, 1)

	m.Invalidate(dir)
	assert.Empty(t, m.cache)

	_, err = m.PluginIcon(dir, name)
	require.NoError(t, err)
	assert.Len(t, m.cache, 1)
}

func TestPluginIconInvalidateIsScopedToDir(t *testing.T) {
	m := NewIconManager(1<<20, 90, createTestLogger())
	dirA := t.TempDir()
	dirB := t.TempDir()
	writeTestImage(t, dirA, "icon.png")
	writeTestImage(t, dirB, "icon.png")

	_, err := m.PluginIcon(dirA, "icon.png")
	require.NoError(t, err)
	_, err = m.PluginIcon(dirB, "icon.png")
	require.NoError(t, err)
	require.Len(t, m.cache, 2)

	m.Invalidate(dirA)
	assert.Len(t, m.cache, 1)
}

func TestPluginIconRejectsEscapingPaths(t *testing.T) {
	m := NewIconManager(1<<20, 90, createTestLogger())
	dir := t.TempDir()

	_, err := m.PluginIcon(dir, "../outside.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must stay inside")

	_, err = m.PluginIcon(dir, "/etc/icon.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must stay inside")
}

func TestPluginIconRejectsEmptyPath(t *testing.T) {
	m := NewIconManager(1<<20, 90, createTestLogger())

	_, err := m.PluginIcon(t.TempDir(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no icon")
}

func TestPluginIconEnforcesSizeLimit(t *testing.T) {
	m := NewIconManager(10, 90, createTestLogger())
	dir := t.TempDir()
	name := writeTestImage(t, dir, "icon.png")

	_, err := m.PluginIcon(dir, name)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit is 10")
}

func TestPluginIconMissingFile(t *testing.T) {
	m := NewIconManager(1<<20, 90, createTestLogger())

	_, err := m.PluginIcon(t.TempDir(), "icon.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not readable")
}

func TestPluginIconRejectsGarbageData(t *testing.T) {
	m := NewIconManager(1<<20, 90, createTestLogger())
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "icon.png"), []byte("not an image"), 0644))

	_, err := m.PluginIcon(dir, "icon.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode")
}
