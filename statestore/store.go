// Package statestore persists save states, battery saves and
// screenshots for one piece of loaded content. File names derive from
// the content path: `<base>.state0` through `.state9` for numbered
// slots, `<base>.auto` for the autosave slot, `<base>.srm` for battery
// RAM. Backed by afero so tests run against an in-memory filesystem.
package statestore

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/user-none/eblitproc/core"
)

// AutosaveSlot selects the reserved autosave file instead of a
// numbered slot.
const AutosaveSlot = -1

// MaxSlot is the highest numbered save state slot.
const MaxSlot = 9

// Store reads and writes per-content save files under fixed
// directories.
type Store struct {
	fs         afero.Fs
	stateDir   string
	batteryDir string
	base       string
}

// New builds a store for the given content. Directories must already
// exist or be creatable; they are created lazily on first write.
func New(fs afero.Fs, stateDir, batteryDir, contentPath string) *Store {
	return &Store{
		fs:         fs,
		stateDir:   stateDir,
		batteryDir: batteryDir,
		base:       SanitizeBase(contentPath),
	}
}

// SanitizeBase reduces a content path to a filesystem-safe base name:
// the file name without extension, with anything outside
// [A-Za-z0-9._-] replaced by underscores.
func SanitizeBase(contentPath string) string {
	name := filepath.Base(contentPath)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if name == "" || name == "." {
		name = "content"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// StatePath returns the file path for a save state slot. AutosaveSlot
// maps to the `.auto` file.
func (s *Store) StatePath(slot int) string {
	if slot == AutosaveSlot {
		return filepath.Join(s.stateDir, s.base+".auto")
	}
	return filepath.Join(s.stateDir, fmt.Sprintf("%s.state%d", s.base, slot))
}

// SRAMPath returns the battery save file path.
func (s *Store) SRAMPath() string {
	return filepath.Join(s.batteryDir, s.base+".srm")
}

func validSlot(slot int) error {
	if slot != AutosaveSlot && (slot < 0 || slot > MaxSlot) {
		return fmt.Errorf("invalid save state slot %d", slot)
	}
	return nil
}

// SaveState writes serialized core state to the given slot.
func (s *Store) SaveState(slot int, data []byte) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(s.stateDir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := afero.WriteFile(s.fs, s.StatePath(slot), data, 0o644); err != nil {
		return fmt.Errorf("write save state: %w", err)
	}
	return nil
}

// LoadState reads the serialized core state in the given slot. A
// missing file is reported with a message naming the slot, which the
// worker passes through verbatim in its failed response.
func (s *Store) LoadState(slot int) ([]byte, error) {
	if err := validSlot(slot); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, s.StatePath(slot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("No save state in slot %d", slot)
		}
		return nil, fmt.Errorf("read save state: %w", err)
	}
	return data, nil
}

// SaveSRAM writes the battery-backed save RAM. Empty data is a no-op
// so cores without battery RAM never produce stray files.
func (s *Store) SaveSRAM(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := s.fs.MkdirAll(s.batteryDir, 0o755); err != nil {
		return fmt.Errorf("create battery save directory: %w", err)
	}
	if err := afero.WriteFile(s.fs, s.SRAMPath(), data, 0o644); err != nil {
		return fmt.Errorf("write battery save: %w", err)
	}
	return nil
}

// LoadSRAM reads the battery save if one exists. Returns nil with no
// error when there is none.
func (s *Store) LoadSRAM() ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.SRAMPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read battery save: %w", err)
	}
	return data, nil
}

// WriteScreenshot encodes a frame as PNG. An empty path writes a
// timestamped file next to the save states and returns its path.
func (s *Store) WriteScreenshot(path string, frame *core.VideoFrame) (string, error) {
	if frame == nil || frame.Width < 1 || frame.Height < 1 {
		return "", fmt.Errorf("no frame available")
	}
	if len(frame.Data) < frame.Width*frame.Height*4 {
		return "", fmt.Errorf("short frame data")
	}

	img := &image.NRGBA{
		Pix:    frame.Data,
		Stride: frame.Width * 4,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode screenshot: %w", err)
	}

	if path == "" {
		path = filepath.Join(s.stateDir, fmt.Sprintf("%s-%d.png", s.base, time.Now().Unix()))
	}
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create screenshot directory: %w", err)
	}
	if err := afero.WriteFile(s.fs, path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}
