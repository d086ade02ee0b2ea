package statestore

import (
	"bytes"
	"image/png"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/user-none/eblitproc/core"
)

func newTestStore() *Store {
	return New(afero.NewMemMapFs(), "/states", "/battery", "/roms/Super Game (U) [!].sfc")
}

func TestSanitizeBase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/roms/Super Game (U) [!].sfc", "Super_Game__U_____"},
		{"/roms/plain.gb", "plain"},
		{"already-safe_name.2", "already-safe_name"},
		{"", "content"},
	}
	for _, tt := range tests {
		if got := SanitizeBase(tt.in); got != tt.want {
			t.Fatalf("SanitizeBase(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	s := newTestStore()
	data := []byte{1, 2, 3, 4}

	if err := s.SaveState(3, data); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	got, err := s.LoadState(3)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("expected %v, got %v", data, got)
	}
}

func TestAutosaveSlot(t *testing.T) {
	s := newTestStore()
	if err := s.SaveState(AutosaveSlot, []byte("auto")); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if !strings.HasSuffix(s.StatePath(AutosaveSlot), ".auto") {
		t.Fatalf("expected .auto path, got %q", s.StatePath(AutosaveSlot))
	}
	got, err := s.LoadState(AutosaveSlot)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if string(got) != "auto" {
		t.Fatalf("expected autosave data, got %q", got)
	}
}

func TestLoadStateMissingSlot(t *testing.T) {
	s := newTestStore()
	_, err := s.LoadState(5)
	if err == nil {
		t.Fatal("expected error for empty slot")
	}
	if err.Error() != "No save state in slot 5" {
		t.Fatalf("expected slot message, got %q", err.Error())
	}
}

func TestInvalidSlot(t *testing.T) {
	s := newTestStore()
	if err := s.SaveState(10, nil); err == nil {
		t.Fatal("expected error for slot 10")
	}
	if err := s.SaveState(-2, nil); err == nil {
		t.Fatal("expected error for slot -2")
	}
}

func TestSRAMRoundTrip(t *testing.T) {
	s := newTestStore()

	// No battery save yet: nil, no error.
	got, err := s.LoadSRAM()
	if err != nil || got != nil {
		t.Fatalf("expected empty SRAM, got %v, %v", got, err)
	}

	if err := s.SaveSRAM([]byte{9, 8, 7}); err != nil {
		t.Fatalf("SaveSRAM: %v", err)
	}
	got, err = s.LoadSRAM()
	if err != nil {
		t.Fatalf("LoadSRAM: %v", err)
	}
	if !bytes.Equal(got, []byte{9, 8, 7}) {
		t.Fatalf("expected SRAM data, got %v", got)
	}
}

func TestSaveSRAMEmptyIsNoop(t *testing.T) {
	s := newTestStore()
	if err := s.SaveSRAM(nil); err != nil {
		t.Fatalf("SaveSRAM: %v", err)
	}
	if ok, _ := afero.Exists(s.fs, s.SRAMPath()); ok {
		t.Fatal("expected no file for empty SRAM")
	}
}

func TestWriteScreenshot(t *testing.T) {
	s := newTestStore()
	frame := &core.VideoFrame{
		Data:   bytes.Repeat([]byte{0x10, 0x20, 0x30, 0xFF}, 4*2),
		Width:  4,
		Height: 2,
	}

	path, err := s.WriteScreenshot("/shots/frame.png", frame)
	if err != nil {
		t.Fatalf("WriteScreenshot: %v", err)
	}
	if path != "/shots/frame.png" {
		t.Fatalf("expected requested path back, got %q", path)
	}

	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		t.Fatalf("read screenshot: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode screenshot: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 4 || b.Dy() != 2 {
		t.Fatalf("expected 4x2 image, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestWriteScreenshotNoFrame(t *testing.T) {
	s := newTestStore()
	if _, err := s.WriteScreenshot("", nil); err == nil {
		t.Fatal("expected error with no frame")
	}
}
