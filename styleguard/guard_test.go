package styleguard

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/btangonan/nano-banana-runner-sub001/logging"
)

func rampPNG(t *testing.T, reversed bool) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := x * 255 / 63
			if reversed {
				v = 255 - v
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestIdenticalImageFailsGuard(t *testing.T) {
	ref := rampPNG(t, false)
	g := New([][]byte{ref}, 10, logging.NewTestLogger())
	if g.Passes(ref) {
		t.Error("bit-identical image passed the guard")
	}
}

func TestDissimilarImagePassesGuard(t *testing.T) {
	g := New([][]byte{rampPNG(t, false)}, 10, logging.NewTestLogger())
	if !g.Passes(rampPNG(t, true)) {
		t.Error("structurally different image failed the guard")
	}
}

func TestNoReferencesAlwaysPasses(t *testing.T) {
	g := New(nil, 10, logging.NewTestLogger())
	if !g.Passes(rampPNG(t, false)) {
		t.Error("guard with no references rejected an image")
	}
}

func TestUndecodableGeneratedImageFails(t *testing.T) {
	g := New([][]byte{rampPNG(t, false)}, 10, logging.NewTestLogger())
	if g.Passes([]byte("not an image")) {
		t.Error("undecodable payload passed the guard")
	}
}

func TestNewFromPathsSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "ref.png")
	if err := os.WriteFile(good, rampPNG(t, false), 0o644); err != nil {
		t.Fatal(err)
	}
	g := NewFromPaths([]string{good, filepath.Join(dir, "missing.png")}, 10, logging.NewTestLogger())
	if g.RefCount() != 1 {
		t.Errorf("RefCount = %d, want 1 (missing file skipped)", g.RefCount())
	}
}

func TestUndecodableReferenceSkipped(t *testing.T) {
	g := New([][]byte{[]byte("junk")}, 10, logging.NewTestLogger())
	if g.RefCount() != 0 {
		t.Errorf("RefCount = %d, want 0", g.RefCount())
	}
}
