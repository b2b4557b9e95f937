package dataset

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Brownie44l1/dcai-classifier/internal/config"
)

func testConfig() config.Config {
	c := config.Default()
	c.ImageSize = 8
	c.BatchSize = 3
	return c
}

func writePNG(t *testing.T, path string, w, h int, c color.Color) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func collect(t *testing.T, l *Loader) []Sample {
	t.Helper()
	var out []Sample
	err := l.Each(context.Background(), func(b *Batch) error {
		if b.Len() > l.cfg.BatchSize {
			t.Errorf("batch of %d exceeds batch size %d", b.Len(), l.cfg.BatchSize)
		}
		out = append(out, b.Samples...)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestLabeledOneHot(t *testing.T) {
	root := t.TempDir()
	files := map[string]int{"cat": 2, "dog": 1, "croissant": 3}
	for class, n := range files {
		for i := 0; i < n; i++ {
			writePNG(t, filepath.Join(root, class, string(rune('a'+i))+".png"), 10, 12, color.White)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "README.txt"), []byte("notes"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	l, err := Open(cfg, root, Options{Labeled: true, CropToAspect: true})
	if err != nil {
		t.Fatal(err)
	}
	if l.Len() != 6 || l.Batches() != 2 {
		t.Fatalf("Len=%d Batches=%d, want 6 and 2", l.Len(), l.Batches())
	}
	if got := l.ClassCounts(); !reflect.DeepEqual(got, []int{2, 1, 0, 3}) {
		t.Errorf("ClassCounts = %v", got)
	}
	for _, s := range collect(t, l) {
		want := cfg.ClassIndex(filepath.Base(filepath.Dir(s.Path)))
		set := 0
		for i, v := range s.Label {
			if v == 1 {
				set++
				if i != want {
					t.Errorf("%s: label bit %d, want %d", s.Path, i, want)
				}
			} else if v != 0 {
				t.Errorf("%s: non-binary label %v", s.Path, s.Label)
			}
		}
		if set != 1 {
			t.Errorf("%s: %d bits set", s.Path, set)
		}
		if len(s.Pixels) != cfg.ImageSize*cfg.ImageSize*3 {
			t.Errorf("%s: %d pixel values", s.Path, len(s.Pixels))
		}
	}
}

func TestUnknownClassDirectory(t *testing.T) {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "cat", "a.png"), 4, 4, color.White)
	writePNG(t, filepath.Join(root, "bagel", "b.png"), 4, 4, color.White)
	_, err := Open(testConfig(), root, Options{Labeled: true})
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("Open() = %v, want ErrConfiguration", err)
	}
}

func TestMissingRoot(t *testing.T) {
	_, err := Open(testConfig(), filepath.Join(t.TempDir(), "nope"), Options{})
	if !errors.Is(err, config.ErrIO) {
		t.Fatalf("Open() = %v, want ErrIO", err)
	}
}

func TestUnlabeledDeterministic(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"b.png", "a.png", "sub/c.png", "d.PNG", "skip.txt"} {
		if filepath.Ext(name) == ".txt" {
			os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644)
			continue
		}
		writePNG(t, filepath.Join(root, name), 5, 5, color.Black)
	}
	l, err := Open(testConfig(), root, Options{Shuffle: true})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.png", "b.png", "d.PNG", "sub/c.png"}
	for pass := 0; pass < 2; pass++ {
		var got []string
		for _, s := range collect(t, l) {
			rel, _ := filepath.Rel(root, s.Path)
			got = append(got, filepath.ToSlash(rel))
			if s.Class != -1 || s.Label != nil {
				t.Errorf("%s: unexpected label", s.Path)
			}
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("pass %d order = %v, want %v", pass, got, want)
		}
	}
}

func TestShuffleSeeded(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 9; i++ {
		writePNG(t, filepath.Join(root, "dog", string(rune('a'+i))+".png"), 3, 3, color.White)
	}
	order := func(l *Loader) []string {
		var paths []string
		for _, s := range collect(t, l) {
			paths = append(paths, s.Path)
		}
		return paths
	}
	a, _ := Open(testConfig(), root, Options{Labeled: true, Shuffle: true})
	b, _ := Open(testConfig(), root, Options{Labeled: true, Shuffle: true})
	for epoch := 0; epoch < 3; epoch++ {
		pa, pb := order(a), order(b)
		if !reflect.DeepEqual(pa, pb) {
			t.Fatalf("epoch %d: same seed gave %v and %v", epoch, pa, pb)
		}
		if len(pa) != 9 {
			t.Fatalf("epoch %d: %d samples", epoch, len(pa))
		}
	}
}

func TestCorruptImage(t *testing.T) {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "a.png"), 4, 4, color.White)
	if err := os.WriteFile(filepath.Join(root, "b.jpg"), []byte("not a jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := Open(testConfig(), root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	it := l.Iter()
	_, err = it.Next(context.Background())
	if !errors.Is(err, config.ErrIO) {
		t.Fatalf("Next() = %v, want ErrIO", err)
	}
}

func TestIteratorEOF(t *testing.T) {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "a.png"), 4, 4, color.White)
	l, _ := Open(testConfig(), root, Options{})
	it := l.Iter()
	if _, err := it.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := it.Next(context.Background()); err != io.EOF {
		t.Fatalf("second Next() = %v, want io.EOF", err)
	}
}

func TestPreprocessCenterCrop(t *testing.T) {
	// 20x10 image: a red 10x10 square centred between green side bands.
	img := image.NewRGBA(image.Rect(0, 0, 20, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			c := color.RGBA{G: 255, A: 255}
			if x >= 5 && x < 15 {
				c = color.RGBA{R: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	px := Preprocess(img, 4, true)
	if len(px) != 4*4*3 {
		t.Fatalf("%d values", len(px))
	}
	for i := 0; i < len(px); i += 3 {
		if px[i] < 250 || px[i+1] > 5 || px[i+2] > 5 {
			t.Fatalf("pixel %d = %v, want red", i/3, px[i:i+3])
		}
	}
}

func TestCropBox(t *testing.T) {
	tests := []struct {
		in, want image.Rectangle
	}{
		{image.Rect(0, 0, 20, 10), image.Rect(5, 0, 15, 10)},
		{image.Rect(0, 0, 10, 30), image.Rect(0, 10, 10, 20)},
		{image.Rect(2, 2, 6, 6), image.Rect(2, 2, 6, 6)},
	}
	for _, tc := range tests {
		if got := cropBox(tc.in); got != tc.want {
			t.Errorf("cropBox(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestWalkOrderPerDirectory(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.png", "a/x.png"} {
		writePNG(t, filepath.Join(root, name), 4, 4, color.White)
	}
	l, err := Open(testConfig(), root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, p := range l.Paths() {
		rel, _ := filepath.Rel(root, p)
		got = append(got, filepath.ToSlash(rel))
	}
	// WalkDir sorts each directory's entries by name, and "a" < "a.png".
	if want := []string{"a/x.png", "a.png"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}
