// Package dataset enumerates image directories and serves them as lazily
// decoded, fixed-size batches.
package dataset

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/Brownie44l1/dcai-classifier/internal/config"
)

// Options selects how a directory is read.
type Options struct {
	// Labeled reads <root>/<class>/... and one-hot encodes the class.
	// Otherwise every image under root is read without a label.
	Labeled bool
	// Shuffle permutes the sample order on every pass. Only honoured for
	// labeled training data.
	Shuffle bool
	// CropToAspect centre-crops to a square before resizing.
	CropToAspect bool
}

// Sample is one decoded image. Class is -1 and Label nil when unlabeled.
type Sample struct {
	Path   string
	Class  int
	Pixels []float32
	Label  []float32
}

// Batch is an ordered group of at most BatchSize samples.
type Batch struct {
	Samples []Sample
}

func (b *Batch) Len() int { return len(b.Samples) }

// Loader is a finite, restartable sequence of batches over one directory.
type Loader struct {
	cfg     config.Config
	root    string
	opts    Options
	paths   []string
	classes []int
	rng     *rand.Rand
}

// Open enumerates root. Paths and labels are fixed here; pixels are only
// read when batches are requested.
func Open(cfg config.Config, root string, opts Options) (*Loader, error) {
	if !opts.Labeled {
		opts.Shuffle = false
	}
	cfg.ClassNames = cfg.Classes()
	l := &Loader{
		cfg:  cfg,
		root: root,
		opts: opts,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
	}
	var err error
	if opts.Labeled {
		err = l.enumerateLabeled()
	} else {
		err = l.enumerate(root, -1)
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Loader) enumerateLabeled() error {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrIO, err)
	}
	present := make(map[string]bool)
	for _, e := range entries {
		if !e.IsDir() {
			log.Printf("%s: ignoring %s outside any class directory", l.root, e.Name())
			continue
		}
		if l.cfg.ClassIndex(e.Name()) < 0 {
			return fmt.Errorf("%w: %s: directory %q is not one of the classes %v",
				config.ErrConfiguration, l.root, e.Name(), l.cfg.ClassNames)
		}
		present[e.Name()] = true
	}
	for idx, class := range l.cfg.ClassNames {
		if !present[class] {
			continue
		}
		if err := l.enumerate(filepath.Join(l.root, class), idx); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) enumerate(dir string, class int) error {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isImage(path) {
			return nil
		}
		l.paths = append(l.paths, path)
		l.classes = append(l.classes, class)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrIO, err)
	}
	return nil
}

// Len returns the number of samples.
func (l *Loader) Len() int { return len(l.paths) }

// Batches returns the number of batches in one pass.
func (l *Loader) Batches() int {
	return (len(l.paths) + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Root returns the directory the loader was opened on.
func (l *Loader) Root() string { return l.root }

// Labeled reports whether samples carry labels.
func (l *Loader) Labeled() bool { return l.opts.Labeled }

// Paths returns the sample paths in enumeration order.
func (l *Loader) Paths() []string {
	return append([]string(nil), l.paths...)
}

// ClassCounts returns the number of samples per class index.
func (l *Loader) ClassCounts() []int {
	counts := make([]int, len(l.cfg.ClassNames))
	for _, c := range l.classes {
		if c >= 0 {
			counts[c]++
		}
	}
	return counts
}

func (l *Loader) String() string {
	if !l.opts.Labeled {
		return fmt.Sprintf("%s: %d files", l.root, l.Len())
	}
	return fmt.Sprintf("%s: %d files, per class %v", l.root, l.Len(), l.ClassCounts())
}

// Iter starts a new pass. A shuffling loader draws a fresh permutation from
// its seeded generator on each call.
func (l *Loader) Iter() *Iterator {
	var order []int
	if l.opts.Shuffle {
		order = l.rng.Perm(len(l.paths))
	} else {
		order = make([]int, len(l.paths))
		for i := range order {
			order[i] = i
		}
	}
	return &Iterator{l: l, order: order}
}

// Each runs fn on every batch of a new pass.
func (l *Loader) Each(ctx context.Context, fn func(*Batch) error) error {
	it := l.Iter()
	for {
		b, err := it.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
}

func (l *Loader) load(i int) (Sample, error) {
	img, err := DecodeFile(l.paths[i])
	if err != nil {
		return Sample{}, err
	}
	s := Sample{
		Path:   l.paths[i],
		Class:  l.classes[i],
		Pixels: Preprocess(img, l.cfg.ImageSize, l.opts.CropToAspect),
	}
	if s.Class >= 0 {
		s.Label = make([]float32, len(l.cfg.ClassNames))
		s.Label[s.Class] = 1
	}
	return s, nil
}

// Iterator walks one pass of a Loader.
type Iterator struct {
	l     *Loader
	order []int
	pos   int
}

// Next decodes and returns the next batch, or io.EOF after the last one.
func (it *Iterator) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.order) {
		return nil, io.EOF
	}
	end := min(it.pos+it.l.cfg.BatchSize, len(it.order))
	b := &Batch{Samples: make([]Sample, 0, end-it.pos)}
	for _, i := range it.order[it.pos:end] {
		s, err := it.l.load(i)
		if err != nil {
			return nil, err
		}
		b.Samples = append(b.Samples, s)
	}
	it.pos = end
	return b, nil
}
