// Package model builds the fixed classifier: a frozen, truncated ResNet50
// backbone followed by a trainable pooling + dense head.
package model

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/Brownie44l1/dcai-classifier/internal/config"
	"github.com/Brownie44l1/dcai-classifier/internal/dataset"
)

// Backbone is the frozen feature extractor. Extract takes preprocessed
// channels-last images and returns one channels-last feature map each.
type Backbone interface {
	Name() string
	FeatureShape() (h, w, c int)
	Extract(ctx context.Context, images [][]float32) ([][]float32, error)
	Close() error
}

// ImageNet channel means in BGR order.
var meanBGR = [3]float32{103.939, 116.779, 123.68}

// preprocess converts RGB [0,255] pixels to mean-centred BGR, the input
// convention of the ResNet50 weights.
func preprocess(px []float32) []float32 {
	out := make([]float32, len(px))
	for i := 0; i+2 < len(px); i += 3 {
		out[i] = px[i+2] - meanBGR[0]
		out[i+1] = px[i+1] - meanBGR[1]
		out[i+2] = px[i] - meanBGR[2]
	}
	return out
}

// Model is the backbone composed with the trainable head. It is not safe
// for concurrent training; prediction is serialised by the backbone.
type Model struct {
	cfg      config.Config
	backbone Backbone
	head     *Head
	opt      *adam
}

// Build composes backbone with a freshly initialised head. It does no
// training or inference.
func Build(cfg config.Config, backbone Backbone) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ClassNames = cfg.Classes()
	h, w, c := backbone.FeatureShape()
	fs := cfg.FeatureSize()
	if h != fs || w != fs || c != cfg.Backbone.Channels {
		return nil, fmt.Errorf("%w: backbone %s yields %dx%dx%d features, want %dx%dx%d",
			config.ErrConfiguration, backbone.Name(), h, w, c, fs, fs, cfg.Backbone.Channels)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	return &Model{
		cfg:      cfg,
		backbone: backbone,
		head:     newHead(c, len(cfg.ClassNames), rng),
		opt:      newAdam(cfg.LearningRate),
	}, nil
}

// Summary describes the architecture in a few lines.
func (m *Model) Summary() string {
	s := m.cfg.ImageSize
	h, w, c := m.backbone.FeatureShape()
	k := len(m.cfg.ClassNames)
	var b strings.Builder
	fmt.Fprintf(&b, "input            (%d, %d, 3)\n", s, s)
	fmt.Fprintf(&b, "backbone         (%d, %d, %d)  frozen\n", h, w, c)
	fmt.Fprintf(&b, "avg pool         (%d)\n", c)
	fmt.Fprintf(&b, "dense            (%d)  params %d\n", k, c*k+k)
	fmt.Fprintf(&b, "backbone: %s, lr %g", m.backbone.Name(), m.cfg.LearningRate)
	return b.String()
}

func (m *Model) features(ctx context.Context, images [][]float32) (*mat.Dense, error) {
	in := make([][]float32, len(images))
	for i, px := range images {
		in[i] = preprocess(px)
	}
	fmaps, err := m.backbone.Extract(ctx, in)
	if err != nil {
		return nil, err
	}
	if len(fmaps) != len(images) {
		return nil, fmt.Errorf("backbone returned %d feature maps for %d images", len(fmaps), len(images))
	}
	x := mat.NewDense(len(fmaps), m.head.features, nil)
	for i, f := range fmaps {
		x.SetRow(i, pool(f, m.head.features))
	}
	return x, nil
}

func (m *Model) batch(ctx context.Context, b *dataset.Batch) (x, y *mat.Dense, err error) {
	images := make([][]float32, b.Len())
	y = mat.NewDense(b.Len(), m.head.classes, nil)
	for i, s := range b.Samples {
		if s.Label == nil {
			return nil, nil, fmt.Errorf("%w: %s has no label", config.ErrConfiguration, s.Path)
		}
		images[i] = s.Pixels
		for j, v := range s.Label {
			y.Set(i, j, float64(v))
		}
	}
	x, err = m.features(ctx, images)
	return x, y, err
}

// TrainEpoch runs one pass of gradient updates over data. onBatch, when
// set, is called after every batch.
func (m *Model) TrainEpoch(ctx context.Context, data *dataset.Loader, onBatch func()) (Metrics, error) {
	var loss float64
	var correct, n int
	err := data.Each(ctx, func(b *dataset.Batch) error {
		x, y, err := m.batch(ctx, b)
		if err != nil {
			return err
		}
		l, c, grad := crossEntropy(m.head.forward(x), y)
		dk, db := m.head.gradients(x, grad)
		m.opt.step(m.head.params(), [][]float64{dk, db})
		loss += l
		correct += c
		n += b.Len()
		if onBatch != nil {
			onBatch()
		}
		return nil
	})
	if err != nil {
		return Metrics{}, err
	}
	return newMetrics(loss, correct, n), nil
}

// Evaluate computes loss and accuracy over data without updating weights.
func (m *Model) Evaluate(ctx context.Context, data *dataset.Loader) (Metrics, error) {
	var loss float64
	var correct, n int
	err := data.Each(ctx, func(b *dataset.Batch) error {
		x, y, err := m.batch(ctx, b)
		if err != nil {
			return err
		}
		l, c, _ := crossEntropy(m.head.forward(x), y)
		loss += l
		correct += c
		n += b.Len()
		return nil
	})
	if err != nil {
		return Metrics{}, err
	}
	return newMetrics(loss, correct, n), nil
}

func newMetrics(loss float64, correct, n int) Metrics {
	if n == 0 {
		return Metrics{}
	}
	return Metrics{Loss: loss / float64(n), Accuracy: float64(correct) / float64(n), Samples: n}
}

// Predict returns the raw scores for every sample in data, each paired
// with the file it came from.
func (m *Model) Predict(ctx context.Context, data *dataset.Loader) ([]Prediction, error) {
	out := make([]Prediction, 0, data.Len())
	err := data.Each(ctx, func(b *dataset.Batch) error {
		images := make([][]float32, b.Len())
		for i, s := range b.Samples {
			images[i] = s.Pixels
		}
		scores, err := m.PredictPixels(ctx, images)
		if err != nil {
			return err
		}
		for i, s := range b.Samples {
			out = append(out, Prediction{Path: s.Path, Scores: scores[i]})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PredictPixels returns raw scores for already preprocessed images as
// produced by dataset.Preprocess.
func (m *Model) PredictPixels(ctx context.Context, images [][]float32) ([][]float64, error) {
	if len(images) == 0 {
		return nil, nil
	}
	x, err := m.features(ctx, images)
	if err != nil {
		return nil, err
	}
	logits := m.head.forward(x)
	out := make([][]float64, len(images))
	for i := range out {
		out[i] = append([]float64(nil), logits.RawRowView(i)...)
	}
	return out, nil
}

// Snapshot copies the current head weights.
func (m *Model) Snapshot() Weights {
	return m.head.weights()
}

// Restore replaces the head weights. Weights of another shape are rejected.
func (m *Model) Restore(w Weights) error {
	if !w.valid() || w.Features != m.head.features || w.Classes != m.head.classes {
		return fmt.Errorf("%w: weights for %dx%d head, model has %dx%d",
			config.ErrConfiguration, w.Features, w.Classes, m.head.features, m.head.classes)
	}
	m.head.set(w)
	return nil
}

// Checkpoint captures the current weights together with the architecture
// identifiers needed to validate a later load.
func (m *Model) Checkpoint() *Checkpoint {
	return &Checkpoint{
		ClassNames: m.cfg.Classes(),
		Backbone:   m.backbone.Name(),
		Weights:    m.Snapshot(),
	}
}

// LoadCheckpoint restores weights from c after checking it was produced by
// the same architecture and class vocabulary.
func (m *Model) LoadCheckpoint(c *Checkpoint) error {
	if c.Backbone != m.backbone.Name() {
		return fmt.Errorf("%w: checkpoint built on backbone %s, model uses %s",
			config.ErrConfiguration, c.Backbone, m.backbone.Name())
	}
	if !slices.Equal(c.ClassNames, m.cfg.ClassNames) {
		return fmt.Errorf("%w: checkpoint classes %v, model classes %v",
			config.ErrConfiguration, c.ClassNames, m.cfg.ClassNames)
	}
	return m.Restore(c.Weights)
}

// Close releases the backbone.
func (m *Model) Close() error {
	return m.backbone.Close()
}
