// Package modeltest provides an in-memory backbone for tests that must not
// depend on onnxruntime.
package modeltest

import (
	"context"
	"fmt"

	"github.com/Brownie44l1/dcai-classifier/internal/config"
)

// Backbone produces H x W x C feature maps in which channel k holds the
// mean of input channel k%3, scaled down by 255. Calls counts Extract calls.
type Backbone struct {
	H, W, C int
	Err     error
	Calls   int
}

// ForConfig returns a Backbone whose feature shape matches cfg.
func ForConfig(cfg config.Config) *Backbone {
	fs := cfg.FeatureSize()
	return &Backbone{H: fs, W: fs, C: cfg.Backbone.Channels}
}

func (b *Backbone) Name() string { return fmt.Sprintf("fake[%dx%dx%d]", b.H, b.W, b.C) }

func (b *Backbone) FeatureShape() (h, w, c int) { return b.H, b.W, b.C }

func (b *Backbone) Extract(ctx context.Context, images [][]float32) ([][]float32, error) {
	b.Calls++
	if b.Err != nil {
		return nil, b.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(images))
	for i, px := range images {
		var mean [3]float32
		for j, v := range px {
			mean[j%3] += v
		}
		for k := range mean {
			mean[k] /= float32(len(px)/3) * 255
		}
		f := make([]float32, b.H*b.W*b.C)
		for j := range f {
			f[j] = mean[(j%b.C)%3]
		}
		out[i] = f
	}
	return out, nil
}

func (b *Backbone) Close() error { return nil }
