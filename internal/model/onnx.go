package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/dcai-classifier/internal/config"
)

// ONNXBackbone runs the truncated ResNet50 exported to ONNX. Input and
// output tensors are allocated once for a full batch; shorter batches are
// zero padded.
type ONNXBackbone struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	layout       config.Layout
	batch        int
	size         int
	fh, fw, fc   int
	name         string
}

func NewONNXBackbone(cfg config.Config) (*ONNXBackbone, error) {
	b := cfg.Backbone
	if b.SharedLibrary != "" {
		ort.SetSharedLibraryPath(b.SharedLibrary)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	n, s := int64(cfg.BatchSize), int64(cfg.ImageSize)
	fs, c := int64(cfg.FeatureSize()), int64(b.Channels)
	inputShape := ort.NewShape(n, s, s, 3)
	outputShape := ort.NewShape(n, fs, fs, c)
	if b.Layout == config.NCHW {
		inputShape = ort.NewShape(n, 3, s, s)
		outputShape = ort.NewShape(n, c, fs, fs)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(b.ModelPath,
		[]string{b.InputName}, []string{b.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("%w: backbone %s does not match %v -> %v: %v",
			config.ErrConfiguration, b.ModelPath, inputShape, outputShape, err)
	}

	return &ONNXBackbone{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		layout:       b.Layout,
		batch:        cfg.BatchSize,
		size:         cfg.ImageSize,
		fh:           int(fs),
		fw:           int(fs),
		fc:           int(c),
		name:         fmt.Sprintf("%s[%dx%dx%d]", b.OutputName, fs, fs, c),
	}, nil
}

func (o *ONNXBackbone) Name() string { return o.name }

func (o *ONNXBackbone) FeatureShape() (h, w, c int) { return o.fh, o.fw, o.fc }

// Extract runs the backbone over images in chunks of one batch.
func (o *ONNXBackbone) Extract(ctx context.Context, images [][]float32) ([][]float32, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	inSize := o.size * o.size * 3
	outSize := o.fh * o.fw * o.fc
	out := make([][]float32, 0, len(images))
	for start := 0; start < len(images); start += o.batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk := images[start:min(start+o.batch, len(images))]

		in := o.inputTensor.GetData()
		clear(in)
		for i, px := range chunk {
			if len(px) != inSize {
				return nil, fmt.Errorf("image %d has %d values, want %d", start+i, len(px), inSize)
			}
			dst := in[i*inSize : (i+1)*inSize]
			if o.layout == config.NCHW {
				hwcToCHW(px, dst, o.size, o.size, 3)
			} else {
				copy(dst, px)
			}
		}

		if err := o.session.Run(); err != nil {
			return nil, fmt.Errorf("backbone inference failed: %w", err)
		}

		res := o.outputTensor.GetData()
		for i := range chunk {
			f := make([]float32, outSize)
			src := res[i*outSize : (i+1)*outSize]
			if o.layout == config.NCHW {
				chwToHWC(src, f, o.fh, o.fw, o.fc)
			} else {
				copy(f, src)
			}
			out = append(out, f)
		}
	}
	return out, nil
}

func (o *ONNXBackbone) Close() error {
	if o.inputTensor != nil {
		o.inputTensor.Destroy()
	}
	if o.outputTensor != nil {
		o.outputTensor.Destroy()
	}
	if o.session != nil {
		o.session.Destroy()
	}
	return ort.DestroyEnvironment()
}

func hwcToCHW(src, dst []float32, h, w, c int) {
	plane := h * w
	for p := 0; p < plane; p++ {
		for ch := 0; ch < c; ch++ {
			dst[ch*plane+p] = src[p*c+ch]
		}
	}
}

func chwToHWC(src, dst []float32, h, w, c int) {
	plane := h * w
	for ch := 0; ch < c; ch++ {
		for p := 0; p < plane; p++ {
			dst[p*c+ch] = src[ch*plane+p]
		}
	}
}
