package model

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Brownie44l1/dcai-classifier/internal/config"
)

const checkpointFormat = "dcai-head/1"

// Checkpoint is a persisted snapshot of the head weights and the
// validation result of the epoch that produced it.
type Checkpoint struct {
	RunID       string
	Epoch       int
	ValAccuracy float64
	ValLoss     float64
	ClassNames  []string
	Backbone    string
	Created     time.Time
	Weights     Weights
}

// Field numbers of the checkpoint record.
const (
	fieldFormat protowire.Number = iota + 1
	fieldRunID
	fieldEpoch
	fieldValAccuracy
	fieldValLoss
	fieldClassName
	fieldBackbone
	fieldCreated
	fieldFeatures
	fieldClasses
	fieldKernel
	fieldBias
)

func appendDoubles(b []byte, num protowire.Number, v []float64) []byte {
	packed := make([]byte, 0, 8*len(v))
	for _, f := range v {
		packed = protowire.AppendFixed64(packed, math.Float64bits(f))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func consumeDoubles(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("packed doubles of length %d", len(b))
	}
	out := make([]float64, 0, len(b)/8)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float64frombits(v))
		b = b[n:]
	}
	return out, nil
}

// EncodeCheckpoint serialises c in protobuf wire format.
func EncodeCheckpoint(c *Checkpoint) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldFormat, protowire.BytesType)
	b = protowire.AppendString(b, checkpointFormat)
	b = protowire.AppendTag(b, fieldRunID, protowire.BytesType)
	b = protowire.AppendString(b, c.RunID)
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Epoch))
	b = protowire.AppendTag(b, fieldValAccuracy, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(c.ValAccuracy))
	b = protowire.AppendTag(b, fieldValLoss, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(c.ValLoss))
	for _, name := range c.ClassNames {
		b = protowire.AppendTag(b, fieldClassName, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	b = protowire.AppendTag(b, fieldBackbone, protowire.BytesType)
	b = protowire.AppendString(b, c.Backbone)
	b = protowire.AppendTag(b, fieldCreated, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Created.Unix()))
	b = protowire.AppendTag(b, fieldFeatures, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Weights.Features))
	b = protowire.AppendTag(b, fieldClasses, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Weights.Classes))
	b = appendDoubles(b, fieldKernel, c.Weights.Kernel)
	b = appendDoubles(b, fieldBias, c.Weights.Bias)
	return b
}

// DecodeCheckpoint parses a record written by EncodeCheckpoint. Unknown
// fields are skipped; a missing or foreign format tag is rejected.
func DecodeCheckpoint(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	var format string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch {
		case typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n < 0 {
				break
			}
			switch num {
			case fieldFormat:
				format = string(v)
			case fieldRunID:
				c.RunID = string(v)
			case fieldClassName:
				c.ClassNames = append(c.ClassNames, string(v))
			case fieldBackbone:
				c.Backbone = string(v)
			case fieldKernel:
				c.Weights.Kernel, err = consumeDoubles(v)
			case fieldBias:
				c.Weights.Bias, err = consumeDoubles(v)
			}
		case typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			switch num {
			case fieldEpoch:
				c.Epoch = int(v)
			case fieldCreated:
				c.Created = time.Unix(int64(v), 0)
			case fieldFeatures:
				c.Weights.Features = int(v)
			case fieldClasses:
				c.Weights.Classes = int(v)
			}
		case typ == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			switch num {
			case fieldValAccuracy:
				c.ValAccuracy = math.Float64frombits(v)
			case fieldValLoss:
				c.ValLoss = math.Float64frombits(v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, malformed(protowire.ParseError(n))
		}
		if err != nil {
			return nil, malformed(err)
		}
		b = b[n:]
	}
	if format != checkpointFormat {
		return nil, fmt.Errorf("%w: checkpoint format %q, want %q", config.ErrConfiguration, format, checkpointFormat)
	}
	if !c.Weights.valid() {
		return nil, fmt.Errorf("%w: checkpoint holds %d kernel and %d bias values for a %dx%d head",
			config.ErrConfiguration, len(c.Weights.Kernel), len(c.Weights.Bias), c.Weights.Features, c.Weights.Classes)
	}
	return c, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: malformed checkpoint: %v", config.ErrConfiguration, err)
}

// WriteCheckpoint replaces the file at path with c. The record is written
// to a temporary file in the same directory and renamed into place.
func WriteCheckpoint(path string, c *Checkpoint) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	if _, err := tmp.Write(EncodeCheckpoint(c)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// ReadCheckpoint loads the checkpoint at path.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read checkpoint: %v", config.ErrConfiguration, err)
	}
	c, err := DecodeCheckpoint(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// CheckpointFile stores checkpoints at a fixed path, overwriting in place.
type CheckpointFile struct {
	Path string
}

func (f CheckpointFile) Save(c *Checkpoint) error { return WriteCheckpoint(f.Path, c) }

func (f CheckpointFile) Load() (*Checkpoint, error) { return ReadCheckpoint(f.Path) }
