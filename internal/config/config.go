package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Layout is the memory order of the backbone's image and feature tensors.
type Layout string

const (
	NHWC Layout = "nhwc"
	NCHW Layout = "nchw"
)

// Backbone describes the frozen feature extractor exported to ONNX.
type Backbone struct {
	ModelPath     string
	SharedLibrary string
	InputName     string
	OutputName    string
	Layout        Layout
	// Channels and Stride give the feature map shape for an input of
	// ImageSize: (ImageSize/Stride) x (ImageSize/Stride) x Channels.
	Channels int
	Stride   int
}

// Config is the fixed set of hyperparameters and paths shared by the
// training and inference pipelines. It is passed by value; use Classes to
// get the class vocabulary. dataset.Open and model.Build keep their own
// copy of ClassNames.
type Config struct {
	ClassNames     []string
	ImageSize      int
	BatchSize      int
	Seed           int64
	LearningRate   float64
	MaxSamples     int
	DataDir        string
	CheckpointPath string
	PredictionsDir string
	DatabaseURL    string
	Port           string
	Backbone       Backbone
}

// Default returns the fixed model configuration.
func Default() Config {
	return Config{
		ClassNames:     []string{"cat", "dog", "muffin", "croissant"},
		ImageSize:      256,
		BatchSize:      8,
		Seed:           123,
		LearningRate:   1e-4,
		MaxSamples:     10_000,
		DataDir:        "./data",
		CheckpointPath: "best_model",
		PredictionsDir: "./predictions/",
		Port:           "8080",
		Backbone: Backbone{
			ModelPath:  "models/resnet50_conv2_block3.onnx",
			InputName:  "input",
			OutputName: "conv2_block3_out",
			Layout:     NHWC,
			Channels:   256,
			Stride:     4,
		},
	}
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	v := getEnv(k, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("ignoring %s=%q: %v", k, v, err)
		return def
	}
	return n
}

// FromEnv overlays environment settings on Default. A .env file in the
// working directory is read first when present.
func FromEnv() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("reading .env: %v", err)
	}
	c := Default()
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.CheckpointPath = getEnv("CHECKPOINT_PATH", c.CheckpointPath)
	c.PredictionsDir = getEnv("PREDICTIONS_DIR", c.PredictionsDir)
	c.DatabaseURL = getEnv("DATABASE_URL", "")
	c.Port = getEnv("PORT", c.Port)
	c.Backbone.ModelPath = getEnv("BACKBONE_MODEL", c.Backbone.ModelPath)
	c.Backbone.SharedLibrary = getEnv("ONNXRUNTIME_LIB", "")
	c.Backbone.InputName = getEnv("BACKBONE_INPUT", c.Backbone.InputName)
	c.Backbone.OutputName = getEnv("BACKBONE_OUTPUT", c.Backbone.OutputName)
	c.Backbone.Layout = Layout(strings.ToLower(getEnv("BACKBONE_LAYOUT", string(c.Backbone.Layout))))
	c.Backbone.Channels = getEnvInt("BACKBONE_CHANNELS", c.Backbone.Channels)
	c.Backbone.Stride = getEnvInt("BACKBONE_STRIDE", c.Backbone.Stride)
	return c
}

// Classes returns a copy of the class vocabulary in index order.
func (c Config) Classes() []string {
	return append([]string(nil), c.ClassNames...)
}

// ClassIndex returns the position of name in the vocabulary, or -1.
func (c Config) ClassIndex(name string) int {
	for i, n := range c.ClassNames {
		if n == name {
			return i
		}
	}
	return -1
}

// FeatureSize returns the spatial side of the backbone's feature map.
func (c Config) FeatureSize() int {
	return c.ImageSize / c.Backbone.Stride
}

// Validate checks the configuration for values no pipeline can run with.
func (c Config) Validate() error {
	if len(c.ClassNames) < 2 {
		return fmt.Errorf("%w: need at least two classes, got %d", ErrConfiguration, len(c.ClassNames))
	}
	seen := make(map[string]bool, len(c.ClassNames))
	for _, n := range c.ClassNames {
		if n == "" || seen[n] {
			return fmt.Errorf("%w: invalid or duplicate class name %q", ErrConfiguration, n)
		}
		seen[n] = true
	}
	if c.ImageSize <= 0 || c.BatchSize <= 0 {
		return fmt.Errorf("%w: image size %d and batch size %d must be positive", ErrConfiguration, c.ImageSize, c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning rate must be positive, got %g", ErrConfiguration, c.LearningRate)
	}
	if c.MaxSamples <= 0 {
		return fmt.Errorf("%w: sample cap must be positive, got %d", ErrConfiguration, c.MaxSamples)
	}
	b := c.Backbone
	if b.Layout != NHWC && b.Layout != NCHW {
		return fmt.Errorf("%w: unknown backbone layout %q", ErrConfiguration, b.Layout)
	}
	if b.Channels <= 0 || b.Stride <= 0 || c.ImageSize%b.Stride != 0 {
		return fmt.Errorf("%w: backbone channels %d / stride %d do not fit image size %d",
			ErrConfiguration, b.Channels, b.Stride, c.ImageSize)
	}
	return nil
}
