package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/Brownie44l1/dcai-classifier/internal/config"
	"github.com/Brownie44l1/dcai-classifier/internal/dataset"
	"github.com/Brownie44l1/dcai-classifier/internal/model"
	"github.com/Brownie44l1/dcai-classifier/internal/training"
)

// args are the command line settings of one training run.
type args struct {
	opts training.Options
	seed int64
	plot string
}

// parseArgs reads the training flags. Defaults are 100 epochs, patience 20
// and the configured seed.
func parseArgs(argv []string, cfg config.Config, out io.Writer) (args, error) {
	a := args{opts: training.Options{Epochs: 100, Patience: 20}, seed: cfg.Seed}
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.IntVar(&a.opts.Epochs, "epochs", a.opts.Epochs, "number of training epochs")
	fs.IntVar(&a.opts.Epochs, "e", a.opts.Epochs, "shorthand for -epochs")
	fs.IntVar(&a.opts.Patience, "patience", a.opts.Patience, "early stopping patience, negative disables")
	fs.IntVar(&a.opts.Patience, "p", a.opts.Patience, "shorthand for -patience")
	fs.Int64Var(&a.seed, "seed", a.seed, "random number seed")
	fs.Int64Var(&a.seed, "s", a.seed, "shorthand for -seed")
	fs.BoolVar(&a.opts.Progress, "progress", true, "show a progress bar per epoch")
	fs.StringVar(&a.plot, "plot", "", "write the training history chart to this SVG file")
	if err := fs.Parse(argv); err != nil {
		return args{}, err
	}
	if fs.NArg() > 0 {
		return args{}, fmt.Errorf("%w: unexpected arguments %v", config.ErrConfiguration, fs.Args())
	}
	if a.opts.Epochs < 0 {
		return args{}, fmt.Errorf("%w: epochs must not be negative, got %d", config.ErrConfiguration, a.opts.Epochs)
	}
	return a, nil
}

func main() {
	cfg := config.FromEnv()
	a, err := parseArgs(os.Args[1:], cfg, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatal(err)
	}
	cfg.Seed = a.seed
	opts, plotPath := a.opts, a.plot

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	split := func(name string, shuffle bool) *dataset.Loader {
		l, err := dataset.Open(cfg, filepath.Join(cfg.DataDir, name), dataset.Options{
			Labeled:      true,
			Shuffle:      shuffle,
			CropToAspect: true,
		})
		if err != nil {
			log.Fatalf("load %s: %v", name, err)
		}
		fmt.Println(l)
		return l
	}
	data := training.Splits{
		Train: split("train", true),
		Val:   split("val", false),
		Test:  split("labelbook", false),
	}

	backbone, err := model.NewONNXBackbone(cfg)
	if err != nil {
		log.Fatal(err)
	}
	m, err := model.Build(cfg, backbone)
	if err != nil {
		backbone.Close()
		log.Fatal(err)
	}
	defer m.Close()
	fmt.Println(m.Summary())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ctrl := training.NewController(cfg, m, model.CheckpointFile{Path: cfg.CheckpointPath}, opts, os.Stdout)
	res, err := ctrl.Run(ctx, data)
	if err != nil {
		m.Close()
		log.Fatalf("run %s: %v", ctrl.RunID(), err)
	}
	log.Printf("run %s %s after %d epochs, best val acc %.4f at epoch %d, %d checkpoint writes",
		res.RunID, res.State, res.Epochs, res.BestVal, res.BestEpoch, res.Saves)

	if plotPath != "" {
		if err := training.SaveHistoryPlot(plotPath, res.History); err != nil {
			log.Printf("plot: %v", err)
		}
	}
}
