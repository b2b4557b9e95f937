package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/Brownie44l1/dcai-classifier/internal/config"
	"github.com/Brownie44l1/dcai-classifier/internal/dataset"
	"github.com/Brownie44l1/dcai-classifier/internal/inference"
	"github.com/Brownie44l1/dcai-classifier/internal/model"
	"github.com/Brownie44l1/dcai-classifier/internal/store"
)

// parseArgs returns the image directory named by the single positional
// argument. Usage goes to out when the argument is missing.
func parseArgs(args []string, out io.Writer) (string, error) {
	fs := flag.NewFlagSet("infer", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprintln(out, "Usage: infer <test-image-dir>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return "", fmt.Errorf("%w: expected one image directory, got %d arguments", config.ErrConfiguration, fs.NArg())
	}
	return fs.Arg(0), nil
}

func main() {
	dir, err := parseArgs(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Print(err)
		os.Exit(1)
	}
	cfg := config.FromEnv()
	ctx := context.Background()

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

	ckpt, err := model.ReadCheckpoint(cfg.CheckpointPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := m.LoadCheckpoint(ckpt); err != nil {
		log.Fatal(err)
	}

	data, err := dataset.Open(cfg, dir, dataset.Options{CropToAspect: true})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("loaded %s", data)

	sinks := []inference.Sink{inference.DirSink{Dir: cfg.PredictionsDir}}
	if cfg.DatabaseURL != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal(err)
		}
		defer db.Close()
		repo := store.NewReportRepo(db, ckpt.RunID)
		if err := repo.EnsureSchema(ctx); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
		sinks = append(sinks, repo)
	}

	sum, err := inference.NewReporter(cfg, m, sinks...).Run(ctx, data)
	if err != nil {
		m.Close()
		log.Fatal(err)
	}
	log.Print(sum)
}
