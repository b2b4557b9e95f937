package inference

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/Brownie44l1/dcai-classifier/internal/config"
	"github.com/Brownie44l1/dcai-classifier/internal/dataset"
	"github.com/Brownie44l1/dcai-classifier/internal/model"
)

// Predictor produces scores for every image of a loader.
type Predictor interface {
	Predict(ctx context.Context, data *dataset.Loader) ([]model.Prediction, error)
}

// Sink receives one report per image. name is the source file's base name.
type Sink interface {
	Put(ctx context.Context, name string, r Report) error
}

// DirSink writes <name>.json into Dir. The directory must already exist.
type DirSink struct {
	Dir string
}

func (s DirSink) Put(ctx context.Context, name string, r Report) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.Dir, name+".json"), data, 0o644)
}

// Summary counts the outcome of a run.
type Summary struct {
	Total   int
	Written int
	Failed  int
}

func (s Summary) String() string {
	return fmt.Sprintf("%d images, %d reports written, %d failed", s.Total, s.Written, s.Failed)
}

// Reporter runs one prediction pass and fans the reports out to its sinks.
type Reporter struct {
	cfg       config.Config
	predictor Predictor
	sinks     []Sink
}

func NewReporter(cfg config.Config, predictor Predictor, sinks ...Sink) *Reporter {
	return &Reporter{cfg: cfg, predictor: predictor, sinks: sinks}
}

// Run predicts every image in data before writing anything. A prediction
// failure aborts the run; a failure to hash or store one report is logged
// and counted, and the remaining images are still processed. Reports are
// named by file base name, so a later image whose name was already used
// is counted as failed rather than overwriting the earlier report.
func (r *Reporter) Run(ctx context.Context, data *dataset.Loader) (Summary, error) {
	preds, err := r.predictor.Predict(ctx, data)
	if err != nil {
		return Summary{}, fmt.Errorf("predict %s: %w", data.Root(), err)
	}
	classes := r.cfg.Classes()
	sum := Summary{Total: len(preds)}
	used := make(map[string]string, len(preds))
	for _, p := range preds {
		name := filepath.Base(p.Path)
		if first, ok := used[name]; ok {
			log.Printf("%s: report %s.json already taken by %s, skipping", p.Path, name, first)
			sum.Failed++
			continue
		}
		used[name] = p.Path
		if err := r.report(ctx, name, p, classes); err != nil {
			log.Printf("%s: %v", p.Path, err)
			sum.Failed++
			continue
		}
		sum.Written++
	}
	return sum, nil
}

func (r *Reporter) report(ctx context.Context, name string, p model.Prediction, classes []string) error {
	digest, err := HashFile(p.Path)
	if err != nil {
		return err
	}
	rep, err := NewReport(p.Scores, classes, digest)
	if err != nil {
		return err
	}
	var failed error
	for _, s := range r.sinks {
		if err := s.Put(ctx, name, rep); err != nil {
			log.Printf("%s: sink %T: %v", p.Path, s, err)
			failed = err
		}
	}
	return failed
}
