// Package training drives the fit loop: baseline evaluation, per-epoch
// training and validation, best-checkpoint persistence and early stopping.
package training

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/Brownie44l1/dcai-classifier/internal/config"
	"github.com/Brownie44l1/dcai-classifier/internal/dataset"
	"github.com/Brownie44l1/dcai-classifier/internal/model"
)

// Learner is the trainable model driven by the Controller.
type Learner interface {
	TrainEpoch(ctx context.Context, data *dataset.Loader, onBatch func()) (model.Metrics, error)
	Evaluate(ctx context.Context, data *dataset.Loader) (model.Metrics, error)
	Checkpoint() *model.Checkpoint
	LoadCheckpoint(c *model.Checkpoint) error
	Snapshot() model.Weights
	Restore(w model.Weights) error
}

// CheckpointStore persists the single best checkpoint of a run.
type CheckpointStore interface {
	Save(c *model.Checkpoint) error
	Load() (*model.Checkpoint, error)
}

// Splits are the datasets of one run.
type Splits struct {
	Train *dataset.Loader
	Val   *dataset.Loader
	Test  *dataset.Loader
}

// State is the phase the Controller is in.
type State int

const (
	Initialized State = iota
	EvaluatingBaseline
	Training
	EarlyStopped
	Completed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case EvaluatingBaseline:
		return "evaluating baseline"
	case Training:
		return "training"
	case EarlyStopped:
		return "early stopped"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options are the per-run settings from the command line.
type Options struct {
	Epochs int
	// Patience is the number of epochs without improvement tolerated
	// before stopping. Negative disables early stopping.
	Patience int
	// Progress shows a per-epoch progress bar on the output writer.
	Progress bool
}

// EpochStats records one completed epoch.
type EpochStats struct {
	Epoch     int
	Train     model.Metrics
	Val       model.Metrics
	Saved     bool
	BestSince int
	Elapsed   time.Duration
}

// Result summarises a run.
type Result struct {
	RunID     string
	State     State
	Epochs    int
	BestEpoch int
	BestVal   float64
	Saves     int
	Baseline  model.Metrics
	Final     model.Metrics
	Test      model.Metrics
	History   []EpochStats
}

// Controller runs training for one Learner.
type Controller struct {
	cfg     config.Config
	learner Learner
	store   CheckpointStore
	opts    Options
	out     io.Writer
	state   State
	runID   string
}

// NewController prepares a run. Metric lines and progress go to out.
func NewController(cfg config.Config, learner Learner, store CheckpointStore, opts Options, out io.Writer) *Controller {
	if out == nil {
		out = io.Discard
	}
	return &Controller{
		cfg:     cfg,
		learner: learner,
		store:   store,
		opts:    opts,
		out:     out,
		runID:   uuid.NewString(),
	}
}

// State returns the current phase.
func (c *Controller) State() State { return c.state }

// RunID identifies this run in logs and in the saved checkpoint.
func (c *Controller) RunID() string { return c.runID }

func (c *Controller) setState(s State) {
	log.Printf("run %s: %s -> %s", c.runID[:8], c.state, s)
	c.state = s
}

// CheckSize fails when the combined sample count exceeds limit. A total
// equal to limit is accepted.
func CheckSize(train, val, limit int) error {
	if total := train + val; total > limit {
		return fmt.Errorf("%w: dataset size larger than %d, got %d examples", config.ErrConfiguration, limit, total)
	}
	return nil
}

// earlyStop tracks the best validation accuracy for early stopping. It is
// seeded with the pre-training baseline.
type earlyStop struct {
	patience int
	best     float64
	bestAt   int
	weights  model.Weights
	wait     int
}

// update records epoch's accuracy and reports whether to stop.
func (e *earlyStop) update(epoch int, acc float64, snapshot func() model.Weights) bool {
	if acc > e.best {
		e.best, e.bestAt, e.wait = acc, epoch, 0
		e.weights = snapshot()
		return false
	}
	e.wait++
	return e.patience >= 0 && e.wait >= e.patience
}

// Run executes the full workflow and returns once the final evaluations
// have been reported.
func (c *Controller) Run(ctx context.Context, data Splits) (*Result, error) {
	if err := CheckSize(data.Train.Len(), data.Val.Len(), c.cfg.MaxSamples); err != nil {
		return nil, err
	}
	if data.Train.Len() == 0 || data.Val.Len() == 0 {
		return nil, fmt.Errorf("%w: empty split: %d training and %d validation samples",
			config.ErrConfiguration, data.Train.Len(), data.Val.Len())
	}
	res := &Result{RunID: c.runID}

	c.setState(EvaluatingBaseline)
	baseline, err := c.learner.Evaluate(ctx, data.Val)
	if err != nil {
		return nil, fmt.Errorf("baseline evaluation: %w", err)
	}
	res.Baseline = baseline
	fmt.Fprintf(c.out, "loss %v, acc %v\n", baseline.Loss, baseline.Accuracy)

	stop := &earlyStop{
		patience: c.opts.Patience,
		best:     baseline.Accuracy,
		weights:  c.learner.Snapshot(),
	}
	bestVal, saved := 0.0, false

	c.setState(Training)
	start := time.Now()
	for epoch := 1; epoch <= c.opts.Epochs; epoch++ {
		onBatch, done := c.progress(epoch, data.Train.Batches())
		trainM, err := c.learner.TrainEpoch(ctx, data.Train, onBatch)
		done()
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		valM, err := c.learner.Evaluate(ctx, data.Val)
		if err != nil {
			return nil, fmt.Errorf("epoch %d validation: %w", epoch, err)
		}

		s := EpochStats{Epoch: epoch, Train: trainM, Val: valM, Elapsed: time.Since(start)}
		if !saved || valM.Accuracy > bestVal {
			ckpt := c.learner.Checkpoint()
			ckpt.RunID = c.runID
			ckpt.Epoch = epoch
			ckpt.ValAccuracy = valM.Accuracy
			ckpt.ValLoss = valM.Loss
			ckpt.Created = time.Now()
			if err := c.store.Save(ckpt); err != nil {
				return nil, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			bestVal, saved = valM.Accuracy, true
			res.BestEpoch, res.BestVal = epoch, valM.Accuracy
			res.Saves++
			s.Saved = true
		}
		halt := stop.update(epoch, valM.Accuracy, c.learner.Snapshot)
		s.BestSince = epoch - stop.bestAt
		res.History = append(res.History, s)
		res.Epochs = epoch
		c.logEpoch(s)

		if halt {
			fmt.Fprintf(c.out, "early stopping after epoch %d, best val acc %.4f at epoch %d\n", epoch, stop.best, stop.bestAt)
			if err := c.learner.Restore(stop.weights); err != nil {
				return nil, fmt.Errorf("restore best weights: %w", err)
			}
			c.setState(EarlyStopped)
			break
		}
	}
	if c.state != EarlyStopped {
		c.setState(Completed)
	}
	res.State = c.state

	if res.Saves > 0 {
		ckpt, err := c.store.Load()
		if err != nil {
			return nil, fmt.Errorf("reload best checkpoint: %w", err)
		}
		if err := c.learner.LoadCheckpoint(ckpt); err != nil {
			return nil, fmt.Errorf("reload best checkpoint: %w", err)
		}
	} else {
		log.Printf("run %s: no epochs ran, nothing saved", c.runID[:8])
	}

	if res.Final, err = c.learner.Evaluate(ctx, data.Val); err != nil {
		return nil, fmt.Errorf("final validation: %w", err)
	}
	fmt.Fprintf(c.out, "final loss %v, final acc %v\n", res.Final.Loss, res.Final.Accuracy)

	if data.Test != nil {
		if res.Test, err = c.learner.Evaluate(ctx, data.Test); err != nil {
			return nil, fmt.Errorf("test evaluation: %w", err)
		}
		fmt.Fprintf(c.out, "test loss %v, test acc %v\n", res.Test.Loss, res.Test.Accuracy)
	}
	return res, nil
}

func (c *Controller) progress(epoch, batches int) (onBatch func(), done func()) {
	if !c.opts.Progress {
		return nil, func() {}
	}
	bar := progressbar.NewOptions(batches,
		progressbar.OptionSetWriter(c.out),
		progressbar.OptionSetDescription(fmt.Sprintf("epoch %d/%d", epoch, c.opts.Epochs)),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	return func() { bar.Add(1) }, func() { bar.Finish() }
}

func (c *Controller) logEpoch(s EpochStats) {
	msg := fmt.Sprintf("epoch %3d: loss %7.4f  acc %6.2f%%  val loss %7.4f  val acc %6.2f%%",
		s.Epoch, s.Train.Loss, s.Train.Accuracy*100, s.Val.Loss, s.Val.Accuracy*100)
	if s.Saved {
		msg += "  [saved]"
	} else {
		msg += fmt.Sprintf("  [%d]", s.BestSince)
	}
	fmt.Fprintln(c.out, msg)
}
