// Package train fits a GPT model to a token stream with manual
// backpropagation, an Adam or SGD optimizer, warmup-plus-cosine learning
// rate scheduling and global-norm gradient clipping.
package train

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gptlab/gptlab/pkg/model"
	"github.com/gptlab/gptlab/pkg/tensor"
)

// Options configures a training run.
type Options struct {
	Epochs       int
	LearningRate float64
	MinLR        float64
	WarmupSteps  int
	WeightDecay  float64
	ClipNorm     float64
	ValFraction  float64
	Seed         int64
	EvalEvery    int // steps between validation passes; 0 means per epoch only
	LogEvery     int // steps between progress log lines
}

// DefaultOptions returns settings that train a small model sensibly.
func DefaultOptions() Options {
	return Options{
		Epochs:       10,
		LearningRate: 3e-4,
		MinLR:        3e-5,
		WarmupSteps:  100,
		WeightDecay:  0.01,
		ClipNorm:     1.0,
		ValFraction:  0.1,
		Seed:         42,
		LogEvery:     10,
	}
}

// Trainer runs the optimization loop for one model.
type Trainer struct {
	model *model.GPT
	opt   Optimizer
	sched *Scheduler
	opts  Options
	log   *logrus.Logger

	params []Param
	rng    *rand.Rand
	step   int
}

// New builds a Trainer around an existing model. A nil logger disables
// progress output.
func New(m *model.GPT, opt Optimizer, opts Options, log *logrus.Logger) *Trainer {
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.PanicLevel)
	}
	return &Trainer{
		model:  m,
		opt:    opt,
		opts:   opts,
		log:    log,
		params: Params(m.Parameters()),
		rng:    rand.New(rand.NewSource(opts.Seed)),
	}
}

// Params adapts model tensors to the optimizer's parameter view.
func Params(tensors []*tensor.Tensor) []Param {
	out := make([]Param, len(tensors))
	for i, t := range tensors {
		out[i] = tensorParam{t}
	}
	return out
}

type tensorParam struct{ t *tensor.Tensor }

func (p tensorParam) Data() []float64 { return p.t.Data() }
func (p tensorParam) Grad() []float64 { return p.t.EnsureGrad() }

// StepResult reports one optimization step.
type StepResult struct {
	Step     int
	Loss     float64
	GradNorm float64
	LR       float64
}

// Step runs one forward/backward/update cycle on a single example.
func (tr *Trainer) Step(ex Example, lr float64) (StepResult, error) {
	for _, p := range tr.params {
		grad := p.Grad()
		for i := range grad {
			grad[i] = 0
		}
	}

	logits, cache := tr.model.ForwardWithCache(ex.Input, tr.rng)
	loss, err := CrossEntropyLoss(logits, ex.Target)
	if err != nil {
		return StepResult{}, err
	}
	gradLogits := CrossEntropyBackward(logits, ex.Target)
	tr.model.Backward(gradLogits, cache)

	norm := ClipGradients(tr.params, tr.opts.ClipNorm)
	tr.opt.Update(tr.params, lr)

	tr.step++
	return StepResult{Step: tr.step, Loss: loss, GradNorm: norm, LR: lr}, nil
}

// Result summarizes a completed training run.
type Result struct {
	Steps     int
	FinalLoss float64
	ValLoss   float64
	Elapsed   time.Duration
}

// Run trains for the configured number of epochs over the token stream,
// shuffling windows each epoch and validating on a held-out tail. The
// context cancels the run between steps.
func (tr *Trainer) Run(ctx context.Context, ids []int, seqLen int) (Result, error) {
	examples := Windows(ids, seqLen)
	if len(examples) == 0 {
		return Result{}, fmt.Errorf("train: corpus too short for window length %d", seqLen)
	}
	trainSet, valSet := Split(examples, tr.opts.ValFraction)

	totalSteps := tr.opts.Epochs * len(trainSet)
	tr.sched = &Scheduler{
		MaxLR:       tr.opts.LearningRate,
		MinLR:       tr.opts.MinLR,
		WarmupSteps: tr.opts.WarmupSteps,
		TotalSteps:  totalSteps,
	}

	tr.log.WithFields(logrus.Fields{
		"examples":    len(trainSet),
		"validation":  len(valSet),
		"epochs":      tr.opts.Epochs,
		"total_steps": totalSteps,
	}).Info("starting training")

	start := time.Now()
	var last StepResult
	for epoch := 0; epoch < tr.opts.Epochs; epoch++ {
		Shuffle(trainSet, tr.rng)
		epochLoss := 0.0
		for _, ex := range trainSet {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			default:
			}

			res, err := tr.Step(ex, tr.sched.LR(tr.step))
			if err != nil {
				return Result{}, err
			}
			last = res
			epochLoss += res.Loss

			if tr.opts.LogEvery > 0 && res.Step%tr.opts.LogEvery == 0 {
				tr.log.WithFields(logrus.Fields{
					"step":      res.Step,
					"loss":      fmt.Sprintf("%.4f", res.Loss),
					"grad_norm": fmt.Sprintf("%.3f", res.GradNorm),
					"lr":        fmt.Sprintf("%.2e", res.LR),
				}).Info("train step")
			}
			if tr.opts.EvalEvery > 0 && res.Step%tr.opts.EvalEvery == 0 && len(valSet) > 0 {
				valLoss := tr.Evaluate(valSet)
				tr.log.WithFields(logrus.Fields{
					"step":     res.Step,
					"val_loss": fmt.Sprintf("%.4f", valLoss),
				}).Info("validation")
			}
		}

		tr.log.WithFields(logrus.Fields{
			"epoch": epoch + 1,
			"loss":  fmt.Sprintf("%.4f", epochLoss/float64(len(trainSet))),
		}).Info("epoch complete")
	}

	result := Result{
		Steps:     tr.step,
		FinalLoss: last.Loss,
		Elapsed:   time.Since(start),
	}
	if len(valSet) > 0 {
		result.ValLoss = tr.Evaluate(valSet)
		tr.log.WithField("val_loss", fmt.Sprintf("%.4f", result.ValLoss)).Info("training complete")
	}
	return result, nil
}

// Evaluate returns the mean loss over examples without touching gradients
// or dropout.
func (tr *Trainer) Evaluate(examples []Example) float64 {
	if len(examples) == 0 {
		return 0
	}
	total := 0.0
	for _, ex := range examples {
		logits := tr.model.Forward(ex.Input)
		loss, err := CrossEntropyLoss(logits, ex.Target)
		if err != nil {
			continue
		}
		total += loss
	}
	return total / float64(len(examples))
}
