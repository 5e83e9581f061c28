package train

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/gptlab/gptlab/pkg/model"
	"github.com/gptlab/gptlab/pkg/tensor"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestCrossEntropyUniformLogits(t *testing.T) {
	// All-zero logits are a uniform distribution, so the loss must be
	// log(vocabSize) regardless of the targets.
	vocab := 8
	logits := tensor.New(4, vocab)
	loss, err := CrossEntropyLoss(logits, []int{0, 3, 5, 7})
	if err != nil {
		t.Fatal(err)
	}
	want := math.Log(float64(vocab))
	if math.Abs(loss-want) > 1e-12 {
		t.Fatalf("uniform loss = %v, want %v", loss, want)
	}
}

func TestCrossEntropyPerfectPrediction(t *testing.T) {
	logits := tensor.New(2, 4)
	logits.Set(100, 0, 1)
	logits.Set(100, 1, 2)
	loss, err := CrossEntropyLoss(logits, []int{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if loss > 1e-9 {
		t.Fatalf("near-certain prediction has loss %v", loss)
	}
}

func TestCrossEntropyErrors(t *testing.T) {
	logits := tensor.New(2, 4)
	if _, err := CrossEntropyLoss(logits, []int{0}); err == nil {
		t.Fatal("expected error for target count mismatch")
	}
	if _, err := CrossEntropyLoss(logits, []int{0, 9}); err == nil {
		t.Fatal("expected error for out-of-vocab target")
	}
}

func TestCrossEntropyBackwardNumericalGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	logits := tensor.NewRand(rng, 1.0, 3, 5)
	targets := []int{2, 0, 4}

	grad := CrossEntropyBackward(logits, targets)

	const h = 1e-6
	for i := range logits.Data() {
		orig := logits.Data()[i]
		logits.Data()[i] = orig + h
		up, _ := CrossEntropyLoss(logits, targets)
		logits.Data()[i] = orig - h
		down, _ := CrossEntropyLoss(logits, targets)
		logits.Data()[i] = orig

		numeric := (up - down) / (2 * h)
		if math.Abs(grad.Data()[i]-numeric) > 1e-5 {
			t.Fatalf("grad[%d]: analytic %v, numeric %v", i, grad.Data()[i], numeric)
		}
	}
}

func TestClipGradients(t *testing.T) {
	a := tensor.New(2, 2)
	copy(a.EnsureGrad(), []float64{3, 4, 0, 0}) // norm 5
	params := Params([]*tensor.Tensor{a})

	norm := ClipGradients(params, 1.0)
	if math.Abs(norm-5) > 1e-12 {
		t.Fatalf("reported norm %v, want 5", norm)
	}
	clipped := 0.0
	for _, g := range a.Grad() {
		clipped += g * g
	}
	if math.Abs(math.Sqrt(clipped)-1) > 1e-12 {
		t.Fatalf("clipped norm %v, want 1", math.Sqrt(clipped))
	}

	// Below the threshold gradients are untouched.
	copy(a.Grad(), []float64{0.3, 0.4, 0, 0})
	ClipGradients(params, 1.0)
	if a.Grad()[0] != 0.3 || a.Grad()[1] != 0.4 {
		t.Fatal("gradients below the threshold were modified")
	}
}

func TestSchedulerWarmupAndDecay(t *testing.T) {
	s := &Scheduler{MaxLR: 1.0, MinLR: 0.1, WarmupSteps: 10, TotalSteps: 110}

	if lr := s.LR(0); lr <= 0 || lr > 0.1+1e-12 {
		t.Fatalf("first warmup step lr = %v", lr)
	}
	if lr := s.LR(9); math.Abs(lr-1.0) > 1e-12 {
		t.Fatalf("end of warmup lr = %v, want max", lr)
	}
	// Monotone decay after warmup.
	prev := s.LR(10)
	for step := 11; step < 110; step++ {
		lr := s.LR(step)
		if lr > prev+1e-12 {
			t.Fatalf("lr increased during decay at step %d: %v -> %v", step, prev, lr)
		}
		prev = lr
	}
	if lr := s.LR(500); math.Abs(lr-0.1) > 1e-9 {
		t.Fatalf("lr after schedule end = %v, want min", lr)
	}
}

func TestSGDStep(t *testing.T) {
	a := tensor.New(1, 2)
	a.Data()[0], a.Data()[1] = 1, 2
	copy(a.EnsureGrad(), []float64{0.5, -0.5})

	NewSGD(0).Update(Params([]*tensor.Tensor{a}), 0.1)
	if math.Abs(a.Data()[0]-0.95) > 1e-12 || math.Abs(a.Data()[1]-2.05) > 1e-12 {
		t.Fatalf("sgd update produced %v", a.Data())
	}
}

func TestAdamMovesAgainstGradient(t *testing.T) {
	a := tensor.New(1, 2)
	a.Data()[0], a.Data()[1] = 1, -1
	params := Params([]*tensor.Tensor{a})

	adam := NewAdam(0)
	for i := 0; i < 5; i++ {
		copy(a.EnsureGrad(), []float64{1, -1})
		adam.Update(params, 0.01)
	}
	if a.Data()[0] >= 1 {
		t.Fatalf("positive gradient did not decrease parameter: %v", a.Data()[0])
	}
	if a.Data()[1] <= -1 {
		t.Fatalf("negative gradient did not increase parameter: %v", a.Data()[1])
	}
}

func TestWindows(t *testing.T) {
	ids := []int{0, 1, 2, 3, 4, 5, 6, 7, 8}
	ws := Windows(ids, 4)
	if len(ws) != 2 {
		t.Fatalf("got %d windows, want 2", len(ws))
	}
	for _, w := range ws {
		for i := range w.Input {
			if w.Target[i] != w.Input[i]+1 {
				t.Fatal("target is not the input shifted by one")
			}
		}
	}
	if got := Windows([]int{1, 2}, 4); got != nil {
		t.Fatalf("short stream produced %d windows", len(got))
	}
}

func TestSplit(t *testing.T) {
	examples := make([]Example, 10)
	tr, val := Split(examples, 0.2)
	if len(tr) != 8 || len(val) != 2 {
		t.Fatalf("split 10 at 0.2 gave %d/%d", len(tr), len(val))
	}
	tr, val = Split(examples[:1], 0.5)
	if len(tr) != 1 || len(val) != 0 {
		t.Fatalf("single example split gave %d/%d", len(tr), len(val))
	}
}

// A tiny model trained on a tiny repeating stream must reduce its loss.
func TestTrainingReducesLoss(t *testing.T) {
	cfg := model.Config{
		VocabSize: 8,
		SeqLen:    8,
		EmbedDim:  8,
		NumHeads:  2,
		NumLayers: 1,
		FFHidden:  16,
		Dropout:   0,
	}
	m := model.New(cfg, 1)

	ids := make([]int, 200)
	for i := range ids {
		ids[i] = i % 4
	}
	ex := Windows(ids, cfg.SeqLen)[0]

	opts := DefaultOptions()
	opts.ClipNorm = 1.0
	tr := New(m, NewAdam(0), opts, quietLogger())

	first, err := tr.Step(ex, 1e-3)
	if err != nil {
		t.Fatal(err)
	}
	var last StepResult
	for i := 0; i < 60; i++ {
		last, err = tr.Step(ex, 1e-3)
		if err != nil {
			t.Fatal(err)
		}
	}
	if last.Loss >= first.Loss {
		t.Fatalf("loss did not decrease: first %v, last %v", first.Loss, last.Loss)
	}
}

func TestRunRespectsContext(t *testing.T) {
	cfg := model.Config{
		VocabSize: 8, SeqLen: 4, EmbedDim: 8,
		NumHeads: 2, NumLayers: 1, FFHidden: 16,
	}
	m := model.New(cfg, 1)
	ids := make([]int, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := DefaultOptions()
	tr := New(m, NewSGD(0), opts, quietLogger())
	if _, err := tr.Run(ctx, ids, cfg.SeqLen); err == nil {
		t.Fatal("expected context cancellation error")
	}
}
