package train

import "math"

// Optimizer updates parameters in place from their accumulated gradients.
// Update is called once per step with the same parameter slice each time,
// in the same order, so stateful optimizers can index their moments by
// position.
type Optimizer interface {
	Update(params []Param, lr float64)
}

// Param is the view an optimizer needs of one parameter tensor.
type Param interface {
	Data() []float64
	Grad() []float64
}

// SGD is plain stochastic gradient descent with optional decoupled
// weight decay.
type SGD struct {
	WeightDecay float64
}

// NewSGD returns an SGD optimizer.
func NewSGD(weightDecay float64) *SGD {
	return &SGD{WeightDecay: weightDecay}
}

func (o *SGD) Update(params []Param, lr float64) {
	for _, p := range params {
		data, grad := p.Data(), p.Grad()
		for i := range data {
			data[i] -= lr * (grad[i] + o.WeightDecay*data[i])
		}
	}
}

// Adam implements the Adam optimizer with bias-corrected first and second
// moment estimates. Moment buffers are allocated lazily on the first
// Update call.
type Adam struct {
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64

	step int
	m    [][]float64
	v    [][]float64
}

// NewAdam returns an Adam optimizer with the usual defaults
// (beta1=0.9, beta2=0.999, epsilon=1e-8).
func NewAdam(weightDecay float64) *Adam {
	return &Adam{
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-8,
		WeightDecay: weightDecay,
	}
}

func (o *Adam) Update(params []Param, lr float64) {
	if o.m == nil {
		o.m = make([][]float64, len(params))
		o.v = make([][]float64, len(params))
		for i, p := range params {
			o.m[i] = make([]float64, len(p.Data()))
			o.v[i] = make([]float64, len(p.Data()))
		}
	}
	o.step++
	c1 := 1 - math.Pow(o.Beta1, float64(o.step))
	c2 := 1 - math.Pow(o.Beta2, float64(o.step))

	for i, p := range params {
		data, grad := p.Data(), p.Grad()
		m, v := o.m[i], o.v[i]
		for j := range data {
			g := grad[j] + o.WeightDecay*data[j]
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*g
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*g*g
			mHat := m[j] / c1
			vHat := v[j] / c2
			data[j] -= lr * mHat / (math.Sqrt(vHat) + o.Epsilon)
		}
	}
}

// Scheduler produces the learning rate for a given step: linear warmup
// from zero to MaxLR over WarmupSteps, then cosine decay to MinLR at
// TotalSteps, then constant MinLR.
type Scheduler struct {
	MaxLR       float64
	MinLR       float64
	WarmupSteps int
	TotalSteps  int
}

// LR returns the learning rate for step (0-based).
func (s *Scheduler) LR(step int) float64 {
	if s.WarmupSteps > 0 && step < s.WarmupSteps {
		return s.MaxLR * float64(step+1) / float64(s.WarmupSteps)
	}
	if step >= s.TotalSteps {
		return s.MinLR
	}
	progress := float64(step-s.WarmupSteps) / float64(s.TotalSteps-s.WarmupSteps)
	cosine := 0.5 * (1 + math.Cos(math.Pi*progress))
	return s.MinLR + (s.MaxLR-s.MinLR)*cosine
}
