package train

import (
	"fmt"
	"math"

	"github.com/gptlab/gptlab/pkg/tensor"
)

// CrossEntropyLoss computes the mean next-token cross-entropy over a
// sequence. logits has shape (seqLen, vocabSize); targets holds the
// correct token ID for each position. The log-softmax is computed with
// max subtraction so large logits do not overflow.
func CrossEntropyLoss(logits *tensor.Tensor, targets []int) (float64, error) {
	shape := logits.Shape()
	if len(shape) != 2 {
		return 0, fmt.Errorf("train: logits must be 2D, got %v", shape)
	}
	seqLen, vocabSize := shape[0], shape[1]
	if len(targets) != seqLen {
		return 0, fmt.Errorf("train: %d targets for %d positions", len(targets), seqLen)
	}

	data := logits.Data()
	total := 0.0
	for t := 0; t < seqLen; t++ {
		if targets[t] < 0 || targets[t] >= vocabSize {
			return 0, fmt.Errorf("train: target %d out of vocab range at position %d", targets[t], t)
		}
		row := data[t*vocabSize : (t+1)*vocabSize]
		maxLogit := row[0]
		for _, v := range row[1:] {
			if v > maxLogit {
				maxLogit = v
			}
		}
		sumExp := 0.0
		for _, v := range row {
			sumExp += math.Exp(v - maxLogit)
		}
		logSumExp := maxLogit + math.Log(sumExp)
		total += logSumExp - row[targets[t]]
	}
	return total / float64(seqLen), nil
}

// CrossEntropyBackward returns dLoss/dLogits for the mean cross-entropy:
// (softmax(logits) - onehot(target)) / seqLen per position.
func CrossEntropyBackward(logits *tensor.Tensor, targets []int) *tensor.Tensor {
	shape := logits.Shape()
	seqLen, vocabSize := shape[0], shape[1]
	grad := tensor.New(seqLen, vocabSize)

	src := logits.Data()
	dst := grad.Data()
	scale := 1 / float64(seqLen)
	for t := 0; t < seqLen; t++ {
		row := src[t*vocabSize : (t+1)*vocabSize]
		out := dst[t*vocabSize : (t+1)*vocabSize]
		tensor.SoftmaxRow(out, row)
		for i := range out {
			out[i] *= scale
		}
		out[targets[t]] -= scale
	}
	return grad
}

// ClipGradients scales all gradients down so their global L2 norm does not
// exceed maxNorm, and returns the norm before clipping. A non-positive
// maxNorm disables clipping.
func ClipGradients(params []Param, maxNorm float64) float64 {
	sumSq := 0.0
	for _, p := range params {
		for _, g := range p.Grad() {
			sumSq += g * g
		}
	}
	norm := math.Sqrt(sumSq)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / norm
	for _, p := range params {
		grad := p.Grad()
		for i := range grad {
			grad[i] *= scale
		}
	}
	return norm
}
