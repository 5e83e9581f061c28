package model

import (
	"math"
	"math/rand"

	"github.com/gptlab/gptlab/pkg/tensor"
)

// ===========================================================================
// TRAINING FORWARD + BACKPROPAGATION
// ===========================================================================
//
// Training needs two things inference does not: activations cached through
// the forward pass, and a backward pass that walks the architecture in
// reverse accumulating parameter gradients.
//
// Gradient flow, mirroring the forward topology:
//
//	loss -> logits -> lmHead -> final LN
//	     -> blocks in reverse (FF path, then attention path, with residual
//	        gradients adding at each junction)
//	     -> token + position embeddings
//
// Residual connections make the bookkeeping simple: for y = x + F(x) the
// gradient w.r.t. x is the upstream gradient plus whatever flows back
// through F. Dropout masks recorded during the forward pass are reapplied
// multiplicatively on the way back.
//
// Activation caches hold clones, not views, because the forward pass reuses
// and overwrites x between sub-layers.
// ===========================================================================

// ForwardCache stores everything the backward pass needs from one forward
// pass over one sequence.
type ForwardCache struct {
	tokenIDs []int
	embMask  *tensor.Tensor // dropout mask on embeddings, nil when inactive

	blocks []*BlockCache

	lnFinalIn  *tensor.Tensor
	lnFinalOut *tensor.Tensor
}

// BlockCache stores per-block activations.
type BlockCache struct {
	ln1In     *tensor.Tensor // block input (also the first residual branch)
	attnCache *AttentionCache
	attnMask  *tensor.Tensor

	ln2In   *tensor.Tensor // input to the second sub-layer
	ffCache *FFCache
	ffMask  *tensor.Tensor
}

// AttentionCache stores the attention projections. Per-head attention
// weights are recomputed during backward rather than cached; for the
// sequence lengths this model targets, recomputation is cheaper than
// holding numHeads (seqLen, seqLen) matrices alive.
type AttentionCache struct {
	input   *tensor.Tensor
	q, k, v *tensor.Tensor
	context *tensor.Tensor // concatenated heads, before the output projection
}

// FFCache stores feed-forward activations.
type FFCache struct {
	input         *tensor.Tensor
	preActivation *tensor.Tensor // before GELU, needed for its gradient
	hidden        *tensor.Tensor // after GELU
}

// ForwardWithCache runs the training-mode forward pass. When rng is non-nil
// and the configured dropout probability is positive, inverted dropout is
// applied to the embeddings and to each sub-layer output, and the masks are
// cached for backward. With rng nil the pass is deterministic and matches
// Forward exactly.
func (g *GPT) ForwardWithCache(inputIDs []int, rng *rand.Rand) (*tensor.Tensor, *ForwardCache) {
	cache := &ForwardCache{
		tokenIDs: inputIDs,
		blocks:   make([]*BlockCache, len(g.blocks)),
	}

	x := g.embed(inputIDs)
	x, cache.embMask = g.applyDropout(x, rng)

	for l, block := range g.blocks {
		bc := &BlockCache{}
		cache.blocks[l] = bc

		// Attention sub-layer with residual.
		bc.ln1In = x.Clone()
		bc.attnCache = &AttentionCache{}
		attnOut := block.attn.forward(block.ln1.Forward(x), bc.attnCache)
		attnOut, bc.attnMask = g.applyDropout(attnOut, rng)
		x = tensor.Add(x, attnOut)

		// Feed-forward sub-layer with residual.
		bc.ln2In = x.Clone()
		ffOut, ffCache := block.ff.forwardWithCache(block.ln2.Forward(x))
		bc.ffCache = ffCache
		ffOut, bc.ffMask = g.applyDropout(ffOut, rng)
		x = tensor.Add(x, ffOut)
	}

	cache.lnFinalIn = x.Clone()
	x = g.lnFinal.Forward(x)
	cache.lnFinalOut = x

	logits := tensor.MatMul(x, g.lmHead)
	return logits, cache
}

// forwardWithCache is the cache-recording variant of FeedForward.forward.
func (ff *FeedForward) forwardWithCache(x *tensor.Tensor) (*tensor.Tensor, *FFCache) {
	cache := &FFCache{input: x.Clone()}
	hidden := tensor.AddBias(tensor.MatMul(x, ff.w1), ff.b1)
	cache.preActivation = hidden.Clone()
	hidden = tensor.GELU(hidden)
	cache.hidden = hidden
	out := tensor.AddBias(tensor.MatMul(hidden, ff.w2), ff.b2)
	return out, cache
}

// applyDropout applies inverted dropout and returns the output plus the
// scaled keep mask, or the input unchanged and a nil mask when inactive.
func (g *GPT) applyDropout(x *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, *tensor.Tensor) {
	if rng == nil || g.config.Dropout <= 0 {
		return x, nil
	}
	keep := 1.0 - g.config.Dropout
	mask := tensor.New(x.Shape()...)
	out := tensor.New(x.Shape()...)
	xd, md, od := x.Data(), mask.Data(), out.Data()
	for i := range xd {
		if rng.Float64() < keep {
			md[i] = 1.0 / keep
			od[i] = xd[i] * md[i]
		}
	}
	return out, mask
}

// Backward accumulates parameter gradients given the gradient of the loss
// w.r.t. the logits and the cache from ForwardWithCache. Gradients add into
// each parameter's buffer; the optimizer is responsible for zeroing them
// between steps.
func (g *GPT) Backward(gradLogits *tensor.Tensor, cache *ForwardCache) {
	// Output projection: logits = lnFinalOut @ lmHead.
	gradLmHead := tensor.MatMul(tensor.Transpose(cache.lnFinalOut), gradLogits)
	g.lmHead.AccumulateGrad(gradLmHead)
	gradX := tensor.MatMul(gradLogits, tensor.Transpose(g.lmHead))

	// Final layer norm.
	gradX, gradGamma, gradBeta := tensor.LayerNormBackward(cache.lnFinalIn, g.lnFinal.gamma, gradX, lnEpsilon)
	g.lnFinal.gamma.AccumulateGrad(gradGamma)
	g.lnFinal.beta.AccumulateGrad(gradBeta)

	// Blocks in reverse.
	for l := len(g.blocks) - 1; l >= 0; l-- {
		block := g.blocks[l]
		bc := cache.blocks[l]

		// Feed-forward sub-layer: x_out = x + dropout(FF(LN2(x))).
		gradFFOut := maskGrad(gradX, bc.ffMask)
		gradLN2Out := block.ff.Backward(gradFFOut, bc.ffCache)
		gradLN2In, gg2, gb2 := tensor.LayerNormBackward(bc.ln2In, block.ln2.gamma, gradLN2Out, lnEpsilon)
		block.ln2.gamma.AccumulateGrad(gg2)
		block.ln2.beta.AccumulateGrad(gb2)
		gradX = tensor.Add(gradX, gradLN2In)

		// Attention sub-layer: x_mid = x + dropout(Attn(LN1(x))).
		gradAttnOut := maskGrad(gradX, bc.attnMask)
		gradLN1Out := block.attn.Backward(gradAttnOut, bc.attnCache)
		gradLN1In, gg1, gb1 := tensor.LayerNormBackward(bc.ln1In, block.ln1.gamma, gradLN1Out, lnEpsilon)
		block.ln1.gamma.AccumulateGrad(gg1)
		block.ln1.beta.AccumulateGrad(gb1)
		gradX = tensor.Add(gradX, gradLN1In)
	}

	// Embeddings. Token and position embeddings were summed, so the same
	// gradient scatters into both tables.
	gradX = maskGrad(gradX, cache.embMask)
	dim := g.config.EmbedDim
	tokGrad := g.tokenEmbed.EnsureGrad()
	posGrad := g.posEmbed.EnsureGrad()
	for i, id := range cache.tokenIDs {
		row := gradX.Row(i)
		for j := 0; j < dim; j++ {
			tokGrad[id*dim+j] += row[j]
			posGrad[i*dim+j] += row[j]
		}
	}
}

// Backward propagates gradients through the feed-forward sub-layer and
// returns the gradient w.r.t. its input.
func (ff *FeedForward) Backward(gradOut *tensor.Tensor, cache *FFCache) *tensor.Tensor {
	// Second linear: out = hidden @ W2 + b2.
	gradHidden, gradW2 := tensor.MatMulBackward(cache.hidden, ff.w2, gradOut)
	ff.w2.AccumulateGrad(gradW2)
	accumulateBiasGrad(ff.b2, gradOut)

	// GELU.
	gradPre := tensor.GELUBackward(cache.preActivation, gradHidden)

	// First linear: hidden = x @ W1 + b1.
	gradIn, gradW1 := tensor.MatMulBackward(cache.input, ff.w1, gradPre)
	ff.w1.AccumulateGrad(gradW1)
	accumulateBiasGrad(ff.b1, gradPre)

	return gradIn
}

// Backward propagates gradients through multi-head attention and returns
// the gradient w.r.t. its input. Per-head attention weights are recomputed
// from the cached projections, matching the forward computation exactly
// (including the causal mask).
func (a *Attention) Backward(gradOut *tensor.Tensor, cache *AttentionCache) *tensor.Tensor {
	seqLen := cache.input.Dim(0)

	// Output projection: out = context @ Wo.
	gradContext, gradWo := tensor.MatMulBackward(cache.context, a.wo, gradOut)
	a.wo.AccumulateGrad(gradWo)

	gradQ := tensor.New(seqLen, a.embedDim)
	gradK := tensor.New(seqLen, a.embedDim)
	gradV := tensor.New(seqLen, a.embedDim)
	scale := 1.0 / math.Sqrt(float64(a.headDim))

	for h := 0; h < a.numHeads; h++ {
		qh := a.sliceHead(cache.q, h)
		kh := a.sliceHead(cache.k, h)
		vh := a.sliceHead(cache.v, h)
		gradCtxHead := a.sliceHead(gradContext, h)

		// Recompute the head's attention weights.
		kt := tensor.Transpose(kh)
		scores := tensor.Scale(tensor.MatMul(qh, kt), scale)
		applyCausalMask(scores)
		weights := tensor.Softmax(scores)

		// context_h = weights @ V_h.
		gradWeights, gradVh := tensor.MatMulBackward(weights, vh, gradCtxHead)

		// softmax and 1/sqrt(d) scaling.
		gradScores := tensor.SoftmaxBackward(weights, gradWeights)
		gradScores = tensor.Scale(gradScores, scale)

		// scores = Q_h @ K_h^T.
		gradQh, gradKT := tensor.MatMulBackward(qh, kt, gradScores)
		gradKh := tensor.Transpose(gradKT)

		a.writeHead(gradQ, gradQh, h)
		a.writeHead(gradK, gradKh, h)
		a.writeHead(gradV, gradVh, h)
	}

	// Q, K, V projections share the input, so their input gradients sum.
	gradIn := tensor.New(seqLen, a.embedDim)
	for _, proj := range []struct {
		w    *tensor.Tensor
		grad *tensor.Tensor
	}{
		{a.wq, gradQ},
		{a.wk, gradK},
		{a.wv, gradV},
	} {
		gi, gw := tensor.MatMulBackward(cache.input, proj.w, proj.grad)
		proj.w.AccumulateGrad(gw)
		gradIn = tensor.Add(gradIn, gi)
	}

	return gradIn
}

// writeHead copies a (seqLen, headDim) gradient into head h's columns of a
// (seqLen, embedDim) accumulator.
func (a *Attention) writeHead(dst, src *tensor.Tensor, h int) {
	seqLen := src.Dim(0)
	for i := 0; i < seqLen; i++ {
		copy(dst.Row(i)[h*a.headDim:(h+1)*a.headDim], src.Row(i))
	}
}

func accumulateBiasGrad(bias, grad *tensor.Tensor) {
	g := bias.EnsureGrad()
	rows, cols := grad.Dim(0), grad.Dim(1)
	for i := 0; i < rows; i++ {
		row := grad.Row(i)
		for j := 0; j < cols; j++ {
			g[j] += row[j]
		}
	}
}

func maskGrad(grad, mask *tensor.Tensor) *tensor.Tensor {
	if mask == nil {
		return grad
	}
	return tensor.Mul(grad, mask)
}
