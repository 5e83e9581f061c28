// Package model implements a GPT-style decoder-only transformer: token and
// learned positional embeddings feeding a stack of pre-norm blocks (causal
// multi-head self-attention plus a GELU feed-forward network, each wrapped
// in a residual connection), a final layer normalization, and a linear
// projection to vocabulary logits.
//
// The architecture follows the minGPT/nanoGPT lineage deliberately: the
// point of this code is to be read next to those references, not to deviate
// from them.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/gptlab/gptlab/pkg/tensor"
)

// Config holds the model hyperparameters.
type Config struct {
	VocabSize int     `json:"vocab_size"`
	SeqLen    int     `json:"seq_len"`
	EmbedDim  int     `json:"embed_dim"`
	NumHeads  int     `json:"num_heads"`
	NumLayers int     `json:"num_layers"`
	FFHidden  int     `json:"ff_hidden"`
	Dropout   float64 `json:"dropout"`
}

// DefaultConfig returns a small configuration suitable for experiments that
// should finish in seconds on a laptop.
func DefaultConfig() Config {
	return Config{
		VocabSize: 256,
		SeqLen:    128,
		EmbedDim:  128,
		NumHeads:  4,
		NumLayers: 4,
		FFHidden:  512,
		Dropout:   0.1,
	}
}

// Validate reports configuration errors a constructor would otherwise turn
// into panics deep inside tensor code.
func (c Config) Validate() error {
	if c.VocabSize <= 0 || c.SeqLen <= 0 || c.EmbedDim <= 0 || c.NumLayers <= 0 || c.FFHidden <= 0 {
		return fmt.Errorf("model: all dimensions must be positive: %+v", c)
	}
	if c.NumHeads <= 0 || c.EmbedDim%c.NumHeads != 0 {
		return fmt.Errorf("model: embed dim %d must be divisible by heads %d", c.EmbedDim, c.NumHeads)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("model: dropout %v out of range [0,1)", c.Dropout)
	}
	return nil
}

const (
	initStddev = 0.02
	lnEpsilon  = 1e-5
)

// LayerNorm normalizes each row of its input to zero mean and unit variance,
// then applies a learned per-feature scale (gamma) and shift (beta).
type LayerNorm struct {
	dim   int
	eps   float64
	gamma *tensor.Tensor
	beta  *tensor.Tensor
}

// NewLayerNorm creates an identity-initialized layer norm.
func NewLayerNorm(dim int) *LayerNorm {
	gamma := tensor.New(dim)
	for i := range gamma.Data() {
		gamma.Data()[i] = 1.0
	}
	return &LayerNorm{
		dim:   dim,
		eps:   lnEpsilon,
		gamma: gamma,
		beta:  tensor.New(dim),
	}
}

// Forward normalizes x row-wise. x: (rows, dim).
func (ln *LayerNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	if x.Dims() != 2 || x.Dim(1) != ln.dim {
		panic(fmt.Sprintf("model: LayerNorm expects (rows,%d), got %v", ln.dim, x.Shape()))
	}
	rows := x.Dim(0)
	out := tensor.New(rows, ln.dim)
	for i := 0; i < rows; i++ {
		ln.forwardRow(out.Row(i), x.Row(i))
	}
	return out
}

// forwardRow writes the normalized row into dst. Shared by the full forward
// and the single-position decode path.
func (ln *LayerNorm) forwardRow(dst, src []float64) {
	n := float64(ln.dim)
	mean := 0.0
	for _, v := range src {
		mean += v
	}
	mean /= n

	variance := 0.0
	for _, v := range src {
		d := v - mean
		variance += d * d
	}
	variance /= n
	invStd := 1.0 / math.Sqrt(variance+ln.eps)

	gamma, beta := ln.gamma.Data(), ln.beta.Data()
	for j, v := range src {
		dst[j] = (v-mean)*invStd*gamma[j] + beta[j]
	}
}

// Attention implements causal multi-head self-attention.
//
// Each position projects to query, key and value vectors, splits them into
// heads, and attends over all earlier positions with softmax(QK^T/sqrt(d))
// weights. The causal mask is structural: scores for j > i are forced to a
// large negative value before the softmax.
type Attention struct {
	embedDim int
	numHeads int
	headDim  int

	wq, wk, wv, wo *tensor.Tensor
}

func newAttention(rng *rand.Rand, embedDim, numHeads int) *Attention {
	if embedDim%numHeads != 0 {
		panic(fmt.Sprintf("model: embed dim %d not divisible by heads %d", embedDim, numHeads))
	}
	return &Attention{
		embedDim: embedDim,
		numHeads: numHeads,
		headDim:  embedDim / numHeads,
		wq:       tensor.NewRand(rng, initStddev, embedDim, embedDim),
		wk:       tensor.NewRand(rng, initStddev, embedDim, embedDim),
		wv:       tensor.NewRand(rng, initStddev, embedDim, embedDim),
		wo:       tensor.NewRand(rng, initStddev, embedDim, embedDim),
	}
}

// Forward computes attention for x: (seqLen, embedDim) -> (seqLen, embedDim).
func (a *Attention) Forward(x *tensor.Tensor) *tensor.Tensor {
	return a.forward(x, nil)
}

// forward runs the attention computation, optionally recording activations
// into cache for the backward pass.
func (a *Attention) forward(x *tensor.Tensor, cache *AttentionCache) *tensor.Tensor {
	if x.Dims() != 2 || x.Dim(1) != a.embedDim {
		panic(fmt.Sprintf("model: attention expects (seqLen,%d), got %v", a.embedDim, x.Shape()))
	}
	seqLen := x.Dim(0)

	q := tensor.MatMul(x, a.wq)
	k := tensor.MatMul(x, a.wk)
	v := tensor.MatMul(x, a.wv)

	if cache != nil {
		cache.input = x.Clone()
		cache.q = q
		cache.k = k
		cache.v = v
	}

	// Per-head scaled dot-product attention with the causal mask applied
	// before the softmax. Heads are extracted by column slicing; the
	// (seqLen, embedDim) projections are laid out head-major along columns.
	concat := tensor.New(seqLen, a.embedDim)
	scale := 1.0 / math.Sqrt(float64(a.headDim))

	for h := 0; h < a.numHeads; h++ {
		qh, kh, vh := a.sliceHead(q, h), a.sliceHead(k, h), a.sliceHead(v, h)

		scores := tensor.MatMul(qh, tensor.Transpose(kh))
		scores = tensor.Scale(scores, scale)
		applyCausalMask(scores)

		weights := tensor.Softmax(scores)
		context := tensor.MatMul(weights, vh)

		for i := 0; i < seqLen; i++ {
			copy(concat.Row(i)[h*a.headDim:(h+1)*a.headDim], context.Row(i))
		}
	}

	if cache != nil {
		cache.context = concat.Clone()
	}

	return tensor.MatMul(concat, a.wo)
}

// sliceHead copies head h's columns out of a (seqLen, embedDim) projection.
func (a *Attention) sliceHead(t *tensor.Tensor, h int) *tensor.Tensor {
	seqLen := t.Dim(0)
	out := tensor.New(seqLen, a.headDim)
	for i := 0; i < seqLen; i++ {
		copy(out.Row(i), t.Row(i)[h*a.headDim:(h+1)*a.headDim])
	}
	return out
}

// applyCausalMask forces scores above the diagonal to a large negative value
// so the subsequent softmax assigns them effectively zero weight.
func applyCausalMask(scores *tensor.Tensor) {
	n := scores.Dim(0)
	for i := 0; i < n; i++ {
		row := scores.Row(i)
		for j := i + 1; j < n; j++ {
			row[j] = -1e9
		}
	}
}

// FeedForward is the position-wise two-layer MLP:
//
//	FFN(x) = GELU(x @ W1 + b1) @ W2 + b2
//
// The hidden dimension is conventionally 4x the embedding dimension; this is
// where most of the model's parameters live.
type FeedForward struct {
	w1, b1 *tensor.Tensor
	w2, b2 *tensor.Tensor
}

func newFeedForward(rng *rand.Rand, embedDim, hiddenDim int) *FeedForward {
	return &FeedForward{
		w1: tensor.NewRand(rng, initStddev, embedDim, hiddenDim),
		b1: tensor.New(hiddenDim),
		w2: tensor.NewRand(rng, initStddev, hiddenDim, embedDim),
		b2: tensor.New(embedDim),
	}
}

// Forward applies the MLP to x: (seqLen, embedDim).
func (ff *FeedForward) Forward(x *tensor.Tensor) *tensor.Tensor {
	out, _ := ff.forward(x, false)
	return out
}

// forward optionally returns the pre-activation, which the backward pass
// needs for the GELU gradient.
func (ff *FeedForward) forward(x *tensor.Tensor, wantPre bool) (out, preActivation *tensor.Tensor) {
	hidden := tensor.AddBias(tensor.MatMul(x, ff.w1), ff.b1)
	if wantPre {
		preActivation = hidden.Clone()
	}
	hidden = tensor.GELU(hidden)
	out = tensor.AddBias(tensor.MatMul(hidden, ff.w2), ff.b2)
	return out, preActivation
}

// Block is one transformer layer in the pre-norm arrangement:
//
//	x = x + Attention(LN1(x))
//	x = x + FeedForward(LN2(x))
//
// Normalizing before each sub-layer (rather than after, as the original
// transformer paper did) keeps gradients well-scaled in deep stacks and is
// what GPT-2 and its descendants use.
type Block struct {
	ln1  *LayerNorm
	attn *Attention
	ln2  *LayerNorm
	ff   *FeedForward
}

func newBlock(rng *rand.Rand, cfg Config) *Block {
	return &Block{
		ln1:  NewLayerNorm(cfg.EmbedDim),
		attn: newAttention(rng, cfg.EmbedDim, cfg.NumHeads),
		ln2:  NewLayerNorm(cfg.EmbedDim),
		ff:   newFeedForward(rng, cfg.EmbedDim, cfg.FFHidden),
	}
}

// Forward applies the block to x: (seqLen, embedDim).
func (b *Block) Forward(x *tensor.Tensor) *tensor.Tensor {
	x = tensor.Add(x, b.attn.Forward(b.ln1.Forward(x)))
	x = tensor.Add(x, b.ff.Forward(b.ln2.Forward(x)))
	return x
}

// GPT is the full decoder-only language model.
type GPT struct {
	config Config

	tokenEmbed *tensor.Tensor // (vocabSize, embedDim)
	posEmbed   *tensor.Tensor // (seqLen, embedDim)
	blocks     []*Block
	lnFinal    *LayerNorm
	lmHead     *tensor.Tensor // (embedDim, vocabSize)
}

// New creates a model with weights drawn from the seeded source, so two
// models built from the same config and seed are identical.
func New(cfg Config, seed int64) *GPT {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	rng := rand.New(rand.NewSource(seed))

	blocks := make([]*Block, cfg.NumLayers)
	for i := range blocks {
		blocks[i] = newBlock(rng, cfg)
	}

	return &GPT{
		config:     cfg,
		tokenEmbed: tensor.NewRand(rng, initStddev, cfg.VocabSize, cfg.EmbedDim),
		posEmbed:   tensor.NewRand(rng, initStddev, cfg.SeqLen, cfg.EmbedDim),
		blocks:     blocks,
		lnFinal:    NewLayerNorm(cfg.EmbedDim),
		lmHead:     tensor.NewRand(rng, initStddev, cfg.EmbedDim, cfg.VocabSize),
	}
}

// Config returns the model's hyperparameters.
func (g *GPT) Config() Config { return g.config }

// embed builds the (seqLen, embedDim) input from token and position
// embeddings.
func (g *GPT) embed(inputIDs []int) *tensor.Tensor {
	seqLen := len(inputIDs)
	if seqLen == 0 {
		panic("model: empty input sequence")
	}
	if seqLen > g.config.SeqLen {
		panic(fmt.Sprintf("model: sequence length %d exceeds context window %d", seqLen, g.config.SeqLen))
	}
	x := tensor.New(seqLen, g.config.EmbedDim)
	for i, id := range inputIDs {
		if id < 0 || id >= g.config.VocabSize {
			panic(fmt.Sprintf("model: token ID %d out of vocabulary range [0,%d)", id, g.config.VocabSize))
		}
		row := x.Row(i)
		tok := g.tokenEmbed.Row(id)
		pos := g.posEmbed.Row(i)
		for j := range row {
			row[j] = tok[j] + pos[j]
		}
	}
	return x
}

// Forward computes logits for the input token IDs.
// Returns a (seqLen, vocabSize) tensor; row i holds the next-token
// distribution conditioned on tokens 0..i.
func (g *GPT) Forward(inputIDs []int) *tensor.Tensor {
	x := g.embed(inputIDs)
	for _, block := range g.blocks {
		x = block.Forward(x)
	}
	x = g.lnFinal.Forward(x)
	return tensor.MatMul(x, g.lmHead)
}

// Parameters returns every trainable tensor in a stable order. The same
// order is used by the optimizer state and the on-disk format.
func (g *GPT) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{g.tokenEmbed, g.posEmbed}
	for _, b := range g.blocks {
		params = append(params,
			b.ln1.gamma, b.ln1.beta,
			b.attn.wq, b.attn.wk, b.attn.wv, b.attn.wo,
			b.ln2.gamma, b.ln2.beta,
			b.ff.w1, b.ff.b1, b.ff.w2, b.ff.b2,
		)
	}
	params = append(params, g.lnFinal.gamma, g.lnFinal.beta, g.lmHead)
	return params
}

// NumParameters returns the total parameter count.
func (g *GPT) NumParameters() int {
	total := 0
	for _, p := range g.Parameters() {
		total += p.Size()
	}
	return total
}
