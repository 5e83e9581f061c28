package model

import (
	"fmt"
	"math"

	"github.com/gptlab/gptlab/pkg/tensor"
)

// ===========================================================================
// INCREMENTAL DECODE + GENERATION LOOP
// ===========================================================================
//
// Generation runs the model one position at a time against a KVCache: the
// newest token's query attends over all cached keys and values, so the
// causal mask is implicit in what the cache contains.
//
// Everything a decode step allocates goes through a tensor.Scope and is
// returned to the pool as soon as the step's logits have been copied out.
// After the first few tokens the steady state of a generation allocates
// essentially nothing; tests assert the pool's outstanding count returns to
// zero when the loop finishes.
//
// The math here is the row-vector rendition of the block forward in
// transformer.go. The full-sequence and incremental paths must agree to
// float tolerance; the parity test in decode_test.go holds them together.
// ===========================================================================

// PickFunc chooses the next token ID from a vocabulary-sized logits row.
// Sampling strategy lives outside the model; see the sample package.
type PickFunc func(logits []float64) int

// StreamFunc observes each generated token. Returning false stops
// generation early (a disconnected playground client, a stop token).
type StreamFunc func(token int) bool

// generatePool recycles decode-step buffers across generations. Buffer
// sizes depend only on model dimensions, so sharing one pool between
// models and requests is safe; sync.Pool handles the concurrency.
var generatePool = tensor.NewPool()

// Generate produces up to maxNewTokens tokens autoregressively and returns
// the full sequence including the prompt. Generation stops early when the
// context window fills.
func (g *GPT) Generate(prompt []int, maxNewTokens int, pick PickFunc) []int {
	return g.GenerateStream(prompt, maxNewTokens, pick, nil)
}

// GenerateStream is Generate with a per-token callback for streaming
// consumers.
func (g *GPT) GenerateStream(prompt []int, maxNewTokens int, pick PickFunc, onToken StreamFunc) []int {
	if len(prompt) == 0 {
		panic("model: generation requires a non-empty prompt")
	}
	if len(prompt) > g.config.SeqLen {
		panic(fmt.Sprintf("model: prompt length %d exceeds context window %d", len(prompt), g.config.SeqLen))
	}

	kv := NewKVCache(g.config.NumLayers, g.config.SeqLen, g.config.EmbedDim)
	scope := tensor.NewScope(generatePool)

	tokens := make([]int, len(prompt), len(prompt)+maxNewTokens)
	copy(tokens, prompt)

	// Prefill: run the prompt through the cache one position at a time,
	// keeping only the final position's logits.
	var logits []float64
	for i, t := range prompt {
		logits = g.decodeStep(t, i, kv, scope)
		scope.Release()
	}

	for n := 0; n < maxNewTokens; n++ {
		next := pick(logits)
		tokens = append(tokens, next)
		if onToken != nil && !onToken(next) {
			break
		}
		if len(tokens) >= g.config.SeqLen {
			break
		}
		logits = g.decodeStep(next, len(tokens)-1, kv, scope)
		scope.Release()
	}

	return tokens
}

// decodeStep runs one position through the model using cached keys and
// values, appends the position's own K/V rows, and returns a copy of its
// logits row. All intermediates are allocated from scope; the caller
// releases the scope once the returned logits have been consumed or copied.
func (g *GPT) decodeStep(token, pos int, kv *KVCache, scope *tensor.Scope) []float64 {
	if token < 0 || token >= g.config.VocabSize {
		panic(fmt.Sprintf("model: token ID %d out of vocabulary range [0,%d)", token, g.config.VocabSize))
	}
	if pos >= g.config.SeqLen {
		panic(fmt.Sprintf("model: position %d exceeds context window %d", pos, g.config.SeqLen))
	}

	dim := g.config.EmbedDim

	// Embedding row.
	x := scope.NewTensor(1, dim)
	xr := x.Row(0)
	tok := g.tokenEmbed.Row(token)
	posEmb := g.posEmbed.Row(pos)
	for j := range xr {
		xr[j] = tok[j] + posEmb[j]
	}

	for l, block := range g.blocks {
		// Attention sub-layer.
		a := scope.NewTensor(1, dim)
		block.ln1.forwardRow(a.Row(0), x.Row(0))

		q := rowMatMul(scope, a, block.attn.wq)
		k := rowMatMul(scope, a, block.attn.wk)
		v := rowMatMul(scope, a, block.attn.wv)
		kv.Append(l, k.Row(0), v.Row(0))

		keys := kv.Keys(l)
		vals := kv.Values(l)
		n := keys.Dim(0)

		concat := scope.NewTensor(1, dim)
		hd := block.attn.headDim
		scale := 1.0 / math.Sqrt(float64(hd))
		scores := scope.NewTensor(n)

		for h := 0; h < block.attn.numHeads; h++ {
			qh := q.Row(0)[h*hd : (h+1)*hd]
			s := scores.Data()
			for i := 0; i < n; i++ {
				kr := keys.Row(i)[h*hd : (h+1)*hd]
				dot := 0.0
				for j := range qh {
					dot += qh[j] * kr[j]
				}
				s[i] = dot * scale
			}
			tensor.SoftmaxRow(s, s)

			out := concat.Row(0)[h*hd : (h+1)*hd]
			for j := range out {
				out[j] = 0
			}
			for i := 0; i < n; i++ {
				vr := vals.Row(i)[h*hd : (h+1)*hd]
				w := s[i]
				for j := range out {
					out[j] += w * vr[j]
				}
			}
		}

		attnOut := rowMatMul(scope, concat, block.attn.wo)
		addInto(x.Row(0), attnOut.Row(0))

		// Feed-forward sub-layer.
		f := scope.NewTensor(1, dim)
		block.ln2.forwardRow(f.Row(0), x.Row(0))

		hidden := rowMatMul(scope, f, block.ff.w1)
		addInto(hidden.Row(0), block.ff.b1.Data())
		geluInPlace(hidden.Row(0))

		ffOut := rowMatMul(scope, hidden, block.ff.w2)
		addInto(ffOut.Row(0), block.ff.b2.Data())
		addInto(x.Row(0), ffOut.Row(0))
	}

	// Final norm + output projection.
	normed := scope.NewTensor(1, dim)
	g.lnFinal.forwardRow(normed.Row(0), x.Row(0))
	logitsRow := rowMatMul(scope, normed, g.lmHead)

	// Copy out: the scope buffer goes back to the pool.
	logits := make([]float64, g.config.VocabSize)
	copy(logits, logitsRow.Row(0))
	return logits
}

// rowMatMul multiplies a (1,k) row by a (k,n) matrix into a scope-allocated
// (1,n) tensor, walking w row-contiguously.
func rowMatMul(scope *tensor.Scope, row, w *tensor.Tensor) *tensor.Tensor {
	k, n := w.Dim(0), w.Dim(1)
	if row.Dim(1) != k {
		panic(fmt.Sprintf("model: rowMatMul shape mismatch %v @ %v", row.Shape(), w.Shape()))
	}
	out := scope.NewTensor(1, n)
	src := row.Row(0)
	dst := out.Row(0)
	for p := 0; p < k; p++ {
		av := src[p]
		if av == 0 {
			continue
		}
		wRow := w.Row(p)
		for j := 0; j < n; j++ {
			dst[j] += av * wRow[j]
		}
	}
	return out
}

func addInto(dst, src []float64) {
	for i := range dst {
		dst[i] += src[i]
	}
}

func geluInPlace(v []float64) {
	for i := range v {
		v[i] = tensor.GELUValue(v[i])
	}
}
