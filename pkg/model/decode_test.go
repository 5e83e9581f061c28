package model

import (
	"math"
	"testing"
)

func argmaxRow(logits []float64) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}

func TestGenerateLengthAndPromptPreserved(t *testing.T) {
	m := New(testConfig(), 11)
	prompt := []int{4, 8, 15}

	out := m.Generate(prompt, 5, argmaxRow)
	if len(out) != len(prompt)+5 {
		t.Fatalf("generated %d tokens, want %d", len(out), len(prompt)+5)
	}
	for i, p := range prompt {
		if out[i] != p {
			t.Fatalf("prompt token %d changed: %d -> %d", i, p, out[i])
		}
	}
	vocab := testConfig().VocabSize
	for _, id := range out {
		if id < 0 || id >= vocab {
			t.Fatalf("generated token %d outside vocabulary", id)
		}
	}
}

func TestGenerateStopsAtContextWindow(t *testing.T) {
	m := New(testConfig(), 11)
	seqLen := testConfig().SeqLen
	prompt := []int{1, 2}

	out := m.Generate(prompt, 10*seqLen, argmaxRow)
	if len(out) > seqLen {
		t.Fatalf("generated %d tokens past context window %d", len(out), seqLen)
	}
}

// Greedy generation through the KV cache must follow the same path the
// full-sequence forward pass would take, and the incremental logits must
// match the full recompute to float tolerance.
func TestIncrementalDecodeMatchesFullForward(t *testing.T) {
	m := New(testConfig(), 23)
	prompt := []int{3, 7, 2}

	seq := append([]int{}, prompt...)
	checked := 0
	pick := func(logits []float64) int {
		full := m.Forward(seq)
		lastRow := full.Row(len(seq) - 1)
		for v := range logits {
			if math.Abs(logits[v]-lastRow[v]) > 1e-6 {
				t.Fatalf("incremental logit %d after %d tokens: %v, full forward: %v",
					v, len(seq), logits[v], lastRow[v])
			}
		}
		checked++
		next := argmaxRow(logits)
		seq = append(seq, next)
		return next
	}

	out := m.Generate(prompt, 8, pick)
	if checked == 0 {
		t.Fatal("pick was never called")
	}
	if len(out) != len(seq) {
		t.Fatalf("generate returned %d tokens, reference walked %d", len(out), len(seq))
	}
	for i := range out {
		if out[i] != seq[i] {
			t.Fatalf("token %d diverged: incremental %d, reference %d", i, out[i], seq[i])
		}
	}
}

func TestGenerateStreamCallbackAndEarlyStop(t *testing.T) {
	m := New(testConfig(), 5)
	prompt := []int{1}

	var streamed []int
	out := m.GenerateStream(prompt, 10, argmaxRow, func(token int) bool {
		streamed = append(streamed, token)
		return len(streamed) < 3
	})

	if len(streamed) != 3 {
		t.Fatalf("callback saw %d tokens, want 3", len(streamed))
	}
	if len(out) != len(prompt)+3 {
		t.Fatalf("early stop returned %d tokens, want %d", len(out), len(prompt)+3)
	}
	for i, tok := range streamed {
		if out[len(prompt)+i] != tok {
			t.Fatal("streamed tokens disagree with returned sequence")
		}
	}
}

// Every buffer a decode step borrows must be back in the pool once the
// generation loop finishes; a nonzero outstanding count is a leak.
func TestGenerateReturnsAllPoolBuffers(t *testing.T) {
	m := New(testConfig(), 13)

	m.Generate([]int{2, 5, 9}, 6, argmaxRow)
	if n := generatePool.InUse(); n != 0 {
		t.Fatalf("%d pool buffers still outstanding after generation", n)
	}

	// Early termination through the stream callback must not leak either.
	m.GenerateStream([]int{1}, 10, argmaxRow, func(int) bool { return false })
	if n := generatePool.InUse(); n != 0 {
		t.Fatalf("%d pool buffers still outstanding after early stop", n)
	}
}

func TestGenerateRejectsBadPrompt(t *testing.T) {
	m := New(testConfig(), 5)

	assertPanics(t, "empty prompt", func() { m.Generate(nil, 4, argmaxRow) })

	tooLong := make([]int, testConfig().SeqLen+1)
	assertPanics(t, "oversized prompt", func() { m.Generate(tooLong, 4, argmaxRow) })
}

func TestKVCacheAppendAndViews(t *testing.T) {
	kv := NewKVCache(2, 8, 4)
	k := []float64{1, 2, 3, 4}
	v := []float64{5, 6, 7, 8}

	kv.Append(0, k, v)
	// Mid-append: layer 0 sees its own row, the cache length advances only
	// once every layer has appended.
	if got := kv.Keys(0).Dim(0); got != 1 {
		t.Fatalf("layer 0 sees %d key rows mid-append, want 1", got)
	}
	kv.Append(1, k, v)
	if kv.Len() != 1 {
		t.Fatalf("cache length = %d after full append, want 1", kv.Len())
	}

	keys := kv.Keys(0)
	for j := range k {
		if keys.At(0, j) != k[j] {
			t.Fatal("cached key row corrupted")
		}
	}

	kv.Reset()
	if kv.Len() != 0 {
		t.Fatalf("cache length = %d after reset, want 0", kv.Len())
	}
}
