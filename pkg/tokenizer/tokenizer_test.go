package tokenizer

import (
	"os"
	"path/filepath"
	"testing"
)

const corpus = "the quick brown fox jumps over the lazy dog. the dog sleeps."

func TestCharRoundTrip(t *testing.T) {
	tok := NewChar(corpus)
	ids := tok.Encode(corpus)
	if got := tok.Decode(ids); got != corpus {
		t.Fatalf("round trip changed text:\n%q\n%q", corpus, got)
	}
	if len(ids) != len([]rune(corpus)) {
		t.Fatalf("char tokenizer produced %d ids for %d runes", len(ids), len([]rune(corpus)))
	}
}

func TestCharUnknownRune(t *testing.T) {
	tok := NewChar("abc")
	ids := tok.Encode("abz")
	if ids[2] != 0 {
		t.Fatalf("unseen rune encoded as %d, want unknown ID 0", ids[2])
	}
	if got := tok.Decode([]int{0}); got != UnknownToken {
		t.Fatalf("unknown decodes to %q", got)
	}
	// Out-of-range IDs decode as unknown rather than panicking.
	if got := tok.Decode([]int{-1, 9999}); got != UnknownToken+UnknownToken {
		t.Fatalf("out-of-range decode = %q", got)
	}
}

func TestCharDeterministicIDs(t *testing.T) {
	a := NewChar(corpus)
	b := NewChar(corpus)
	if a.VocabSize() != b.VocabSize() {
		t.Fatal("vocab sizes differ across builds")
	}
	ids1, ids2 := a.Encode(corpus), b.Encode(corpus)
	for i := range ids1 {
		if ids1[i] != ids2[i] {
			t.Fatal("same corpus produced different ID assignments")
		}
	}
}

func TestCharSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tok.json")
	orig := NewChar(corpus)
	if err := orig.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.VocabSize() != orig.VocabSize() {
		t.Fatalf("vocab size %d after load, want %d", loaded.VocabSize(), orig.VocabSize())
	}
	if got := loaded.Decode(loaded.Encode(corpus)); got != corpus {
		t.Fatalf("loaded tokenizer round trip changed text: %q", got)
	}
}

func TestBPETrainAndRoundTrip(t *testing.T) {
	tok, err := TrainBPE(corpus, 64)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if tok.NumMerges() == 0 {
		t.Fatal("training learned no merges on a repetitive corpus")
	}

	ids := tok.Encode(corpus)
	if got := tok.Decode(ids); got != corpus {
		t.Fatalf("bpe round trip changed text:\n%q\n%q", corpus, got)
	}

	// Merges must compress relative to one token per rune.
	if len(ids) >= len([]rune(corpus)) {
		t.Fatalf("bpe produced %d tokens for %d runes, no compression", len(ids), len([]rune(corpus)))
	}
}

func TestBPEVocabBound(t *testing.T) {
	tok, err := TrainBPE(corpus, 32)
	if err != nil {
		t.Fatal(err)
	}
	if tok.VocabSize() > 32 {
		t.Fatalf("vocab size %d exceeds target 32", tok.VocabSize())
	}
}

func TestBPETrainErrors(t *testing.T) {
	if _, err := TrainBPE("", 64); err == nil {
		t.Fatal("expected error for empty corpus")
	}
	if _, err := TrainBPE(corpus, 1); err == nil {
		t.Fatal("expected error for tiny target vocab")
	}
}

func TestBPESaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tok.json")
	orig, err := TrainBPE(corpus, 64)
	if err != nil {
		t.Fatal(err)
	}
	if err := orig.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a, b := orig.Encode(corpus), loaded.Encode(corpus)
	if len(a) != len(b) {
		t.Fatalf("encoding lengths differ after load: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("loaded tokenizer encodes differently")
		}
	}
}

func TestLoadRejectsUnknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tok.json")
	if err := os.WriteFile(path, []byte(`{"kind":"wordpiece"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown tokenizer kind")
	}
}
