// Package tokenizer converts between text and token IDs.
//
// Two implementations are provided: a character-level tokenizer (one token
// per distinct rune, trivially lossless, vocabulary as big as the corpus's
// alphabet) and a byte-pair-encoding tokenizer that learns merge rules for
// frequent adjacent symbol pairs. Both serialize to JSON with a kind tag so
// Load can reconstruct the right one.
//
// ID 0 is reserved in both vocabularies for the unknown token, which decodes
// to the Unicode replacement character.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// UnknownToken is what ID 0 decodes to.
const UnknownToken = "�"

// Tokenizer converts between text and token IDs.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
	VocabSize() int
	Save(path string) error
}

// fileHeader is the common JSON envelope both tokenizers serialize into.
type fileHeader struct {
	Kind string `json:"kind"`
}

// Load reads a tokenizer file and reconstructs the implementation named by
// its kind tag.
func Load(path string) (Tokenizer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer file: %w", err)
	}
	var header fileHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("parse tokenizer file: %w", err)
	}
	switch header.Kind {
	case "char":
		var t Char
		if err := json.Unmarshal(raw, &charFile{Char: &t}); err != nil {
			return nil, fmt.Errorf("parse char tokenizer: %w", err)
		}
		t.rebuild()
		return &t, nil
	case "bpe":
		var t BPE
		if err := json.Unmarshal(raw, &bpeFile{BPE: &t}); err != nil {
			return nil, fmt.Errorf("parse bpe tokenizer: %w", err)
		}
		t.rebuild()
		return &t, nil
	default:
		return nil, fmt.Errorf("unknown tokenizer kind %q", header.Kind)
	}
}

func saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokenizer: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write tokenizer file: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Character-level tokenizer
// ---------------------------------------------------------------------------

// Char maps every distinct rune in its training corpus to one token ID.
type Char struct {
	runes []rune // id -> rune; index 0 is the unknown slot
	ids   map[rune]int
}

type charFile struct {
	Kind  string `json:"kind"`
	Vocab string `json:"vocab"` // runes in ID order, excluding the unknown slot
	*Char `json:"-"`
}

// NewChar builds a character tokenizer from a corpus. Runes are assigned
// IDs in sorted order so two builds over the same corpus agree.
func NewChar(corpus string) *Char {
	seen := make(map[rune]bool)
	for _, r := range corpus {
		seen[r] = true
	}
	distinct := make([]rune, 0, len(seen))
	for r := range seen {
		distinct = append(distinct, r)
	}
	sort.Slice(distinct, func(i, j int) bool { return distinct[i] < distinct[j] })

	t := &Char{runes: append([]rune{'�'}, distinct...)}
	t.rebuild()
	return t
}

func (t *Char) rebuild() {
	t.ids = make(map[rune]int, len(t.runes))
	for i, r := range t.runes {
		t.ids[r] = i
	}
}

// Encode maps each rune to its ID; unseen runes map to the unknown ID.
func (t *Char) Encode(text string) []int {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		id, ok := t.ids[r]
		if !ok {
			id = 0
		}
		ids = append(ids, id)
	}
	return ids
}

// Decode maps IDs back to runes. Out-of-range IDs decode as unknown.
func (t *Char) Decode(ids []int) string {
	out := make([]rune, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id >= len(t.runes) {
			id = 0
		}
		out = append(out, t.runes[id])
	}
	return string(out)
}

// VocabSize returns the vocabulary size including the unknown slot.
func (t *Char) VocabSize() int { return len(t.runes) }

// Save writes the tokenizer to path as JSON.
func (t *Char) Save(path string) error {
	return saveJSON(path, map[string]any{
		"kind":  "char",
		"vocab": string(t.runes[1:]),
	})
}

// UnmarshalJSON restores the rune table from the vocab string.
func (f *charFile) UnmarshalJSON(data []byte) error {
	type alias struct {
		Kind  string `json:"kind"`
		Vocab string `json:"vocab"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	f.Char.runes = append([]rune{'�'}, []rune(a.Vocab)...)
	return nil
}

// ---------------------------------------------------------------------------
// Byte-pair-encoding tokenizer
// ---------------------------------------------------------------------------

// Pair is one BPE merge rule: adjacent occurrences of Left followed by
// Right merge into a single token Left+Right.
type Pair struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

// BPE learns merge rules by repeatedly fusing the most frequent adjacent
// symbol pair in the corpus until the vocabulary reaches its target size.
// Merges apply across the whole rune sequence (no word boundary special
// casing), which keeps encoding exactly invertible.
type BPE struct {
	vocab  []string // id -> token string; index 0 is the unknown slot
	merges []Pair   // in learned order

	ids map[string]int
}

type bpeFile struct {
	Kind   string   `json:"kind"`
	Vocab  []string `json:"vocab"`
	Merges []Pair   `json:"merges"`
	*BPE   `json:"-"`
}

// TrainBPE learns a tokenizer over corpus with at most targetVocab tokens
// (including the unknown slot). Training stops early when no pair occurs
// more than once.
func TrainBPE(corpus string, targetVocab int) (*BPE, error) {
	if targetVocab < 2 {
		return nil, fmt.Errorf("tokenizer: target vocab %d too small", targetVocab)
	}
	if len(corpus) == 0 {
		return nil, fmt.Errorf("tokenizer: empty training corpus")
	}

	// Base vocabulary: distinct runes, sorted for determinism.
	seen := make(map[rune]bool)
	for _, r := range corpus {
		seen[r] = true
	}
	distinct := make([]rune, 0, len(seen))
	for r := range seen {
		distinct = append(distinct, r)
	}
	sort.Slice(distinct, func(i, j int) bool { return distinct[i] < distinct[j] })

	t := &BPE{vocab: []string{UnknownToken}}
	for _, r := range distinct {
		t.vocab = append(t.vocab, string(r))
	}

	// Working sequence of symbols.
	seq := make([]string, 0, len(corpus))
	for _, r := range corpus {
		seq = append(seq, string(r))
	}

	for len(t.vocab) < targetVocab {
		best, count := mostFrequentPair(seq)
		if count < 2 {
			break
		}
		t.merges = append(t.merges, best)
		t.vocab = append(t.vocab, best.Left+best.Right)
		seq = applyMerge(seq, best)
	}

	t.rebuild()
	return t, nil
}

func (t *BPE) rebuild() {
	t.ids = make(map[string]int, len(t.vocab))
	for i, tok := range t.vocab {
		t.ids[tok] = i
	}
}

// mostFrequentPair counts adjacent pairs and returns the most frequent,
// breaking ties lexicographically so training is deterministic.
func mostFrequentPair(seq []string) (Pair, int) {
	counts := make(map[Pair]int)
	for i := 0; i+1 < len(seq); i++ {
		counts[Pair{seq[i], seq[i+1]}]++
	}
	var best Pair
	bestCount := 0
	for p, c := range counts {
		if c > bestCount || (c == bestCount && less(p, best)) {
			best = p
			bestCount = c
		}
	}
	return best, bestCount
}

func less(a, b Pair) bool {
	if a.Left != b.Left {
		return a.Left < b.Left
	}
	return a.Right < b.Right
}

// applyMerge fuses every adjacent occurrence of the pair in one pass.
func applyMerge(seq []string, merge Pair) []string {
	out := make([]string, 0, len(seq))
	for i := 0; i < len(seq); i++ {
		if i+1 < len(seq) && seq[i] == merge.Left && seq[i+1] == merge.Right {
			out = append(out, merge.Left+merge.Right)
			i++
			continue
		}
		out = append(out, seq[i])
	}
	return out
}

// Encode splits text into runes and replays the learned merges in order.
// Runes outside the vocabulary map to the unknown ID.
func (t *BPE) Encode(text string) []int {
	seq := make([]string, 0, len(text))
	for _, r := range text {
		seq = append(seq, string(r))
	}
	for _, m := range t.merges {
		seq = applyMerge(seq, m)
	}
	ids := make([]int, len(seq))
	for i, tok := range seq {
		id, ok := t.ids[tok]
		if !ok {
			id = 0
		}
		ids[i] = id
	}
	return ids
}

// Decode concatenates token strings. Out-of-range IDs decode as unknown.
func (t *BPE) Decode(ids []int) string {
	out := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id >= len(t.vocab) {
			id = 0
		}
		out = append(out, t.vocab[id]...)
	}
	return string(out)
}

// VocabSize returns the vocabulary size including the unknown slot.
func (t *BPE) VocabSize() int { return len(t.vocab) }

// NumMerges returns the number of learned merge rules.
func (t *BPE) NumMerges() int { return len(t.merges) }

// Save writes the tokenizer to path as JSON.
func (t *BPE) Save(path string) error {
	return saveJSON(path, map[string]any{
		"kind":   "bpe",
		"vocab":  t.vocab,
		"merges": t.merges,
	})
}

// UnmarshalJSON restores the vocabulary and merge list.
func (f *bpeFile) UnmarshalJSON(data []byte) error {
	type alias struct {
		Vocab  []string `json:"vocab"`
		Merges []Pair   `json:"merges"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	f.BPE.vocab = a.Vocab
	f.BPE.merges = a.Merges
	return nil
}
