package train

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadCorpus reads training text from path. A regular file is read whole;
// a directory is walked and every .txt and .md file under it is
// concatenated in sorted path order, separated by newlines.
func LoadCorpus(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat corpus: %w", err)
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read corpus: %w", err)
		}
		return string(data), nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".txt", ".md":
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk corpus dir: %w", err)
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no .txt or .md files under %s", path)
	}
	sort.Strings(files)

	var sb strings.Builder
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return "", fmt.Errorf("read corpus file: %w", err)
		}
		sb.Write(data)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// Example is one training window: Input is seqLen token IDs and Target is
// the same window shifted one position left.
type Example struct {
	Input  []int
	Target []int
}

// Windows slices a token stream into non-overlapping training examples of
// length seqLen. Tokens at the tail that do not fill a window are dropped.
func Windows(ids []int, seqLen int) []Example {
	if seqLen < 1 {
		panic(fmt.Sprintf("train: invalid window length %d", seqLen))
	}
	var out []Example
	for start := 0; start+seqLen+1 <= len(ids); start += seqLen {
		out = append(out, Example{
			Input:  ids[start : start+seqLen],
			Target: ids[start+1 : start+seqLen+1],
		})
	}
	return out
}

// Split partitions examples into train and validation sets. valFraction is
// clamped to keep at least one training example; validation may be empty
// for tiny datasets.
func Split(examples []Example, valFraction float64) (train, val []Example) {
	n := int(float64(len(examples)) * valFraction)
	if n >= len(examples) {
		n = len(examples) - 1
	}
	if n < 0 {
		n = 0
	}
	cut := len(examples) - n
	return examples[:cut], examples[cut:]
}

// Shuffle permutes examples in place using rng.
func Shuffle(examples []Example, rng *rand.Rand) {
	rng.Shuffle(len(examples), func(i, j int) {
		examples[i], examples[j] = examples[j], examples[i]
	})
}
