package model

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// On-disk model format:
//
//	[4 bytes]  header length, little-endian uint32
//	[N bytes]  Config as JSON
//	[...]      every parameter tensor's data, little-endian float64,
//	           in Parameters() order
//
// Deliberately naive: just tensor dumps behind a self-describing header.
// The format round-trips bit-exactly because float64s are written raw.

// Save writes the model to path atomically (write to a temp file in the
// same directory, then rename).
func (g *GPT) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := g.write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename model file: %w", err)
	}
	return nil
}

func (g *GPT) write(w io.Writer) error {
	header, err := json.Marshal(g.config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(header))); err != nil {
		return fmt.Errorf("write header length: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write config header: %w", err)
	}
	for i, p := range g.Parameters() {
		if err := binary.Write(w, binary.LittleEndian, p.Data()); err != nil {
			return fmt.Errorf("write parameter %d: %w", i, err)
		}
	}
	return nil
}

// Load reads a model from path.
func Load(path string) (*GPT, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model file: %w", err)
	}
	defer f.Close()
	return read(f)
}

func read(r io.Reader) (*GPT, error) {
	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read config header: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(header, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config in model file: %w", err)
	}

	// Seed is irrelevant here: every weight is overwritten below.
	g := New(cfg, 0)
	for i, p := range g.Parameters() {
		if err := binary.Read(r, binary.LittleEndian, p.Data()); err != nil {
			return nil, fmt.Errorf("read parameter %d: %w", i, err)
		}
	}
	return g, nil
}
