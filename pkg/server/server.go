// Package server exposes the playground over HTTP: a status endpoint, a
// server-sent-events generation stream, a small training endpoint and
// Prometheus metrics. The model is not safe for concurrent use, so every
// handler that touches it serializes through one mutex.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gptlab/gptlab/pkg/config"
	"github.com/gptlab/gptlab/pkg/model"
	"github.com/gptlab/gptlab/pkg/sample"
	"github.com/gptlab/gptlab/pkg/tokenizer"
	"github.com/gptlab/gptlab/pkg/train"
)

// Server wires one model and tokenizer behind the HTTP API.
type Server struct {
	cfg config.Config
	tok tokenizer.Tokenizer
	log *logrus.Logger

	mu    sync.Mutex
	model *model.GPT
}

// New builds a Server. A nil logger gets a default logrus logger.
func New(m *model.GPT, tok tokenizer.Tokenizer, cfg config.Config, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{cfg: cfg, tok: tok, log: log, model: m}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/train", s.handleTrain)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// ListenAndServe blocks serving the API on the configured address.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithField("addr", s.cfg.Server.Addr).Info("playground listening")
	return srv.ListenAndServe()
}

type statusResponse struct {
	VocabSize int `json:"vocab_size"`
	SeqLen    int `json:"seq_len"`
	EmbedDim  int `json:"embed_dim"`
	NumHeads  int `json:"num_heads"`
	NumLayers int `json:"num_layers"`
	NumParams int `json:"num_params"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cfg := s.model.Config()
	numParams := s.model.NumParameters()
	s.mu.Unlock()

	s.writeJSON(w, "status", http.StatusOK, statusResponse{
		VocabSize: cfg.VocabSize,
		SeqLen:    cfg.SeqLen,
		EmbedDim:  cfg.EmbedDim,
		NumHeads:  cfg.NumHeads,
		NumLayers: cfg.NumLayers,
		NumParams: numParams,
	})
}

// handleGenerate streams generated text as server-sent events: one "token"
// event per decoded token, then a "done" event with totals.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	prompt := r.URL.Query().Get("prompt")
	if prompt == "" {
		s.writeError(w, "generate", http.StatusBadRequest, "missing prompt parameter")
		return
	}

	sampling := s.cfg.Sampling
	maxTokens := s.cfg.Server.MaxNewTokens
	if err := parseSamplingQuery(r, &sampling, &maxTokens); err != nil {
		s.writeError(w, "generate", http.StatusBadRequest, err.Error())
		return
	}

	ids := s.tok.Encode(prompt)
	if len(ids) == 0 {
		s.writeError(w, "generate", http.StatusBadRequest, "prompt tokenizes to nothing")
		return
	}
	// The model's own window, not the served config's: the two can disagree
	// when the config was written for a different checkpoint.
	seqLen := s.model.Config().SeqLen
	if len(ids) > seqLen {
		ids = ids[len(ids)-seqLen:]
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, "generate", http.StatusInternalServerError, "response writer does not support streaming")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	httpRequests.WithLabelValues("generate", "200").Inc()

	sampler := sample.New(sampling)
	ctx := r.Context()
	start := time.Now()
	count := 0

	s.mu.Lock()
	s.model.GenerateStream(ids, maxTokens, sampler.Next, func(token int) bool {
		if ctx.Err() != nil {
			return false
		}
		text := s.tok.Decode([]int{token})
		payload, _ := json.Marshal(map[string]string{"text": text})
		fmt.Fprintf(w, "event: token\ndata: %s\n\n", payload)
		flusher.Flush()
		count++
		tokensGenerated.Inc()
		return true
	})
	s.mu.Unlock()

	elapsed := time.Since(start)
	generateDuration.Observe(elapsed.Seconds())
	done, _ := json.Marshal(map[string]any{
		"tokens":     count,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", done)
	flusher.Flush()

	s.log.WithFields(logrus.Fields{
		"tokens":  count,
		"elapsed": elapsed.Round(time.Millisecond),
	}).Info("generation request served")
}

func parseSamplingQuery(r *http.Request, cfg *sample.Config, maxTokens *int) error {
	q := r.URL.Query()
	if v := q.Get("temperature"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return fmt.Errorf("invalid temperature %q", v)
		}
		cfg.Temperature = f
	}
	if v := q.Get("top_k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid top_k %q", v)
		}
		cfg.TopK = n
	}
	if v := q.Get("top_p"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return fmt.Errorf("invalid top_p %q", v)
		}
		cfg.TopP = f
	}
	if v := q.Get("tokens"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid tokens %q", v)
		}
		*maxTokens = n
	}
	if v := q.Get("seed"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid seed %q", v)
		}
		cfg.Seed = n
	}
	return nil
}

type trainRequest struct {
	Text  string `json:"text"`
	Steps int    `json:"steps"`
}

type trainResponse struct {
	Steps     int       `json:"steps"`
	Losses    []float64 `json:"losses"`
	FinalLoss float64   `json:"final_loss"`
	ElapsedMs int64     `json:"elapsed_ms"`
}

// handleTrain runs a bounded number of optimization steps on caller-supplied
// text and reports the loss trajectory.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "train", http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		s.writeError(w, "train", http.StatusBadRequest, "missing text")
		return
	}
	if req.Steps < 1 || req.Steps > 1000 {
		s.writeError(w, "train", http.StatusBadRequest, "steps must be in [1,1000]")
		return
	}

	ids := s.tok.Encode(req.Text)
	seqLen := s.model.Config().SeqLen
	examples := train.Windows(ids, seqLen)
	if len(examples) == 0 {
		s.writeError(w, "train", http.StatusBadRequest,
			fmt.Sprintf("text too short: need more than %d tokens", seqLen))
		return
	}

	start := time.Now()
	losses := make([]float64, 0, req.Steps)

	s.mu.Lock()
	tr := train.New(s.model, s.cfg.Optimizer(), s.cfg.TrainOptions(), s.log)
	for i := 0; i < req.Steps; i++ {
		ex := examples[i%len(examples)]
		res, err := tr.Step(ex, s.cfg.Training.LearningRate)
		if err != nil {
			s.mu.Unlock()
			s.writeError(w, "train", http.StatusInternalServerError, err.Error())
			return
		}
		losses = append(losses, res.Loss)
		trainSteps.Inc()
		lastTrainLoss.Set(res.Loss)
	}
	s.mu.Unlock()

	s.writeJSON(w, "train", http.StatusOK, trainResponse{
		Steps:     req.Steps,
		Losses:    losses,
		FinalLoss: losses[len(losses)-1],
		ElapsedMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, endpoint string, code int, v any) {
	httpRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, endpoint string, code int, msg string) {
	s.writeJSON(w, endpoint, code, map[string]string{"error": msg})
}
