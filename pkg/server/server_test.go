package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/gptlab/gptlab/pkg/config"
	"github.com/gptlab/gptlab/pkg/model"
	"github.com/gptlab/gptlab/pkg/tokenizer"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	corpus := "hello world, hello again. the quick brown fox."
	tok := tokenizer.NewChar(corpus)

	cfg := config.Default()
	cfg.Model.VocabSize = tok.VocabSize()
	cfg.Model.SeqLen = 16
	cfg.Model.EmbedDim = 8
	cfg.Model.NumHeads = 2
	cfg.Model.NumLayers = 1
	cfg.Model.FFHidden = 16
	cfg.Model.Dropout = 0
	cfg.Server.MaxNewTokens = 8
	cfg.Sampling.Seed = 1

	m := model.New(cfg.ModelConfig(), 1)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(m, tok, cfg, log)
}

func TestStatusEndpoint(t *testing.T) {
	srv := testServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d, want 200", rec.Code)
	}
	var body struct {
		VocabSize int `json:"vocab_size"`
		SeqLen    int `json:"seq_len"`
		NumParams int `json:"num_params"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body.VocabSize == 0 || body.SeqLen != 16 || body.NumParams == 0 {
		t.Fatalf("unexpected status body: %+v", body)
	}
}

func TestGenerateStreamsSSE(t *testing.T) {
	srv := testServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/generate?prompt=hello&tokens=4", nil)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q, want text/event-stream", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: token") {
		t.Fatalf("no token events in stream:\n%s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Fatalf("no done event in stream:\n%s", body)
	}
}

// A config whose model section disagrees with the loaded weights must not
// break request handling: the handlers read dimensions from the model.
func TestGenerateWithStaleConfigWindow(t *testing.T) {
	corpus := "hello world, hello again. the quick brown fox."
	tok := tokenizer.NewChar(corpus)

	cfg := config.Default()
	cfg.Model.VocabSize = tok.VocabSize()
	cfg.Model.SeqLen = 16
	cfg.Model.EmbedDim = 8
	cfg.Model.NumHeads = 2
	cfg.Model.NumLayers = 1
	cfg.Model.FFHidden = 16
	cfg.Model.Dropout = 0
	cfg.Server.MaxNewTokens = 4
	cfg.Sampling.Seed = 1

	m := model.New(cfg.ModelConfig(), 1)

	// The served config claims a far larger window than the weights have.
	cfg.Model.SeqLen = 999

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	srv := New(m, tok, cfg, log)

	longPrompt := strings.Repeat("hello world ", 5) // tokenizes past 16
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/generate?prompt="+url.QueryEscape(longPrompt)+"&tokens=2", nil)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "event: done") {
		t.Fatalf("stream did not complete:\n%s", rec.Body.String())
	}
}

func TestGenerateRequiresPrompt(t *testing.T) {
	srv := testServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/generate", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status code %d, want 400", rec.Code)
	}
}

func TestGenerateRejectsBadParams(t *testing.T) {
	srv := testServer(t)
	for _, q := range []string{
		"prompt=hi&temperature=-1",
		"prompt=hi&top_k=abc",
		"prompt=hi&top_p=2",
		"prompt=hi&tokens=0",
	} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/generate?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("query %q: status %d, want 400", q, rec.Code)
		}
	}
}

func TestTrainEndpoint(t *testing.T) {
	srv := testServer(t)
	body := `{"text":"hello world, hello again. the quick brown fox. hello world","steps":3}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/train", strings.NewReader(body))
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Steps  int       `json:"steps"`
		Losses []float64 `json:"losses"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp.Steps != 3 || len(resp.Losses) != 3 {
		t.Fatalf("unexpected train response: %+v", resp)
	}
	for _, l := range resp.Losses {
		if l <= 0 {
			t.Fatalf("non-positive loss in trajectory: %v", resp.Losses)
		}
	}
}

func TestTrainRejectsBadRequests(t *testing.T) {
	srv := testServer(t)
	cases := []string{
		`not json`,
		`{"text":"","steps":3}`,
		`{"text":"abc","steps":0}`,
		`{"text":"abc","steps":5000}`,
		`{"text":"tiny","steps":1}`, // shorter than the context window
	}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/train", strings.NewReader(body))
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status %d, want 400", body, rec.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gptlab_") {
		t.Fatal("metrics output missing gptlab collectors")
	}
}
