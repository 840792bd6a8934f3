package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/visiontalk/internal/resilience"
)

func testJPEG(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

type chatRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string `json:"role"`
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			ImageURL struct {
				URL string `json:"url"`
			} `json:"image_url"`
		} `json:"content"`
	} `json:"messages"`
}

// fakeOpenAI answers chat completions; models listed in failing get a 500.
type fakeOpenAI struct {
	mu       sync.Mutex
	requests []chatRequest
	failing  map[string]bool
	answer   string
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/chat/completions" {
		http.NotFound(w, r)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fail := f.failing[req.Model]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"model overloaded","type":"server_error"}}`))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   req.Model,
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": f.answer},
		}},
	})
}

func (f *fakeOpenAI) Requests() []chatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chatRequest(nil), f.requests...)
}

func newFakeOpenAI(t *testing.T, answer string, failing ...string) (*fakeOpenAI, *httptest.Server) {
	t.Helper()
	f := &fakeOpenAI{answer: answer, failing: map[string]bool{}}
	for _, m := range failing {
		f.failing[m] = true
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func TestAnalyzer_SendsImageAndQuestion(t *testing.T) {
	t.Parallel()
	fake, srv := newFakeOpenAI(t, "A red mug.")
	a, err := NewAnalyzer("sk-test", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatal(err)
	}
	img := testJPEG(t)

	got, err := a.Analyze(context.Background(), img, "What is this?")
	if err != nil {
		t.Fatal(err)
	}
	if got != "A red mug." {
		t.Errorf("answer = %q", got)
	}

	reqs := fake.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Model != DefaultModel || req.MaxTokens != DefaultMaxTokens {
		t.Errorf("model = %q max_tokens = %d", req.Model, req.MaxTokens)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" || len(req.Messages[0].Content) != 2 {
		t.Fatalf("messages = %+v", req.Messages)
	}
	parts := req.Messages[0].Content
	if parts[0].Text != "Please try to give answer to the following question: What is this?" {
		t.Errorf("text part = %q", parts[0].Text)
	}
	if parts[1].ImageURL.URL != "data:image/jpeg;base64,"+img {
		t.Errorf("image part = %q", parts[1].ImageURL.URL)
	}
}

func TestAnalyzer_NoRetriesAndWrapsNetworkFailure(t *testing.T) {
	t.Parallel()
	fake, srv := newFakeOpenAI(t, "", DefaultModel)
	a, err := NewAnalyzer("sk-test", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = a.Analyze(context.Background(), testJPEG(t), "q")
	if !errors.Is(err, ErrNetworkFailure) {
		t.Errorf("err = %v, want ErrNetworkFailure", err)
	}
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
	if n := len(fake.Requests()); n != 1 {
		t.Errorf("requests = %d, want exactly 1 (no SDK retries)", n)
	}
}

func TestAnalyzer_FallsBackToNextModel(t *testing.T) {
	t.Parallel()
	fake, srv := newFakeOpenAI(t, "Looks like a cat.", "gpt-4o")
	a, err := NewAnalyzer("sk-test", WithBaseURL(srv.URL+"/"), WithFallbackModels("gpt-4o-mini", "gpt-4o"))
	if err != nil {
		t.Fatal(err)
	}
	if got := a.Models(); len(got) != 2 || got[1] != "gpt-4o-mini" {
		t.Fatalf("Models = %v", got)
	}

	got, err := a.Analyze(context.Background(), testJPEG(t), "q")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Looks like a cat." {
		t.Errorf("answer = %q", got)
	}
	reqs := fake.Requests()
	if len(reqs) != 2 || reqs[1].Model != "gpt-4o-mini" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestNewAnalyzer_RequiresKey(t *testing.T) {
	t.Parallel()
	if _, err := NewAnalyzer(""); err == nil {
		t.Error("expected error for empty key")
	}
}

type stubAsker struct {
	answer string
	err    error
	calls  atomic.Int32
	image  atomic.Value
}

func (s *stubAsker) Analyze(_ context.Context, img, _ string) (string, error) {
	s.calls.Add(1)
	s.image.Store(img)
	return s.answer, s.err
}

func TestHandler(t *testing.T) {
	t.Parallel()

	img := testJPEG(t)
	tests := []struct {
		name       string
		asker      *stubAsker
		body       string
		wantStatus int
		wantKey    string
		wantValue  string
	}{
		{
			name:       "answer",
			asker:      &stubAsker{answer: "It is a stapler."},
			body:       `{"image":"` + img + `","question":"What is this?"}`,
			wantStatus: http.StatusOK,
			wantKey:    "answer",
			wantValue:  "It is a stapler.",
		},
		{
			name:       "upstream failure hides cause",
			asker:      &stubAsker{err: errors.New("401 invalid api key")},
			body:       `{"image":"` + img + `","question":"q"}`,
			wantStatus: http.StatusInternalServerError,
			wantKey:    "error",
			wantValue:  "Could not analyze the image",
		},
		{
			name:       "malformed body",
			asker:      &stubAsker{},
			body:       `{"image":`,
			wantStatus: http.StatusInternalServerError,
			wantKey:    "error",
			wantValue:  "Could not analyze the image",
		},
		{
			name:       "missing image",
			asker:      &stubAsker{},
			body:       `{"question":"q"}`,
			wantStatus: http.StatusInternalServerError,
			wantKey:    "error",
			wantValue:  "Could not analyze the image",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mux := http.NewServeMux()
			NewHandler(tt.asker, 0).Register(mux)

			req := httptest.NewRequest(http.MethodPost, "/analyze-image", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body[tt.wantKey] != tt.wantValue {
				t.Errorf("%s = %q, want %q", tt.wantKey, body[tt.wantKey], tt.wantValue)
			}
		})
	}
}

func TestHandler_BodyLimit(t *testing.T) {
	t.Parallel()
	asker := &stubAsker{answer: "x"}
	h := NewHandler(asker, 16)

	req := httptest.NewRequest(http.MethodPost, "/analyze-image",
		strings.NewReader(`{"image":"`+strings.Repeat("A", 64)+`","question":"q"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
	if asker.calls.Load() != 0 {
		t.Error("asker called for oversized body")
	}
}

func TestClient_RoundTripThroughHandler(t *testing.T) {
	t.Parallel()
	asker := &stubAsker{answer: "A whiteboard with an equation."}
	mux := http.NewServeMux()
	NewHandler(asker, 0).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, time.Second, resilience.CircuitBreakerConfig{})
	got, err := c.Analyze(context.Background(), "aGVsbG8=", "How do I solve this?")
	if err != nil {
		t.Fatal(err)
	}
	if got != asker.answer {
		t.Errorf("answer = %q", got)
	}
	if img, _ := asker.image.Load().(string); img != "aGVsbG8=" {
		t.Errorf("relay received image %q", img)
	}
}

func TestClient_Non200IsNetworkFailure(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	NewHandler(&stubAsker{err: errors.New("boom")}, 0).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL+"/", time.Second, resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	_, err := c.Analyze(context.Background(), "aGVsbG8=", "q")
	if !errors.Is(err, ErrNetworkFailure) || !strings.Contains(err.Error(), "status: 500") {
		t.Errorf("err = %v", err)
	}

	// The breaker is now open; the relay is not contacted again.
	_, err = c.Analyze(context.Background(), "aGVsbG8=", "q")
	if !errors.Is(err, resilience.ErrCircuitOpen) || !errors.Is(err, ErrNetworkFailure) {
		t.Errorf("err = %v, want open circuit wrapped as network failure", err)
	}
}

func TestSnapshotStore(t *testing.T) {
	t.Parallel()
	var s SnapshotStore
	if _, err := s.Snapshot(context.Background()); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("empty store err = %v", err)
	}
	if err := s.Set("bm90IGEganBlZw=="); err == nil {
		t.Error("Set accepted a non-jpeg payload")
	}

	img := testJPEG(t)
	if err := s.Set("data:image/jpeg;base64," + img); err != nil {
		t.Fatal(err)
	}
	got, err := s.Snapshot(context.Background())
	if err != nil || got != img {
		t.Errorf("Snapshot = %q, %v", got, err)
	}
	if s.Updated().IsZero() {
		t.Error("Updated not set")
	}
}

type recordingNotifier struct {
	mu        sync.Mutex
	snapshots int
	alerts    []string
}

func (n *recordingNotifier) SnapshotTaken() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshots++
}

func (n *recordingNotifier) Alert(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, msg)
}

func TestTool_Definition(t *testing.T) {
	t.Parallel()
	tool := Tool(&stubAsker{}, &SnapshotStore{}, nil, nil)
	if tool.Definition.Name != "detect_reference_question" {
		t.Errorf("name = %q", tool.Definition.Name)
	}
	if req, _ := tool.Definition.Parameters["required"].([]string); len(req) != 1 || req[0] != "question" {
		t.Errorf("required = %v", tool.Definition.Parameters["required"])
	}
}

func TestTool_AnswersFromSnapshot(t *testing.T) {
	t.Parallel()
	cam := &SnapshotStore{}
	img := testJPEG(t)
	if err := cam.Set(img); err != nil {
		t.Fatal(err)
	}
	asker := &stubAsker{answer: "A plant."}
	notify := &recordingNotifier{}
	tool := Tool(asker, cam, notify, nil)

	out, err := tool.Handler(context.Background(), json.RawMessage(`{"question":"What is this?"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp, ok := out.(AnalyzeResponse)
	if !ok || resp.Answer != "A plant." {
		t.Errorf("result = %#v", out)
	}
	if got, _ := asker.image.Load().(string); got != img {
		t.Error("asker did not receive the latest snapshot")
	}
	if notify.snapshots != 1 || len(notify.alerts) != 0 {
		t.Errorf("notifier = %+v", notify)
	}
}

func TestTool_FailureReturnsErrorPayloadAndAlerts(t *testing.T) {
	t.Parallel()
	notify := &recordingNotifier{}
	tool := Tool(&stubAsker{}, &SnapshotStore{}, notify, nil)

	out, err := tool.Handler(context.Background(), json.RawMessage(`{"question":"What is this?"}`))
	if err != nil {
		t.Fatalf("handler error = %v, want payload", err)
	}
	payload, ok := out.(map[string]string)
	if !ok {
		t.Fatalf("result = %#v", out)
	}
	if payload["status"] != "error" || !strings.HasPrefix(payload["message"], "Failed to analyze photo: ") {
		t.Errorf("payload = %v", payload)
	}
	if !strings.Contains(payload["message"], ErrNoSnapshot.Error()) {
		t.Errorf("message = %q, want cause", payload["message"])
	}
	if len(notify.alerts) != 1 || notify.alerts[0] != payload["message"] {
		t.Errorf("alerts = %v", notify.alerts)
	}
}
