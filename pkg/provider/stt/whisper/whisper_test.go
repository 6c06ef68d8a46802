package whisper_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/kizuki/pkg/audio"
	"github.com/MrWong99/kizuki/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

type inferenceRequest struct {
	fields map[string]string
	wav    []byte
}

// newMockServer creates a test server that responds to POST /inference with
// responseText and records the multipart fields of every request.
func newMockServer(t *testing.T, responseText string) (*httptest.Server, func() []inferenceRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []inferenceRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ir := inferenceRequest{fields: map[string]string{}}
		for k, v := range r.MultipartForm.Value {
			ir.fields[k] = v[0]
		}
		if f, _, err := r.FormFile("file"); err == nil {
			var buf bytes.Buffer
			_, _ = buf.ReadFrom(f)
			f.Close()
			ir.wav = buf.Bytes()
		}
		mu.Lock()
		reqs = append(reqs, ir)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv, func() []inferenceRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]inferenceRequest(nil), reqs...)
	}
}

func testSegment() audio.Segment {
	return audio.Segment{
		PCM:        make([]byte, 4800),
		SampleRate: 24000,
		End:        100 * time.Millisecond,
	}
}

// ---- construction -----------------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

// ---- Transcribe -------------------------------------------------------------

func TestTranscribe_SendsWAVAndFields(t *testing.T) {
	srv, requests := newMockServer(t, "  見積もりをお願いします \n")

	tr, err := whisper.New(srv.URL+"/",
		whisper.WithModel("large-v3"),
		whisper.WithPrompt("営業会話"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, err := tr.Transcribe(context.Background(), testSegment())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "見積もりをお願いします" {
		t.Errorf("text = %q, want trimmed transcript", text)
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	got := reqs[0]
	want := map[string]string{"language": "ja", "model": "large-v3", "prompt": "営業会話", "response_format": "json"}
	for k, v := range want {
		if got.fields[k] != v {
			t.Errorf("field %q = %q, want %q", k, got.fields[k], v)
		}
	}
	if len(got.wav) != 44+4800 || !strings.HasPrefix(string(got.wav), "RIFF") {
		t.Errorf("wav upload malformed: %d bytes", len(got.wav))
	}
}

func TestTranscribe_OmitsEmptyFields(t *testing.T) {
	srv, requests := newMockServer(t, "")
	tr, _ := whisper.New(srv.URL, whisper.WithLanguage(""))

	text, err := tr.Transcribe(context.Background(), testSegment())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "" {
		t.Errorf("text = %q, want empty", text)
	}
	f := requests()[0].fields
	for _, k := range []string{"language", "model", "prompt"} {
		if _, ok := f[k]; ok {
			t.Errorf("field %q should be omitted", k)
		}
	}
}

func TestTranscribe_EmptySegment(t *testing.T) {
	srv, requests := newMockServer(t, "x")
	tr, _ := whisper.New(srv.URL)
	if _, err := tr.Transcribe(context.Background(), audio.Segment{SampleRate: 24000}); err == nil {
		t.Fatal("expected error for empty segment")
	}
	if n := len(requests()); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr, _ := whisper.New(srv.URL)
	_, err := tr.Transcribe(context.Background(), testSegment())
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("err = %v, want HTTP 500 error", err)
	}
}

func TestTranscribe_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	tr, _ := whisper.New(srv.URL)
	if _, err := tr.Transcribe(context.Background(), testSegment()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTranscribe_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tr, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := tr.Transcribe(ctx, testSegment()); err == nil {
		t.Fatal("expected error after context deadline")
	}
}
