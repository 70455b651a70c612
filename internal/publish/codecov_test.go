package publish

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lucasnoah/qualitygate/internal/coverage"
	"github.com/lucasnoah/qualitygate/internal/pipeline"
)

// fakeCodecov implements the two endpoints of the v4 upload flow.
type fakeCodecov struct {
	mu        sync.Mutex
	srv       *httptest.Server
	query     map[string]string
	accept    string
	auth      string
	body      string
	status    int // status for the announce call; 0 means 200
	putStatus int
}

func newFakeCodecov(t *testing.T, status, putStatus int) *fakeCodecov {
	f := &fakeCodecov{status: status, putStatus: putStatus}
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/v4", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		f.mu.Lock()
		f.query = map[string]string{}
		for k := range r.URL.Query() {
			f.query[k] = r.URL.Query().Get(k)
		}
		f.accept = r.Header.Get("Accept")
		f.auth = r.Header.Get("Authorization")
		status := f.status
		f.mu.Unlock()
		if status != 0 {
			http.Error(w, "nope", status)
			return
		}
		io.WriteString(w, "https://codecov.example/gh/acme/elliptic/commit/abc\nhttp://"+r.Host+"/storage/abc\n")
	})
	mux.HandleFunc("/storage/abc", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.body = string(data)
		status := f.putStatus
		f.mu.Unlock()
		if status != 0 {
			http.Error(w, "storage down", status)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func sampleReport() *coverage.Report {
	r := coverage.NewReport()
	r.Add("src/lib.rs", 1, 1)
	r.Add("src/lib.rs", 2, 0)
	return r
}

func TestPublish_TwoStepUpload(t *testing.T) {
	fake := newFakeCodecov(t, 0, 0)
	u := NewUploader(fake.srv.Client())

	receipt, err := u.Publish(context.Background(), sampleReport(), Destination{
		URL:    fake.srv.URL,
		Slug:   "acme/elliptic",
		Token:  "secret",
		Commit: "abc",
		Branch: "main",
		Build:  "42",
		Flags:  []string{"stable", "linux"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.ResultURL != "https://codecov.example/gh/acme/elliptic/commit/abc" {
		t.Errorf("unexpected result URL %q", receipt.ResultURL)
	}
	if receipt.Percent != 50 {
		t.Errorf("expected 50%%, got %f", receipt.Percent)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.accept != "text/plain" {
		t.Errorf("expected Accept text/plain, got %q", fake.accept)
	}
	if fake.auth != "token secret" {
		t.Errorf("Authorization = %q, want %q", fake.auth, "token secret")
	}
	if _, ok := fake.query["token"]; ok {
		t.Error("token sent in the query string")
	}
	for k, want := range map[string]string{
		"slug": "acme/elliptic", "commit": "abc",
		"branch": "main", "build": "42", "flags": "stable,linux",
	} {
		if fake.query[k] != want {
			t.Errorf("query %s = %q, want %q", k, fake.query[k], want)
		}
	}
	if !strings.HasPrefix(fake.body, "# path=lcov.info\nSF:src/lib.rs\n") {
		t.Errorf("unexpected upload body:\n%s", fake.body)
	}
	if !strings.HasSuffix(fake.body, "<<<<<< EOF\n") {
		t.Errorf("missing EOF marker:\n%s", fake.body)
	}
}

func TestPublish_TransportErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	_, err := NewUploader(nil).Publish(context.Background(), sampleReport(), Destination{URL: base, Token: "SECRET-TOKEN-123"})
	if err == nil {
		t.Fatal("expected connection error")
	}
	if strings.Contains(err.Error(), "SECRET-TOKEN-123") {
		t.Errorf("error exposes token: %v", err)
	}
}

func TestPublish_StorageTransportErrorHidesSignature(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	storage := closed.URL + "/bucket/report?X-Amz-Signature=SIGNED-SECRET"
	closed.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "https://codecov.example/result\n"+storage+"\n")
	}))
	defer srv.Close()

	_, err := NewUploader(srv.Client()).Publish(context.Background(), sampleReport(), Destination{URL: srv.URL, Token: "x"})
	if err == nil {
		t.Fatal("expected connection error")
	}
	if strings.Contains(err.Error(), "SIGNED-SECRET") {
		t.Errorf("error exposes presigned query: %v", err)
	}
}

func TestRedact_KeepsOtherErrors(t *testing.T) {
	err := errors.New("plain")
	if redact(err) != err {
		t.Error("non-URL error was rewritten")
	}
}

func TestPublish_MissingToken(t *testing.T) {
	_, err := NewUploader(nil).Publish(context.Background(), sampleReport(), Destination{Slug: "acme/elliptic"})
	if !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
}

func TestPublish_EmptyReportRejected(t *testing.T) {
	_, err := NewUploader(nil).Publish(context.Background(), coverage.NewReport(), Destination{Token: "x"})
	if !errors.Is(err, coverage.ErrNoCoverageData) {
		t.Errorf("expected ErrNoCoverageData, got %v", err)
	}
}

func TestPublish_Unauthorized(t *testing.T) {
	fake := newFakeCodecov(t, http.StatusUnauthorized, 0)

	_, err := NewUploader(fake.srv.Client()).Publish(context.Background(), sampleReport(), Destination{URL: fake.srv.URL, Token: "bad"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestPublish_ServerError(t *testing.T) {
	fake := newFakeCodecov(t, http.StatusServiceUnavailable, 0)

	_, err := NewUploader(fake.srv.Client()).Publish(context.Background(), sampleReport(), Destination{URL: fake.srv.URL, Token: "x"})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("expected 503 error, got %v", err)
	}
}

func TestPublish_StorageError(t *testing.T) {
	fake := newFakeCodecov(t, 0, http.StatusInternalServerError)

	_, err := NewUploader(fake.srv.Client()).Publish(context.Background(), sampleReport(), Destination{URL: fake.srv.URL, Token: "x"})
	if err == nil || !strings.Contains(err.Error(), "storage down") {
		t.Errorf("expected storage error, got %v", err)
	}
}

func TestPublish_MalformedAnnounceResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "only-one-line")
	}))
	defer srv.Close()

	_, err := NewUploader(srv.Client()).Publish(context.Background(), sampleReport(), Destination{URL: srv.URL, Token: "x"})
	if err == nil || !strings.Contains(err.Error(), "unexpected response") {
		t.Errorf("expected unexpected response error, got %v", err)
	}
}

func TestUploadTask(t *testing.T) {
	fake := newFakeCodecov(t, 0, 0)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lcov.info"), []byte("SF:src/lib.rs\nDA:1,1\nend_of_record\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	task := NewUploadTask(NewUploader(fake.srv.Client()), "lcov.info", Destination{URL: fake.srv.URL, Token: "x"})
	tr, err := task.Execute(context.Background(), pipeline.Env{Dir: dir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.ExitStatus != 0 || !strings.Contains(tr.Summary, "uploaded 1 files (100.00%)") {
		t.Errorf("unexpected result %+v", tr)
	}
}

func TestUploadTask_MissingReport(t *testing.T) {
	task := NewUploadTask(NewUploader(nil), "missing.info", Destination{Token: "x"})
	tr, err := task.Execute(context.Background(), pipeline.Env{Dir: t.TempDir()})
	if err == nil || tr.ExitStatus == 0 {
		t.Errorf("expected failure, got %+v / %v", tr, err)
	}
}
