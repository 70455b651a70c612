package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lucasnoah/qualitygate/internal/coverage"
)

const defaultBaseURL = "https://codecov.io"

var (
	ErrMissingToken = errors.New("upload token is not set")
	ErrUnauthorized = errors.New("upload rejected: unauthorized")
)

// Destination identifies where a report goes and under which commit.
type Destination struct {
	URL    string // service base URL; empty means codecov.io
	Slug   string // owner/repo
	Token  string
	Commit string
	Branch string
	Build  string
	Flags  []string
	Name   string // file name recorded with the upload
}

// Receipt is what a successful upload returns.
type Receipt struct {
	ResultURL string
	Files     int
	Percent   float64
}

// Uploader publishes coverage reports to a Codecov-compatible service.
type Uploader struct {
	client   *http.Client
	progress io.Writer
}

// NewUploader creates an uploader. A nil client gets a 30s timeout.
func NewUploader(client *http.Client) *Uploader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Uploader{client: client}
}

// SetProgress sets a writer for live progress output.
func (u *Uploader) SetProgress(w io.Writer) {
	u.progress = w
}

func (u *Uploader) logf(format string, args ...interface{}) {
	if u.progress != nil {
		fmt.Fprintf(u.progress, "  → "+format+"\n", args...)
	}
}

// Publish uploads report using the v4 two-step protocol: a POST announces the
// upload and returns a result URL and a storage URL, then the report body is
// PUT to the storage URL.
func (u *Uploader) Publish(ctx context.Context, report *coverage.Report, dest Destination) (*Receipt, error) {
	if dest.Token == "" {
		return nil, ErrMissingToken
	}
	if report == nil || len(report.Files) == 0 {
		return nil, fmt.Errorf("refusing to upload: %w", coverage.ErrNoCoverageData)
	}

	var body bytes.Buffer
	name := dest.Name
	if name == "" {
		name = "lcov.info"
	}
	fmt.Fprintf(&body, "# path=%s\n", name)
	if err := report.WriteLCOV(&body); err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}
	body.WriteString("<<<<<< EOF\n")

	resultURL, putURL, err := u.announce(ctx, dest)
	if err != nil {
		return nil, err
	}
	u.logf("uploading %d files to %s", len(report.Files), hostOf(putURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, &body)
	if err != nil {
		return nil, fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploading report: %w", redact(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("uploading report: %s: %s", resp.Status, readSnippet(resp.Body))
	}

	u.logf("coverage uploaded: %s", resultURL)
	return &Receipt{ResultURL: resultURL, Files: len(report.Files), Percent: report.Percent()}, nil
}

func (u *Uploader) announce(ctx context.Context, dest Destination) (resultURL, putURL string, err error) {
	base := strings.TrimRight(dest.URL, "/")
	if base == "" {
		base = defaultBaseURL
	}

	q := url.Values{}
	q.Set("package", "qgate")
	q.Set("commit", dest.Commit)
	q.Set("branch", dest.Branch)
	q.Set("build", dest.Build)
	q.Set("slug", dest.Slug)
	q.Set("service", "custom")
	if len(dest.Flags) > 0 {
		q.Set("flags", strings.Join(dest.Flags, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/upload/v4?"+q.Encode(), nil)
	if err != nil {
		return "", "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("Authorization", "token "+dest.Token)

	resp, err := u.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("executing request: %w", redact(err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", "", fmt.Errorf("%w (%s)", ErrUnauthorized, resp.Status)
	case resp.StatusCode >= 400:
		return "", "", fmt.Errorf("codecov API error: %s: %s", resp.Status, readSnippet(resp.Body))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", "", fmt.Errorf("reading response: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return "", "", fmt.Errorf("codecov API: unexpected response %q", strings.TrimSpace(string(data)))
	}
	return strings.TrimSpace(lines[0]), strings.TrimSpace(lines[1]), nil
}

// redact drops the query string from transport errors. Storage URLs are
// presigned, so their query is a credential.
func redact(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	target := ue.URL
	if u, perr := url.Parse(ue.URL); perr == nil {
		u.RawQuery = ""
		u.User = nil
		target = u.String()
	} else if i := strings.IndexByte(target, '?'); i >= 0 {
		target = target[:i]
	}
	return &url.Error{Op: ue.Op, URL: target, Err: ue.Err}
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(data))
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "storage"
	}
	return u.Host
}
