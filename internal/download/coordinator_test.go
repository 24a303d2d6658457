package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/velox-pm/velox/internal/apt"
)

func segmentFor(t *testing.T, dir, remotePath string, body []byte) *Segment {
	t.Helper()
	sum := sha256.Sum256(body)
	info, err := apt.MakeFileInfo(remotePath, uint64(len(body)), "", hex.EncodeToString(sum[:]), "")
	if err != nil {
		t.Fatal(err)
	}
	return &Segment{
		RemotePath: remotePath,
		TargetPath: filepath.Join(dir, filepath.Base(remotePath)),
		Info:       info,
	}
}

// archiveServer serves a fixed set of package files and counts requests.
type archiveServer struct {
	mu       sync.Mutex
	files    map[string][]byte
	requests map[string]int
	fail     bool
	corrupt  bool
}

func newArchiveServer(files map[string][]byte) *archiveServer {
	return &archiveServer{
		files:    files,
		requests: make(map[string]int),
	}
}

func (a *archiveServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.requests[r.URL.Path]++
	fail, corrupt := a.fail, a.corrupt
	body, ok := a.files[r.URL.Path]
	a.mu.Unlock()

	if fail || !ok {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if corrupt {
		body = append([]byte("garbage"), body...)
	}
	w.Write(body)
}

func (a *archiveServer) served(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[path]
}

func testFiles(n int) map[string][]byte {
	files := make(map[string][]byte)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("/pool/main/p/pkg%d_1.0_amd64.deb", i)
		files[name] = []byte(fmt.Sprintf("package body %d", i))
	}
	return files
}

func TestFetchAllSegments(t *testing.T) {
	t.Parallel()

	files := testFiles(6)
	archive := newArchiveServer(files)
	srv := httptest.NewServer(archive)
	defer srv.Close()

	dir := t.TempDir()
	var segments []*Segment
	for path, body := range files {
		segments = append(segments, segmentFor(t, dir, path, body))
	}

	c, err := NewCoordinator(NewHTTPTransport(), []Mirror{
		{URL: srv.URL, Latency: 10 * time.Millisecond},
	}, 3, time.Minute, true)
	if err != nil {
		t.Fatal(err)
	}

	result, err := c.Fetch(context.Background(), segments)
	if err != nil {
		t.Fatal(err)
	}
	if result.Downloaded != len(segments) || result.Reused != 0 {
		t.Errorf("downloaded = %d, reused = %d", result.Downloaded, result.Reused)
	}

	for _, segment := range segments {
		got, err := os.ReadFile(segment.TargetPath)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != string(files[segment.RemotePath]) {
			t.Errorf("wrong content for %s", segment.RemotePath)
		}
		if result.ServedBy[segment.RemotePath] != srv.URL {
			t.Errorf("ServedBy[%s] = %s", segment.RemotePath, result.ServedBy[segment.RemotePath])
		}
	}
}

func TestFetchFailsOverToHealthyMirror(t *testing.T) {
	t.Parallel()

	files := testFiles(4)
	broken := newArchiveServer(files)
	broken.fail = true
	brokenSrv := httptest.NewServer(broken)
	defer brokenSrv.Close()

	healthy := newArchiveServer(files)
	healthySrv := httptest.NewServer(healthy)
	defer healthySrv.Close()

	dir := t.TempDir()
	var segments []*Segment
	for path, body := range files {
		segments = append(segments, segmentFor(t, dir, path, body))
	}

	// The broken mirror ranks first so every segment must fail over.
	c, err := NewCoordinator(NewHTTPTransport(), []Mirror{
		{URL: brokenSrv.URL, Latency: 5 * time.Millisecond},
		{URL: healthySrv.URL, Latency: 50 * time.Millisecond},
	}, 2, time.Minute, true)
	if err != nil {
		t.Fatal(err)
	}

	result, err := c.Fetch(context.Background(), segments)
	if err != nil {
		t.Fatal(err)
	}
	if result.Downloaded != len(segments) {
		t.Errorf("downloaded = %d, want %d", result.Downloaded, len(segments))
	}
	for _, segment := range segments {
		if result.ServedBy[segment.RemotePath] != healthySrv.URL {
			t.Errorf("segment %s served by %s", segment.RemotePath, result.ServedBy[segment.RemotePath])
		}
		if _, err := os.Stat(segment.TargetPath); err != nil {
			t.Errorf("segment %s missing: %v", segment.RemotePath, err)
		}
	}
}

func TestFetchChecksumMismatchFailsOver(t *testing.T) {
	t.Parallel()

	files := testFiles(1)
	corrupting := newArchiveServer(files)
	corrupting.corrupt = true
	corruptSrv := httptest.NewServer(corrupting)
	defer corruptSrv.Close()

	healthy := newArchiveServer(files)
	healthySrv := httptest.NewServer(healthy)
	defer healthySrv.Close()

	dir := t.TempDir()
	var segments []*Segment
	for path, body := range files {
		segments = append(segments, segmentFor(t, dir, path, body))
	}

	c, err := NewCoordinator(NewHTTPTransport(), []Mirror{
		{URL: corruptSrv.URL, Latency: time.Millisecond},
		{URL: healthySrv.URL, Latency: time.Second},
	}, 1, time.Minute, true)
	if err != nil {
		t.Fatal(err)
	}

	result, err := c.Fetch(context.Background(), segments)
	if err != nil {
		t.Fatal(err)
	}
	if result.ServedBy[segments[0].RemotePath] != healthySrv.URL {
		t.Error("corrupted payload should have been rejected and refetched")
	}
	got, err := os.ReadFile(segments[0].TargetPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(files[segments[0].RemotePath]) {
		t.Error("target holds corrupted content")
	}
	if corrupting.served(segments[0].RemotePath) == 0 {
		t.Error("corrupting mirror was never tried")
	}
}

func TestFetchExhaustionIsDownloadFailure(t *testing.T) {
	t.Parallel()

	files := testFiles(2)
	broken := newArchiveServer(files)
	broken.fail = true
	srv := httptest.NewServer(broken)
	defer srv.Close()

	dir := t.TempDir()
	var segments []*Segment
	for path, body := range files {
		segments = append(segments, segmentFor(t, dir, path, body))
	}

	c, err := NewCoordinator(NewHTTPTransport(), []Mirror{
		{URL: srv.URL},
	}, 2, time.Minute, true)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Fetch(context.Background(), segments)
	if !errors.Is(err, ErrDownloadFailure) {
		t.Errorf("exhausting all mirrors should be ErrDownloadFailure, got %v", err)
	}

	// No unverified partials may be left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("directory holds %d stray entries", len(entries))
	}
}

func TestFetchReusesVerifiedSegments(t *testing.T) {
	t.Parallel()

	files := testFiles(2)
	archive := newArchiveServer(files)
	srv := httptest.NewServer(archive)
	defer srv.Close()

	dir := t.TempDir()
	var segments []*Segment
	for path, body := range files {
		segments = append(segments, segmentFor(t, dir, path, body))
	}

	// Pre-place one verified file and one truncated partial.
	if err := os.WriteFile(segments[0].TargetPath, files[segments[0].RemotePath], 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(segments[1].TargetPath, files[segments[1].RemotePath][:3], 0644); err != nil {
		t.Fatal(err)
	}

	c, err := NewCoordinator(NewHTTPTransport(), []Mirror{
		{URL: srv.URL},
	}, 2, time.Minute, true)
	if err != nil {
		t.Fatal(err)
	}

	result, err := c.Fetch(context.Background(), segments)
	if err != nil {
		t.Fatal(err)
	}
	if result.Reused != 1 || result.Downloaded != 1 {
		t.Errorf("reused = %d, downloaded = %d", result.Reused, result.Downloaded)
	}
	if result.ServedBy[segments[0].RemotePath] != "cache" {
		t.Error("verified pre-existing segment should be reused")
	}
	if archive.served(segments[0].RemotePath) != 0 {
		t.Error("verified segment must not be requested again")
	}
	if archive.served(segments[1].RemotePath) == 0 {
		t.Error("truncated segment must be refetched")
	}

	got, err := os.ReadFile(segments[1].TargetPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(files[segments[1].RemotePath]) {
		t.Error("truncated segment not repaired")
	}
}

func TestNewCoordinatorValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewCoordinator(NewHTTPTransport(), nil, 1, time.Minute, true); err == nil {
		t.Error("empty mirror set should be rejected")
	}
	if _, err := NewCoordinator(NewHTTPTransport(), []Mirror{{URL: "http://m"}}, 0, time.Minute, true); err == nil {
		t.Error("non-positive per-mirror cap should be rejected")
	}
}
