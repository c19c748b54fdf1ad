package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestCatalog(t *testing.T, encoder Encoder) *Catalog {
	t.Helper()
	cat, err := New(Config{Root: t.TempDir(), Encoder: encoder})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return cat
}

func writeStream(t *testing.T, cat *Catalog, name string, files ...string) {
	t.Helper()
	dir := filepath.Join(cat.processed, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	for _, file := range append([]string{"master.m3u8"}, files...) {
		path := filepath.Join(dir, file)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir for %s: %v", path, err)
		}
		if err := os.WriteFile(path, []byte("#EXTM3U\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

func TestParseStreamID(t *testing.T) {
	cases := []struct {
		id   string
		name string
		ok   bool
	}{
		{"hls:movie_night", "movie_night", true},
		{"hls:Movie-2", "Movie-2", true},
		{"movie", "", false},
		{"hls:", "", false},
		{"hls:../etc", "", false},
		{"hls:has space", "", false},
		{"HLS:movie", "", false},
	}
	for _, tc := range cases {
		name, ok := ParseStreamID(tc.id)
		if name != tc.name || ok != tc.ok {
			t.Fatalf("ParseStreamID(%q) = %q, %v; want %q, %v", tc.id, name, ok, tc.name, tc.ok)
		}
	}
}

func TestOutputName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Movie Night.mp4", "Movie_Night"},
		{"clip.final.mkv", "clip_final"},
		{"already-safe.mov", "already-safe"},
		{"weird!@#.mp4", "weird___"},
	}
	for _, tc := range cases {
		if got := OutputName(tc.in); got != tc.want {
			t.Fatalf("OutputName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestListFindsReadyStreams(t *testing.T) {
	cat := newTestCatalog(t, nil)
	writeStream(t, cat, "zeta")
	writeStream(t, cat, "alpha")
	// A directory without a master playlist is not ready.
	if err := os.MkdirAll(filepath.Join(cat.processed, "incomplete"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	entries, err := cat.List()
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(entries))
	}
	if entries[0].ID != "hls:alpha" || entries[1].ID != "hls:zeta" {
		t.Fatalf("unexpected order: %+v", entries)
	}
}

func TestListCacheInvalidation(t *testing.T) {
	cat := newTestCatalog(t, nil)
	entries, err := cat.List()
	if err != nil || len(entries) != 0 {
		t.Fatalf("initial List = %v, %v", entries, err)
	}

	writeStream(t, cat, "late")
	entries, err = cat.List()
	if err != nil || len(entries) != 0 {
		t.Fatalf("cached List should miss the new stream, got %v", entries)
	}

	cat.Refresh()
	entries, err = cat.List()
	if err != nil || len(entries) != 1 {
		t.Fatalf("List after Refresh = %v, %v", entries, err)
	}
}

func TestOpenServesArtifacts(t *testing.T) {
	cat := newTestCatalog(t, nil)
	writeStream(t, cat, "movie", filepath.Join("720p", "segment_000001.ts"))

	file, contentType, err := cat.Open("movie", "master.m3u8")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	file.Close()
	if contentType != "application/vnd.apple.mpegurl" {
		t.Fatalf("content type = %q", contentType)
	}

	file, contentType, err = cat.Open("movie", "720p/segment_000001.ts")
	if err != nil {
		t.Fatalf("Open segment returned error: %v", err)
	}
	file.Close()
	if contentType != "video/mp2t" {
		t.Fatalf("segment content type = %q", contentType)
	}
}

func TestOpenRejectsTraversal(t *testing.T) {
	cat := newTestCatalog(t, nil)
	writeStream(t, cat, "movie")

	badPaths := []struct {
		stream  string
		subpath string
	}{
		{"movie", "../movie/master.m3u8"},
		{"movie", "..%2Fmaster.m3u8"},
		{"movie", "a/../../master.m3u8"},
		{"../movie", "master.m3u8"},
		{"movie", ""},
		{"movie", "seg ment.ts"},
	}
	for _, tc := range badPaths {
		if _, _, err := cat.Open(tc.stream, tc.subpath); !errors.Is(err, ErrBadPath) {
			t.Fatalf("Open(%q, %q) error = %v, want ErrBadPath", tc.stream, tc.subpath, err)
		}
	}

	if _, _, err := cat.Open("movie", "missing.ts"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing artifact error = %v, want ErrNotFound", err)
	}
	if _, _, err := cat.Open("other", "master.m3u8"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown stream error = %v, want ErrNotFound", err)
	}
}

// stubEncoder records Encode invocations and fabricates a master playlist.
type stubEncoder struct {
	mu    sync.Mutex
	calls []string
	fail  bool
	block chan struct{}
}

func (s *stubEncoder) Encode(ctx context.Context, sourceFile, outputDir string) error {
	s.mu.Lock()
	s.calls = append(s.calls, filepath.Base(sourceFile))
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.fail {
		return errors.New("encode blew up")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputDir, "master.m3u8"), []byte("#EXTM3U\n"), 0o644)
}

func (s *stubEncoder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestScanAndEncodeProcessesNewSources(t *testing.T) {
	encoder := &stubEncoder{}
	cat := newTestCatalog(t, encoder)
	for _, name := range []string{"one.mp4", "two.mkv", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(cat.root, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write source: %v", err)
		}
	}

	if err := cat.ScanAndEncode(context.Background()); err != nil {
		t.Fatalf("ScanAndEncode returned error: %v", err)
	}
	if got := encoder.callCount(); got != 2 {
		t.Fatalf("encode calls = %d, want 2", got)
	}

	entries, err := cat.List()
	if err != nil || len(entries) != 2 {
		t.Fatalf("List after encode = %v, %v", entries, err)
	}

	// A second scan finds everything already processed.
	if err := cat.ScanAndEncode(context.Background()); err != nil {
		t.Fatalf("second ScanAndEncode returned error: %v", err)
	}
	if got := encoder.callCount(); got != 2 {
		t.Fatalf("encode calls after rescan = %d, want 2", got)
	}
}

func TestScanAndEncodeToleratesFailures(t *testing.T) {
	encoder := &stubEncoder{fail: true}
	cat := newTestCatalog(t, encoder)
	if err := os.WriteFile(filepath.Join(cat.root, "bad.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if err := cat.ScanAndEncode(context.Background()); err != nil {
		t.Fatalf("ScanAndEncode should swallow per-file failures, got %v", err)
	}
	if cat.InFlight("bad") {
		t.Fatalf("failed encode left in-flight marker")
	}

	// The failure is retried on the next scan.
	if err := cat.ScanAndEncode(context.Background()); err != nil {
		t.Fatalf("retry scan returned error: %v", err)
	}
	if got := encoder.callCount(); got != 2 {
		t.Fatalf("encode calls = %d, want 2", got)
	}
}

func TestScanAndEncodeSkipsInFlightSources(t *testing.T) {
	release := make(chan struct{})
	encoder := &stubEncoder{block: release}
	cat := newTestCatalog(t, encoder)
	if err := os.WriteFile(filepath.Join(cat.root, "slow.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_ = cat.ScanAndEncode(context.Background())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !cat.InFlight("slow") {
		if time.Now().After(deadline) {
			t.Fatalf("encode never became in-flight")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A concurrent scan must not start a second encode for the same source.
	if err := cat.ScanAndEncode(context.Background()); err != nil {
		t.Fatalf("overlapping scan returned error: %v", err)
	}
	if got := encoder.callCount(); got != 1 {
		t.Fatalf("encode calls = %d, want 1", got)
	}

	close(release)
	<-firstDone
}
