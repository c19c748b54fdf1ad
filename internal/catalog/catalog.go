package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"couchsync/internal/observability/metrics"
)

// StreamPrefix is the scheme prepended to stream names on the wire.
const StreamPrefix = "hls:"

var (
	streamNamePattern   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	pathSegmentPattern  = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	outputNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// Errors surfaced by Open so the HTTP layer can map them to status codes.
var (
	ErrBadPath     = errors.New("malformed artifact path")
	ErrOutsideRoot = errors.New("path resolves outside the processed directory")
	ErrNotFound    = errors.New("stream artifact not found")
)

// StreamEntry describes one ready HLS stream derived from disk state.
type StreamEntry struct {
	ID             string
	Name           string
	MasterPlaylist string
}

// ValidStreamName reports whether name is usable as a stream identifier.
func ValidStreamName(name string) bool {
	return streamNamePattern.MatchString(name)
}

// ParseStreamID splits an "hls:<name>" identifier and validates the name.
func ParseStreamID(id string) (string, bool) {
	name, ok := strings.CutPrefix(id, StreamPrefix)
	if !ok || !ValidStreamName(name) {
		return "", false
	}
	return name, true
}

var sourceExtensions = map[string]struct{}{
	".mp4": {}, ".mkv": {}, ".mov": {}, ".avi": {}, ".wmv": {},
}

// Config configures a Catalog.
type Config struct {
	Root         string
	Encoder      Encoder
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	EncodeLimit  int
	MasterName   string
	ProcessedDir string
}

// Catalog maintains the correspondence between source files under the video
// root and ready HLS streams under <root>/processed, invoking the encoder at
// most once per source concurrently.
type Catalog struct {
	root        string
	processed   string
	masterName  string
	encoder     Encoder
	logger      *slog.Logger
	metrics     *metrics.Recorder
	encodeLimit int

	mu         sync.Mutex
	inFlight   map[string]struct{}
	cache      []StreamEntry
	cacheValid bool

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
	scanDone   chan struct{}
}

// New constructs a Catalog rooted at cfg.Root and ensures the processed
// directory exists.
func New(cfg Config) (*Catalog, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("video root is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve video root: %w", err)
	}
	processedDir := cfg.ProcessedDir
	if processedDir == "" {
		processedDir = "processed"
	}
	masterName := cfg.MasterName
	if masterName == "" {
		masterName = "master.m3u8"
	}
	processed := filepath.Join(absRoot, processedDir)
	if err := os.MkdirAll(processed, 0o755); err != nil {
		return nil, fmt.Errorf("create processed directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.EncodeLimit
	if limit <= 0 {
		limit = 2
	}
	return &Catalog{
		root:        absRoot,
		processed:   processed,
		masterName:  masterName,
		encoder:     cfg.Encoder,
		logger:      logger,
		metrics:     cfg.Metrics,
		encodeLimit: limit,
		inFlight:    make(map[string]struct{}),
	}, nil
}

// List returns the ready streams in name order. Results are cached until the
// next successful encode or explicit Refresh.
func (c *Catalog) List() ([]StreamEntry, error) {
	c.mu.Lock()
	if c.cacheValid {
		entries := make([]StreamEntry, len(c.cache))
		copy(entries, c.cache)
		c.mu.Unlock()
		return entries, nil
	}
	c.mu.Unlock()

	entries, err := c.scanProcessed()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache = entries
	c.cacheValid = true
	copied := make([]StreamEntry, len(entries))
	copy(copied, entries)
	c.mu.Unlock()
	return copied, nil
}

// Refresh invalidates the stream cache so the next List rereads disk state.
func (c *Catalog) Refresh() {
	c.mu.Lock()
	c.cacheValid = false
	c.mu.Unlock()
}

func (c *Catalog) scanProcessed() ([]StreamEntry, error) {
	dirEntries, err := os.ReadDir(c.processed)
	if err != nil {
		return nil, fmt.Errorf("read processed directory: %w", err)
	}
	entries := make([]StreamEntry, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() || !ValidStreamName(dirEntry.Name()) {
			continue
		}
		master := filepath.Join(c.processed, dirEntry.Name(), c.masterName)
		if info, err := os.Stat(master); err != nil || !info.Mode().IsRegular() {
			continue
		}
		entries = append(entries, StreamEntry{
			ID:             StreamPrefix + dirEntry.Name(),
			Name:           dirEntry.Name(),
			MasterPlaylist: master,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Open resolves a stream artifact strictly under the processed directory and
// returns the open file with its content type. The caller closes the file.
func (c *Catalog) Open(streamName, subpath string) (*os.File, string, error) {
	if !ValidStreamName(streamName) {
		return nil, "", ErrBadPath
	}
	segments := strings.Split(strings.Trim(subpath, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return nil, "", ErrBadPath
	}
	for _, segment := range segments {
		if segment == ".." || !pathSegmentPattern.MatchString(segment) {
			return nil, "", ErrBadPath
		}
	}
	resolved := filepath.Join(append([]string{c.processed, streamName}, segments...)...)
	absResolved, err := filepath.Abs(resolved)
	if err != nil {
		return nil, "", ErrBadPath
	}
	if !strings.HasPrefix(absResolved, c.processed+string(filepath.Separator)) {
		return nil, "", ErrOutsideRoot
	}
	file, err := os.Open(absResolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	info, err := file.Stat()
	if err != nil || !info.Mode().IsRegular() {
		file.Close()
		return nil, "", ErrNotFound
	}
	return file, contentTypeFor(absResolved), nil
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}

// OutputName derives the processed directory name for a source filename:
// extension stripped, every character outside [A-Za-z0-9_-] replaced with an
// underscore.
func OutputName(sourceFilename string) string {
	base := strings.TrimSuffix(sourceFilename, filepath.Ext(sourceFilename))
	return outputNameSanitizer.ReplaceAllString(base, "_")
}

// ScanAndEncode walks the root for unprocessed sources and encodes them with
// bounded parallelism. A source already encoded or already in flight is
// skipped. Encode failures are logged and cleared so a later scan can retry.
func (c *Catalog) ScanAndEncode(ctx context.Context) error {
	if c.encoder == nil {
		return fmt.Errorf("no encoder configured")
	}
	dirEntries, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("read video root: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.encodeLimit)
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}
		name := dirEntry.Name()
		if _, ok := sourceExtensions[strings.ToLower(filepath.Ext(name))]; !ok {
			continue
		}
		outputName := OutputName(name)
		if outputName == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(c.processed, outputName, c.masterName)); err == nil {
			continue
		}
		if !c.beginEncode(outputName) {
			continue
		}
		source := filepath.Join(c.root, name)
		outputDir := filepath.Join(c.processed, outputName)
		group.Go(func() error {
			defer c.finishEncode(outputName)
			c.logger.Info("encode started", "source", name, "output", outputName)
			start := time.Now()
			if err := c.encoder.Encode(groupCtx, source, outputDir); err != nil {
				c.metrics.ObserveEncode("failure")
				c.logger.Error("encode failed", "source", name, "error", err)
				return nil
			}
			c.metrics.ObserveEncode("success")
			c.logger.Info("encode completed", "source", name, "output", outputName, "duration", time.Since(start).Round(time.Second).String())
			c.Refresh()
			return nil
		})
	}
	return group.Wait()
}

func (c *Catalog) beginEncode(outputName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.inFlight[outputName]; exists {
		return false
	}
	c.inFlight[outputName] = struct{}{}
	return true
}

func (c *Catalog) finishEncode(outputName string) {
	c.mu.Lock()
	delete(c.inFlight, outputName)
	c.mu.Unlock()
}

// InFlight reports whether an encode for the given output name is running.
func (c *Catalog) InFlight(outputName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[outputName]
	return ok
}

// StartScan launches the background scan loop. The first scan runs
// immediately; subsequent scans run every period.
func (c *Catalog) StartScan(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = time.Minute
	}
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	if c.scanCancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.scanCancel = cancel
	c.scanDone = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			if err := c.ScanAndEncode(loopCtx); err != nil && loopCtx.Err() == nil {
				c.logger.Warn("library scan failed", "error", err)
			}
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// StopScan stops the background scan loop and waits for it to exit.
func (c *Catalog) StopScan() {
	c.scanMu.Lock()
	cancel := c.scanCancel
	done := c.scanDone
	c.scanCancel = nil
	c.scanDone = nil
	c.scanMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
