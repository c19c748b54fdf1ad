package catalog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Encoder converts one source file into a directory of HLS renditions with a
// top-level master.m3u8. Implementations are long-running and must respect
// the context.
type Encoder interface {
	Encode(ctx context.Context, sourceFile, outputDir string) error
}

// Rendition describes one rung of the adaptive-bitrate ladder.
type Rendition struct {
	Name    string
	Height  int
	Bitrate int // kbps
}

// DefaultLadder is the rendition ladder used when none is configured.
var DefaultLadder = []Rendition{
	{Name: "1080p", Height: 1080, Bitrate: 5000},
	{Name: "720p", Height: 720, Bitrate: 2800},
	{Name: "480p", Height: 480, Bitrate: 1400},
}

// FFmpegEncoder shells out to ffmpeg to produce the HLS ladder.
type FFmpegEncoder struct {
	Binary string
	Ladder []Rendition
	Logger *slog.Logger
}

// NewFFmpegEncoder constructs an encoder with the default binary and ladder.
func NewFFmpegEncoder(logger *slog.Logger) *FFmpegEncoder {
	return &FFmpegEncoder{Binary: "ffmpeg", Ladder: DefaultLadder, Logger: logger}
}

type encodePlan struct {
	args   []string
	master string
}

func buildEncodePlan(input, outputDir string, ladder []Rendition) (*encodePlan, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("input source is required")
	}
	if strings.TrimSpace(outputDir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	absDir, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, err
	}
	if len(ladder) == 0 {
		ladder = DefaultLadder
	}

	args := []string{"-y", "-i", input}
	varStreamMap := make([]string, 0, len(ladder))
	for idx, rung := range ladder {
		name := rung.Name
		if name == "" {
			name = fmt.Sprintf("variant-%d", idx)
		}
		if err := os.MkdirAll(filepath.Join(absDir, name), 0o755); err != nil {
			return nil, err
		}
		args = append(args, "-map", "0:v:0", "-map", "0:a:0?")
		args = append(args,
			fmt.Sprintf("-filter:v:%d", idx), fmt.Sprintf("scale=-2:%d", rung.Height),
			fmt.Sprintf("-c:v:%d", idx), "libx264",
			fmt.Sprintf("-b:v:%d", idx), fmt.Sprintf("%dk", rung.Bitrate),
		)
		entry := fmt.Sprintf("v:%d,a:%d name:%s", idx, idx, name)
		if rung.Bitrate > 0 {
			entry = fmt.Sprintf("%s bandwidth:%d", entry, rung.Bitrate*1000)
		}
		varStreamMap = append(varStreamMap, entry)
	}
	args = append(args,
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", "hls",
		"-hls_time", "4",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(absDir, "%v", "segment_%06d.ts")),
		"-master_pl_name", "master.m3u8",
		"-var_stream_map", strings.Join(varStreamMap, " "),
		filepath.ToSlash(filepath.Join(absDir, "%v", "index.m3u8")),
	)

	return &encodePlan{
		args:   args,
		master: filepath.Join(absDir, "master.m3u8"),
	}, nil
}

// Encode runs ffmpeg to completion and verifies the master playlist exists.
func (e *FFmpegEncoder) Encode(ctx context.Context, sourceFile, outputDir string) error {
	plan, err := buildEncodePlan(sourceFile, outputDir, e.Ladder)
	if err != nil {
		return err
	}
	binary := e.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, binary, plan.args...)
	cmd.Stdout = newLogWriter(e.Logger, filepath.Base(sourceFile), "stdout")
	cmd.Stderr = newLogWriter(e.Logger, filepath.Base(sourceFile), "stderr")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg %s: %w", filepath.Base(sourceFile), err)
	}
	if _, err := os.Stat(plan.master); err != nil {
		return fmt.Errorf("ffmpeg completed without master playlist: %w", err)
	}
	return nil
}

// logWriter splits encoder output into lines and forwards them to slog at
// debug level.
type logWriter struct {
	logger *slog.Logger
	source string
	stream string
}

func newLogWriter(logger *slog.Logger, source, stream string) *logWriter {
	return &logWriter{logger: logger, source: source, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	if w.logger == nil {
		return total, nil
	}
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			w.logger.Debug("encoder output", "source", w.source, "stream", w.stream, "line", string(line))
		}
	}
	return total, nil
}
