package catalog

import (
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func argValue(t *testing.T, args []string, flag string) string {
	t.Helper()
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	t.Fatalf("flag %s not found in %v", flag, args)
	return ""
}

func TestBuildEncodePlan(t *testing.T) {
	dir := t.TempDir()
	plan, err := buildEncodePlan("/videos/movie.mp4", dir, DefaultLadder)
	if err != nil {
		t.Fatalf("buildEncodePlan returned error: %v", err)
	}

	if plan.master != filepath.Join(dir, "master.m3u8") {
		t.Fatalf("master path = %s", plan.master)
	}
	if got := argValue(t, plan.args, "-i"); got != "/videos/movie.mp4" {
		t.Fatalf("input = %s", got)
	}
	if got := argValue(t, plan.args, "-master_pl_name"); got != "master.m3u8" {
		t.Fatalf("master playlist name = %s", got)
	}
	if got := argValue(t, plan.args, "-hls_playlist_type"); got != "vod" {
		t.Fatalf("playlist type = %s", got)
	}

	streamMap := argValue(t, plan.args, "-var_stream_map")
	for _, rung := range DefaultLadder {
		if !strings.Contains(streamMap, "name:"+rung.Name) {
			t.Fatalf("var_stream_map missing %s: %s", rung.Name, streamMap)
		}
	}

	segmentPattern := argValue(t, plan.args, "-hls_segment_filename")
	if !strings.Contains(segmentPattern, "%v") || !strings.HasSuffix(segmentPattern, "segment_%06d.ts") {
		t.Fatalf("unexpected segment pattern: %s", segmentPattern)
	}

	// One scale filter per rung, each pinned to its stream index.
	for idx, rung := range DefaultLadder {
		want := "scale=-2:" + strconv.Itoa(rung.Height)
		if got := argValue(t, plan.args, "-filter:v:"+strconv.Itoa(idx)); got != want {
			t.Fatalf("filter for rung %d = %s, want %s", idx, got, want)
		}
	}
}

func TestBuildEncodePlanValidation(t *testing.T) {
	if _, err := buildEncodePlan("", t.TempDir(), nil); err == nil {
		t.Fatalf("expected error for empty input")
	}
	if _, err := buildEncodePlan("in.mp4", "", nil); err == nil {
		t.Fatalf("expected error for empty output dir")
	}
}

func TestBuildEncodePlanDefaultsLadder(t *testing.T) {
	plan, err := buildEncodePlan("in.mp4", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("buildEncodePlan returned error: %v", err)
	}
	streamMap := argValue(t, plan.args, "-var_stream_map")
	if len(strings.Split(streamMap, " name:"))-1 != len(DefaultLadder) {
		t.Fatalf("expected default ladder in stream map: %s", streamMap)
	}
}
