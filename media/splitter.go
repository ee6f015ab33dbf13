package media

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"ffcluster/logx"
)

// Tool is the subset of ffmpeg.Runner used for stream-copy cutting and joining.
type Tool interface {
	Exec(ctx context.Context, args ...string) (string, error)
	Duration(ctx context.Context, path string) (float64, error)
}

// Range is a half-open time interval [Start, End) in seconds.
type Range struct {
	Start    float64
	End      float64
	Duration float64
}

// Segment is one cut of the source file on local disk.
type Segment struct {
	Index int
	Range Range
	Path  string
}

// PlanRanges divides duration into n contiguous, equal-length ranges. The last
// range ends exactly at duration so rounding never loses the tail.
func PlanRanges(duration float64, n int) ([]Range, error) {
	if n < 1 {
		return nil, fmt.Errorf("chunk count must be at least 1, got %d", n)
	}
	if math.IsNaN(duration) || math.IsInf(duration, 0) || duration <= 0 {
		return nil, fmt.Errorf("invalid duration %v", duration)
	}

	ranges := make([]Range, n)
	step := duration / float64(n)
	for i := 0; i < n; i++ {
		start := float64(i) * step
		end := float64(i+1) * step
		if i == n-1 {
			end = duration
		}
		if i > 0 {
			start = ranges[i-1].End
		}
		ranges[i] = Range{Start: start, End: end, Duration: end - start}
	}
	return ranges, nil
}

type Splitter struct {
	tool Tool
}

func NewSplitter(tool Tool) *Splitter {
	return &Splitter{tool: tool}
}

// Split probes src for its duration and cuts it into n stream-copied segments
// written to dir as <prefix>_chunk_<i><ext>. Nothing is left behind on failure.
func (s *Splitter) Split(ctx context.Context, src string, n int, dir, prefix string) ([]Segment, error) {
	duration, err := s.tool.Duration(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", filepath.Base(src), err)
	}

	ranges, err := PlanRanges(duration, n)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(src))
	if ext == "" {
		ext = ".mp4"
	}

	logger := logx.FromCtx(ctx)
	segments := make([]Segment, 0, n)
	for i, r := range ranges {
		path := filepath.Join(dir, fmt.Sprintf("%s_chunk_%d%s", prefix, i, ext))
		_, err := s.tool.Exec(ctx,
			"-y",
			"-ss", formatSeconds(r.Start),
			"-i", src,
			"-t", formatSeconds(r.Duration),
			"-c", "copy",
			"-avoid_negative_ts", "make_zero",
			path,
		)
		if err != nil {
			os.Remove(path)
			removeSegments(ctx, segments)
			return nil, fmt.Errorf("cutting chunk %d: %w", i, err)
		}

		segments = append(segments, Segment{Index: i, Range: r, Path: path})
		logger.Info().
			Int("chunk", i).
			Str("start", formatSeconds(r.Start)).
			Str("end", formatSeconds(r.End)).
			Msg("Created chunk")
	}
	return segments, nil
}

func removeSegments(ctx context.Context, segments []Segment) {
	for _, seg := range segments {
		if err := os.Remove(seg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.FromCtx(ctx).Warn().Err(err).Str("path", seg.Path).Msg("could not remove segment")
		}
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
