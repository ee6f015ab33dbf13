package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lithammer/shortuuid/v4"

	"ffcluster/logx"
)

// Part is one processed chunk to be joined. Start orders the parts in time.
type Part struct {
	Start float64
	Path  string
}

type Merger struct {
	tool Tool
}

func NewMerger(tool Tool) *Merger {
	return &Merger{tool: tool}
}

// Merge joins parts in Start order into output using the concat demuxer with
// stream copy. All parts must share codec and container parameters.
func (m *Merger) Merge(ctx context.Context, parts []Part, output string) error {
	if len(parts) == 0 {
		return errors.New("no parts to merge")
	}

	ordered := SortParts(parts)

	listPath := filepath.Join(filepath.Dir(output), fmt.Sprintf("concat_%s.txt", shortuuid.New()))
	if err := writeConcatList(listPath, ordered); err != nil {
		return err
	}
	defer os.Remove(listPath)

	_, err := m.tool.Exec(ctx,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		output,
	)
	if err != nil {
		os.Remove(output)
		return fmt.Errorf("concatenating %d parts: %w", len(ordered), err)
	}

	logx.FromCtx(ctx).Info().Int("parts", len(ordered)).Str("output", output).Msg("Merged chunks")
	return nil
}

// SortParts returns a copy of parts ordered by Start.
func SortParts(parts []Part) []Part {
	ordered := append([]Part(nil), parts...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })
	return ordered
}

func writeConcatList(path string, parts []Part) error {
	var b strings.Builder
	for _, p := range parts {
		abs, err := filepath.Abs(p.Path)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "file '%s'\n", escapeConcatPath(abs))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing concat list: %w", err)
	}
	return nil
}

// escapeConcatPath quotes a path for a single-quoted concat demuxer directive.
func escapeConcatPath(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}
