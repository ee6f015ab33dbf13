package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"ffcluster/config"
	"ffcluster/logx"
)

// ErrNoDuration is returned when ffprobe cannot report a usable duration.
var ErrNoDuration = errors.New("could not determine media duration")

type Runner struct {
	cfg     *config.Config
	tempDir string
}

func NewRunner(cfg *config.Config) (*Runner, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}
	if _, err := exec.LookPath(cfg.FFProbeBin); err != nil {
		return nil, fmt.Errorf("ffprobe binary not found or not in PATH: %s", cfg.FFProbeBin)
	}

	tempDir := cfg.WorkDir
	if tempDir == "" {
		dir, err := os.MkdirTemp("", "ffcluster_")
		if err != nil {
			return nil, fmt.Errorf("could not create temp directory: %w", err)
		}
		tempDir = dir
	} else if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create work directory: %w", err)
	}
	log.Info().Str("dir", tempDir).Msg("Using work directory")
	cfg.TempDir = tempDir

	return &Runner{
		cfg:     cfg,
		tempDir: tempDir,
	}, nil
}

func (r *Runner) TempDir() string {
	return r.tempDir
}

// Exec runs ffmpeg with args and returns its combined stdout/stderr. Output is
// also streamed to the debug log, tagged with the job/chunk found in ctx.
func (r *Runner) Exec(ctx context.Context, args ...string) (string, error) {
	logger := logx.FromCtx(ctx)
	lw := logx.NewLineWriter(logger, zerolog.DebugLevel)
	defer lw.Flush()

	cmd := exec.CommandContext(ctx, r.cfg.FFBin, args...)
	var outputBuf bytes.Buffer
	out := io.MultiWriter(&outputBuf, lw)
	cmd.Stdout = out
	cmd.Stderr = out

	logger.Debug().Str("cmd", strings.Join(cmd.Args, " ")).Msg("Executing ffmpeg")

	if err := cmd.Run(); err != nil {
		return outputBuf.String(), fmt.Errorf("ffmpeg execution failed: %w: %s", err, tail(outputBuf.String(), 512))
	}
	return outputBuf.String(), nil
}

// Duration asks ffprobe for the container duration of path, in seconds.
func (r *Runner) Duration(ctx context.Context, path string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.FFProbeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("%w: ffprobe failed: %v: %s", ErrNoDuration, err, strings.TrimSpace(stderr.String()))
	}
	return ParseDuration(stdout.String())
}

// ParseDuration parses ffprobe's bare duration output ("90.042000\n").
func ParseDuration(out string) (float64, error) {
	s := strings.TrimSpace(out)
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNoDuration, s)
	}
	if math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrNoDuration, s)
	}
	return d, nil
}

// Transform applies op to inputPath and writes outputPath. It refuses to start
// when the host is short on CPU, memory or disk.
func (r *Runner) Transform(ctx context.Context, op Operation, inputPath, outputPath string) (string, error) {
	if err := r.checkResources(); err != nil {
		return "", fmt.Errorf("insufficient system resources: %w", err)
	}

	args, err := BuildArgs(op, inputPath, outputPath)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.FFTimeout)
	defer cancel()

	outputLog, err := r.Exec(ctx, args...)
	if err != nil {
		// Clean up the (likely empty or partial) output file.
		os.Remove(outputPath)
		return outputLog, err
	}
	return outputLog, nil
}

// checkResources verifies that the system has enough free resources to start a new job.
func (r *Runner) checkResources() error {
	// CPU
	p, err := cpu.Percent(time.Second, false)
	if err != nil {
		log.Warn().Err(err).Msg("could not get CPU usage")
	} else if len(p) > 0 && p[0] > (100.0-r.cfg.ThrottleCPU) {
		return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], r.cfg.ThrottleCPU)
	}

	// Memory
	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Warn().Err(err).Msg("could not get memory usage")
	} else if vm.Available < uint64(r.cfg.ThrottleFreeMem) {
		return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, r.cfg.ThrottleFreeMem)
	}

	// Disk
	d, err := disk.Usage(r.tempDir)
	if err != nil {
		log.Warn().Err(err).Str("dir", r.tempDir).Msg("could not get disk usage")
	} else if d.Free < uint64(r.cfg.ThrottleFreeDisk) {
		return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, r.cfg.ThrottleFreeDisk)
	}
	return nil
}

// DiskFreeMB reports free space of dir in MiB, or -1 when unknown.
func DiskFreeMB(dir string) float64 {
	d, err := disk.Usage(dir)
	if err != nil {
		return -1
	}
	return float64(d.Free) / (1024 * 1024)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
