package audio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	listFileName   = "file_list.txt"
	tempMergedName = "temp_merged"
)

// FFmpeg normalizes recorded fragments into mono pcm_s16le WAV at a fixed
// sample rate by shelling out to the ffmpeg binary.
type FFmpeg struct {
	bin        string
	sampleRate int
}

func NewFFmpeg(bin string, sampleRate int) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	return &FFmpeg{bin: bin, sampleRate: sampleRate}
}

// Check verifies the binary is on PATH.
func (f *FFmpeg) Check() error {
	if _, err := exec.LookPath(f.bin); err != nil {
		return fmt.Errorf("%s not found: %w", f.bin, err)
	}
	return nil
}

// Transcode converts one input straight to the normalized output. This is
// the cheap path for a single fragment.
func (f *FFmpeg) Transcode(ctx context.Context, input, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return f.run(ctx,
		"-y",
		"-i", input,
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(f.sampleRate),
		"-ac", "1",
		output,
	)
}

// Concat joins inputs in order with the concat demuxer (stream copy) and then
// transcodes the joined container to the normalized output. The list file and
// the intermediate container are removed afterwards.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("concat: no inputs")
	}
	if len(inputs) == 1 {
		return f.Transcode(ctx, inputs[0], output)
	}

	dir := filepath.Dir(output)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	listPath := filepath.Join(dir, listFileName)
	if err := os.WriteFile(listPath, concatList(inputs), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	// Stream copy needs a container that accepts the input codec.
	ext := filepath.Ext(inputs[0])
	if ext == "" {
		ext = ".webm"
	}
	temp := filepath.Join(dir, tempMergedName+ext)
	defer os.Remove(temp)

	if err := f.run(ctx,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		temp,
	); err != nil {
		return fmt.Errorf("concat %d fragments: %w", len(inputs), err)
	}

	if err := f.Transcode(ctx, temp, output); err != nil {
		return fmt.Errorf("transcode merged container: %w", err)
	}
	return nil
}

func concatList(inputs []string) []byte {
	var b bytes.Buffer
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			abs = in
		}
		abs = filepath.ToSlash(abs)
		// The concat demuxer reads single-quoted paths; a quote is written as '\''.
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	return b.Bytes()
}

func (f *FFmpeg) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, f.bin, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		slog.Debug("ffmpeg failed", "args", args, "output", string(out))
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
