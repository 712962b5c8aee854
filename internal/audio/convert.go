package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const convertTimeout = 60 * time.Second

// Converter transcodes audio between container formats.
type Converter interface {
	Convert(ctx context.Context, data []byte, fromFormat, toFormat string) ([]byte, error)
}

// FFmpegConverter shells out to ffmpeg for format conversion. The binary is
// probed once at construction so a missing install fails fast.
type FFmpegConverter struct {
	binPath string
}

func NewFFmpegConverter(binPath string) (*FFmpegConverter, error) {
	binPath = strings.TrimSpace(binPath)
	if binPath == "" {
		binPath = "ffmpeg"
	}
	resolved, err := exec.LookPath(binPath)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not available: %w", err)
	}
	return &FFmpegConverter{binPath: resolved}, nil
}

func (c *FFmpegConverter) Convert(ctx context.Context, data []byte, fromFormat, toFormat string) ([]byte, error) {
	if strings.EqualFold(fromFormat, toFormat) {
		return data, nil
	}
	ctx, cancel := context.WithTimeout(ctx, convertTimeout)
	defer cancel()

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", normalizeFormat(fromFormat), "-i", "pipe:0",
		"-f", normalizeFormat(toFormat), "pipe:1",
	}
	cmd := exec.CommandContext(ctx, c.binPath, args...)
	cmd.Stdin = bytes.NewReader(data)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("ffmpeg %s->%s: %s", fromFormat, toFormat, detail)
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg %s->%s produced no output", fromFormat, toFormat)
	}
	return out.Bytes(), nil
}

func normalizeFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	// ffmpeg's muxer name for .m4a content.
	if f == "m4a" {
		return "mp4"
	}
	return f
}
