// Package media extracts technical metadata (duration, resolution, codecs)
// from media files by running ffprobe against a local path or a signed URL.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/project-storage/project-storage/internal/config"
)

const defaultTimeout = 30 * time.Second

// Extractor returns media metadata for a file path or URL.
type Extractor interface {
	Extract(ctx context.Context, source string) (map[string]any, error)
}

// FFProbe runs the ffprobe binary.
type FFProbe struct {
	Path    string
	Timeout time.Duration
}

// NewFFProbe creates an extractor from configuration
func NewFFProbe(cfg *config.MediaConfig) *FFProbe {
	p := &FFProbe{Path: cfg.FFProbePath, Timeout: cfg.Timeout}
	if p.Path == "" {
		p.Path = "ffprobe"
	}
	if p.Timeout <= 0 {
		p.Timeout = defaultTimeout
	}
	return p
}

type probeOutput struct {
	Format  map[string]any   `json:"format"`
	Streams []map[string]any `json:"streams"`
}

// Extract runs ffprobe and returns its format and stream sections together
// with a summary of the first video stream.
func (p *FFProbe) Extract(ctx context.Context, source string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.Path,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		source,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("ffprobe timed out after %s", p.Timeout)
		}
		return nil, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("failed to decode ffprobe output: %w", err)
	}

	info := map[string]any{
		"format":  out.Format,
		"streams": out.Streams,
	}
	if d, ok := parseFloat(out.Format["duration"]); ok {
		info["duration"] = d
	}
	for _, s := range out.Streams {
		if s["codec_type"] != "video" {
			continue
		}
		info["codec"] = s["codec_name"]
		info["width"] = s["width"]
		info["height"] = s["height"]
		info["pixelFormat"] = s["pix_fmt"]
		if fps, ok := parseRate(s["avg_frame_rate"]); ok {
			info["frameRate"] = fps
		}
		break
	}
	return info, nil
}

func parseFloat(v any) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

// parseRate converts an ffprobe rational such as "30000/1001".
func parseRate(v any) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	num, den, found := strings.Cut(s, "/")
	if !found {
		return parseFloat(s)
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0, false
	}
	return n / d, true
}
