// Package ytdlp implements task extraction on top of the yt-dlp binary via
// github.com/lrstanley/go-ytdlp.
package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-task-service/internal/task"
)

// Options describe a single yt-dlp invocation.
type Options struct {
	Format       string
	Output       string
	Quiet        bool
	SkipDownload bool
}

// Runner executes yt-dlp for url and returns the info documents it printed,
// one per extracted entry. On failure it may still return partial documents.
type Runner func(ctx context.Context, opts Options, url string) ([]map[string]any, error)

// Config controls the extractor.
type Config struct {
	// Binary overrides the yt-dlp executable path; empty uses $PATH.
	Binary string
}

// Extractor downloads media for jobs and probes metadata.
type Extractor struct {
	run    Runner
	logger *zap.Logger
}

// New returns an Extractor that shells out to yt-dlp.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{run: commandRunner(cfg.Binary, logger), logger: logger}
}

// NewWithRunner returns an Extractor using run (primarily for testing).
func NewWithRunner(run Runner, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{run: run, logger: logger}
}

// Extract downloads job.URL into job.OutputPath. Files are named
// "<format>-<title>.<ext>" with the format made filesystem safe.
func (e *Extractor) Extract(ctx context.Context, job task.Job) (task.Result, error) {
	if err := os.MkdirAll(job.OutputPath, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	opts := Options{
		Format: job.Format,
		Output: OutputTemplate(job.OutputPath, job.Format),
		Quiet:  job.Quiet,
	}
	infos, err := e.run(ctx, opts, job.URL)
	var partial task.Result
	if len(infos) > 0 {
		partial = shapeResult(infos[0])
	}
	if err != nil {
		return partial, err
	}
	if partial == nil {
		return nil, errors.New("yt-dlp returned no metadata")
	}
	return partial, nil
}

// Info returns metadata for url without downloading.
func (e *Extractor) Info(ctx context.Context, url string) (task.Result, error) {
	infos, err := e.run(ctx, Options{SkipDownload: true, Quiet: true}, url)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, errors.New("yt-dlp returned no metadata")
	}
	return task.Result(infos[0]), nil
}

// Formats lists the formats yt-dlp reports for url.
func (e *Extractor) Formats(ctx context.Context, url string) ([]any, error) {
	info, err := e.Info(ctx, url)
	if err != nil {
		return nil, err
	}
	formats, _ := info["formats"].([]any)
	if formats == nil {
		formats = []any{}
	}
	return formats, nil
}

// OutputTemplate builds the yt-dlp -o template for a download.
func OutputTemplate(dir, format string) string {
	return filepath.Join(dir, NormalizeFormat(format)+"-%(title)s.%(ext)s")
}

var unsafeChars = strings.NewReplacer(
	"/", "_", `\`, "_", ":", "_", "*", "_", "?", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_",
)

// NormalizeFormat makes a format selector safe for use in a filename.
func NormalizeFormat(s string) string {
	return unsafeChars.Replace(strings.TrimSpace(s))
}

// shapeResult records the downloaded file path under "filepath" so the file
// endpoint can find it regardless of which key yt-dlp populated.
func shapeResult(info map[string]any) task.Result {
	r := task.Result(info)
	if path := r.Filename(); path != "" {
		r["filepath"] = path
		return r
	}
	if dl, ok := info["requested_downloads"].([]any); ok && len(dl) > 0 {
		if first, ok := dl[0].(map[string]any); ok {
			if p, ok := first["filepath"].(string); ok && p != "" {
				r["filepath"] = p
			}
		}
	}
	return r
}
