package ytdlp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goytdlp "github.com/lrstanley/go-ytdlp"
	"go.uber.org/zap"
)

const progressInterval = 5 * time.Second

// commandRunner builds a Runner around go-ytdlp's command builder.
func commandRunner(binary string, logger *zap.Logger) Runner {
	return func(ctx context.Context, opts Options, url string) ([]map[string]any, error) {
		cmd := goytdlp.New().
			NoAbortOnError().
			RestrictFilenames().
			PrintJSON()
		if binary != "" {
			cmd = cmd.SetExecutable(binary)
		}
		if opts.Format != "" {
			cmd = cmd.Format(opts.Format)
		}
		if opts.Output != "" {
			cmd = cmd.Output(opts.Output)
		}
		if opts.Quiet {
			cmd = cmd.Quiet().NoWarnings()
		}
		if opts.SkipDownload {
			cmd = cmd.SkipDownload()
		} else {
			cmd.ProgressFunc(progressInterval, func(update goytdlp.ProgressUpdate) {
				fields := []zap.Field{
					zap.String("url", url),
					zap.Int("downloaded_bytes", update.DownloadedBytes),
					zap.Int("total_bytes", update.TotalBytes),
				}
				if update.Info != nil && update.Info.Title != nil {
					fields = append(fields, zap.String("title", *update.Info.Title))
				}
				logger.Debug("download progress", fields...)
			})
		}

		result, runErr := cmd.Run(ctx, url)
		infos := decodeInfos(result, logger)
		if runErr != nil {
			return infos, fmt.Errorf("yt-dlp: %w", runErr)
		}
		return infos, nil
	}
}

// decodeInfos converts go-ytdlp's typed info into generic maps so the full
// document is kept verbatim in the task result.
func decodeInfos(result *goytdlp.Result, logger *zap.Logger) []map[string]any {
	if result == nil {
		return nil
	}
	extracted, err := result.GetExtractedInfo()
	if err != nil {
		logger.Debug("no extracted info in yt-dlp output", zap.Error(err))
		return nil
	}
	out := make([]map[string]any, 0, len(extracted))
	for _, info := range extracted {
		raw, err := json.Marshal(info)
		if err != nil {
			logger.Warn("encode extracted info", zap.Error(err))
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			logger.Warn("decode extracted info", zap.Error(err))
			continue
		}
		out = append(out, doc)
	}
	return out
}
