package service

import (
	"fmt"

	"github.com/MimeLyc/transcribe-worker/internal/config"
	"github.com/MimeLyc/transcribe-worker/internal/media"
	"github.com/MimeLyc/transcribe-worker/internal/model"
	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
)

// Components are the pieces a worker context is built from. Zero fields are
// filled from the configuration.
type Components struct {
	Loader    model.Loader
	Fetcher   pipeline.Fetcher
	Converter pipeline.Converter
}

func (c Components) withDefaults(cfg config.Config) (Components, error) {
	if c.Loader == nil {
		c.Loader = model.WhisperLoader{
			Binary:   cfg.Model.WhisperBin,
			ModelDir: cfg.Model.Dir,
			Language: cfg.Model.Language,
			Threads:  cfg.Model.Threads,
		}
	}
	if c.Fetcher == nil {
		fetcher, err := newFetcher(cfg)
		if err != nil {
			return c, err
		}
		c.Fetcher = fetcher
	}
	if c.Converter == nil {
		c.Converter = media.NewFfmpeg(
			media.WithBinaries(cfg.Convert.FFmpegBin, cfg.Convert.FFprobeBin),
			media.WithTimeout(cfg.Convert.Timeout),
		)
	}
	return c, nil
}

// newFetcher routes http(s) sources to the HTTP client and s3 sources to S3.
func newFetcher(cfg config.Config) (*pipeline.SchemeFetcher, error) {
	httpFetcher := pipeline.NewHTTPFetcher(cfg.Fetch.Timeout, pipeline.WithMaxBytes(cfg.Fetch.MaxBytes))
	s3Fetcher, err := pipeline.NewS3Fetcher(pipeline.S3Config{
		Region:   cfg.S3.Region,
		Endpoint: cfg.S3.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 fetcher: %w", err)
	}
	return pipeline.NewSchemeFetcher().
		Register(httpFetcher, "http", "https").
		Register(s3Fetcher, "s3"), nil
}
