package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/MimeLyc/transcribe-worker/internal/model"
	"github.com/MimeLyc/transcribe-worker/pkg/log"
)

// Converter turns the raw download into the canonical waveform the model expects.
type Converter interface {
	Convert(ctx context.Context, input, output string) error
}

// Pipeline runs Fetch, Convert and Transcribe in order and stops at the first failure.
type Pipeline struct {
	fetcher   Fetcher
	converter Converter
	model     model.Model
}

func New(fetcher Fetcher, converter Converter, m model.Model) *Pipeline {
	return &Pipeline{
		fetcher:   fetcher,
		converter: converter,
		model:     m,
	}
}

// Run executes the stages for one job. Every stage is announced through emit before
// it starts; the terminal event is left to the caller. The returned error is always
// an *Error.
func (p *Pipeline) Run(ctx context.Context, jobID, sourceRef string, ws Workspace, emit EmitFunc) (string, error) {
	emit(ProgressEvent{JobID: jobID, Stage: StageFetching})
	raw, err := p.Fetch(ctx, sourceRef, ws)
	if err != nil {
		return "", err
	}

	emit(ProgressEvent{JobID: jobID, Stage: StageConverting})
	converted, err := p.Convert(ctx, raw, ws)
	if err != nil {
		return "", err
	}

	emit(ProgressEvent{JobID: jobID, Stage: StageTranscribing})
	return p.Transcribe(ctx, converted, func(fraction float64) {
		emit(ProgressEvent{
			JobID:    jobID,
			Stage:    StageTranscribing,
			Progress: FloatPtr(fraction),
		})
	})
}

func (p *Pipeline) Fetch(ctx context.Context, sourceRef string, ws Workspace) (string, error) {
	source, err := ParseSource(sourceRef)
	if err != nil {
		return "", err
	}

	dest := ws.RawPath()
	ws.Track(dest)
	if err := p.fetcher.Fetch(ctx, source, dest); err != nil {
		var pErr *Error
		if errors.As(err, &pErr) {
			return "", pErr
		}
		return "", FetchError("fetch failed", 0, err)
	}
	log.Debug("Fetched %s into %s", redact(source), dest)
	return dest, nil
}

func (p *Pipeline) Convert(ctx context.Context, rawFile string, ws Workspace) (string, error) {
	dest := ws.ConvertedPath()
	ws.Track(dest)
	if err := p.converter.Convert(ctx, rawFile, dest); err != nil {
		var pErr *Error
		if errors.As(err, &pErr) {
			return "", pErr
		}
		return "", ConversionError("conversion failed", -1, err)
	}
	return dest, nil
}

// Transcribe runs the model on convertedFile. A model-reported error and a broken
// model capability both become transcription errors; Faulted tells them apart.
func (p *Pipeline) Transcribe(ctx context.Context, convertedFile string, onProgress model.ProgressFunc) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = TranscriptionError(fmt.Sprintf("model panicked: %v", r), true, nil)
		}
	}()

	text, err = p.model.Transcribe(ctx, convertedFile, onProgress)
	if err != nil {
		var resErr *model.ResultError
		if errors.As(err, &resErr) {
			return "", TranscriptionError(resErr.Detail, false, err)
		}
		return "", TranscriptionError("model capability failed", true, err)
	}
	return text, nil
}
