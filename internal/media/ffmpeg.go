package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
	"github.com/MimeLyc/transcribe-worker/pkg/log"
)

const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	DefaultTimeout    = 10 * time.Minute

	// stderr kept on failures
	stderrTail = 2048
)

// FFmpeg normalizes media into mono 16 kHz signed 16-bit PCM WAV.
type FFmpeg struct {
	ffmpegCmd  string
	ffprobeCmd string
	timeout    time.Duration
	sampleRate int
	channels   int
	runner     commandRunner
}

type Option func(*FFmpeg)

func WithBinaries(ffmpegCmd, ffprobeCmd string) Option {
	return func(ff *FFmpeg) {
		if ffmpegCmd != "" {
			ff.ffmpegCmd = ffmpegCmd
		}
		ff.ffprobeCmd = ffprobeCmd
	}
}

// WithTimeout bounds every external invocation. Values <= 0 keep the default;
// there is always a deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(ff *FFmpeg) {
		if timeout > 0 {
			ff.timeout = timeout
		}
	}
}

func WithFormat(sampleRate, channels int) Option {
	return func(ff *FFmpeg) {
		if sampleRate > 0 {
			ff.sampleRate = sampleRate
		}
		if channels > 0 {
			ff.channels = channels
		}
	}
}

func withRunner(r commandRunner) Option {
	return func(ff *FFmpeg) {
		ff.runner = r
	}
}

func NewFfmpeg(opts ...Option) *FFmpeg {
	ff := &FFmpeg{
		ffmpegCmd:  "ffmpeg",
		ffprobeCmd: "ffprobe",
		timeout:    DefaultTimeout,
		sampleRate: DefaultSampleRate,
		channels:   DefaultChannels,
		runner:     execRunner{},
	}
	for _, opt := range opts {
		opt(ff)
	}
	return ff
}

// Convert writes the canonical waveform of input to output. Any exit other than 0
// with the output present is a conversion error carrying the exit code. The probe
// and the conversion share one deadline.
func (ff *FFmpeg) Convert(ctx context.Context, input, output string) error {
	cmdPath, err := exec.LookPath(ff.ffmpegCmd)
	if err != nil {
		return pipeline.ConversionError(fmt.Sprintf("%s not found", ff.ffmpegCmd), -1, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, ff.timeout)
	defer cancel()

	if ff.ffprobeCmd != "" {
		info, err := ff.probe(runCtx, input)
		if err != nil {
			return err
		}
		if !info.HasAudio {
			return pipeline.ConversionError("source has no audio stream", -1, nil)
		}
		log.Debug("Probed %s: duration=%s format=%s", input, info.Duration, info.Format)
	}

	res, err := ff.runner.Run(runCtx, cmdPath, ff.convertArgs(input, output)...)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return ff.timeoutError("ffmpeg", err)
		}
		return pipeline.ConversionError(
			fmt.Sprintf("ffmpeg exited with %d: %s", res.ExitCode, tail(res.Stderr)), res.ExitCode, err)
	}

	if _, err := os.Stat(output); err != nil {
		return pipeline.ConversionError("ffmpeg exited with 0 but wrote no output", 0, err)
	}
	return nil
}

func (ff *FFmpeg) timeoutError(tool string, err error) *pipeline.Error {
	convErr := pipeline.ConversionError(fmt.Sprintf("%s did not finish within %s", tool, ff.timeout), -1, err)
	convErr.TimedOut = true
	return convErr
}

type ProbeInfo struct {
	Format   string
	Duration time.Duration
	HasAudio bool
}

// Probe inspects the container with ffprobe.
func (ff *FFmpeg) Probe(ctx context.Context, input string) (ProbeInfo, error) {
	runCtx, cancel := context.WithTimeout(ctx, ff.timeout)
	defer cancel()
	return ff.probe(runCtx, input)
}

func (ff *FFmpeg) probe(ctx context.Context, input string) (ProbeInfo, error) {
	cmdPath, err := exec.LookPath(ff.ffprobeCmd)
	if err != nil {
		return ProbeInfo{}, pipeline.ConversionError(fmt.Sprintf("%s not found", ff.ffprobeCmd), -1, err)
	}

	res, err := ff.runner.Run(ctx, cmdPath, ff.probeArgs(input)...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ProbeInfo{}, ff.timeoutError("ffprobe", err)
		}
		return ProbeInfo{}, pipeline.ConversionError(
			fmt.Sprintf("ffprobe exited with %d: %s", res.ExitCode, tail(res.Stderr)), res.ExitCode, err)
	}

	var probeResult struct {
		Streams []struct {
			CodecType string `json:"codec_type"`
		} `json:"streams"`
		Format struct {
			FormatName string `json:"format_name"`
			Duration   string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &probeResult); err != nil {
		return ProbeInfo{}, pipeline.ConversionError("unreadable ffprobe output", 0, err)
	}

	info := ProbeInfo{Format: probeResult.Format.FormatName}
	if secs, err := strconv.ParseFloat(probeResult.Format.Duration, 64); err == nil {
		info.Duration = time.Duration(secs * float64(time.Second))
	}
	for _, stream := range probeResult.Streams {
		if stream.CodecType == "audio" {
			info.HasAudio = true
			break
		}
	}
	return info, nil
}

func (ff *FFmpeg) convertArgs(input, output string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", input,
		"-vn",
		"-ac", strconv.Itoa(ff.channels),
		"-ar", strconv.Itoa(ff.sampleRate),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		output,
	}
}

func (ff *FFmpeg) probeArgs(input string) []string {
	return []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		input,
	}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = s[len(s)-stderrTail:]
	}
	return s
}

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// a killed ffmpeg may leave children holding the pipes open
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
	}
	return res, err
}
