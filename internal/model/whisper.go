package model

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"

	"github.com/MimeLyc/transcribe-worker/pkg/file"
	"github.com/MimeLyc/transcribe-worker/pkg/log"
)

const (
	DefaultWhisperBinary = "whisper-cli"

	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

var progressPattern = regexp.MustCompile(`progress\s*=\s*(\d{1,3})%`)

// WhisperLoader loads whisper.cpp models and runs them through the CLI binary.
type WhisperLoader struct {
	Binary   string
	ModelDir string
	Language language.Tag
	Threads  int
}

// Load resolves modelID to a ggml model file. modelID is either a path to the file
// or a short name such as "base.en", looked up as <ModelDir>/ggml-<name>.bin.
// The CLI reads the weights on every Transcribe; Load only pins the file and
// device so a missing model fails the worker at startup rather than per job.
func (l WhisperLoader) Load(_ context.Context, modelID, device string) (Model, error) {
	binary := l.Binary
	if binary == "" {
		binary = DefaultWhisperBinary
	}
	binPath, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("whisper binary %q: %w", binary, err)
	}

	modelPath, err := l.resolveModelPath(modelID)
	if err != nil {
		return nil, err
	}

	deviceArgs, err := parseDevice(device)
	if err != nil {
		return nil, err
	}

	m := &whisperModel{
		binary:     binPath,
		modelPath:  modelPath,
		deviceArgs: deviceArgs,
		threads:    l.Threads,
	}
	if l.Language != language.Und {
		base, _ := l.Language.Base()
		m.lang = base.String()
	}
	log.Info("Loaded whisper model %s (device=%s lang=%s)", modelPath, deviceOrDefault(device), m.langOrAuto())
	return m, nil
}

func (l WhisperLoader) resolveModelPath(modelID string) (string, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return "", fmt.Errorf("model id is required")
	}

	candidates := []string{modelID}
	if l.ModelDir != "" && !strings.ContainsRune(modelID, os.PathSeparator) {
		candidates = append(candidates, fmt.Sprintf("%s%cggml-%s.bin", l.ModelDir, os.PathSeparator, modelID))
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("model %q not found (looked in %s)", modelID, strings.Join(candidates, ", "))
}

func parseDevice(device string) ([]string, error) {
	device = strings.ToLower(strings.TrimSpace(device))
	switch {
	case device == "" || device == DeviceCUDA || device == "gpu":
		return nil, nil
	case device == DeviceCPU:
		return []string{"-ng"}, nil
	case strings.HasPrefix(device, DeviceCUDA+":"):
		idx, err := strconv.Atoi(strings.TrimPrefix(device, DeviceCUDA+":"))
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("invalid device %q", device)
		}
		return []string{"-dev", strconv.Itoa(idx)}, nil
	default:
		return nil, fmt.Errorf("unsupported device %q", device)
	}
}

func deviceOrDefault(device string) string {
	if strings.TrimSpace(device) == "" {
		return DeviceCUDA
	}
	return device
}

type whisperModel struct {
	// one transcription at a time per loaded instance
	mu sync.Mutex

	binary     string
	modelPath  string
	deviceArgs []string
	lang       string
	threads    int
	closed     bool
}

func (m *whisperModel) langOrAuto() string {
	if m.lang == "" {
		return "auto"
	}
	return m.lang
}

func (m *whisperModel) args(audioPath, outBase string) []string {
	args := []string{
		"-m", m.modelPath,
		"-f", audioPath,
		"-of", outBase,
		"-otxt",
		"-nt",
		"-pp",
		"-l", m.langOrAuto(),
	}
	if m.threads > 0 {
		args = append(args, "-t", strconv.Itoa(m.threads))
	}
	return append(args, m.deviceArgs...)
}

// Transcribe writes <audio>.txt next to the input and returns its content as is.
func (m *whisperModel) Transcribe(ctx context.Context, audioPath string, onProgress ProgressFunc) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", errors.New("model is closed")
	}

	outBase := file.TrimExt(audioPath)
	cmd := exec.CommandContext(ctx, m.binary, m.args(audioPath, outBase)...)
	cmd.WaitDelay = 5 * time.Second
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start whisper: %w", err)
	}

	stderrTail := scanProgress(stderrPipe, onProgress)
	waitErr := cmd.Wait()
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.Exited() && ctx.Err() == nil {
			return "", &ResultError{Detail: fmt.Sprintf("exit %d: %s", exitErr.ExitCode(), stderrTail)}
		}
		return "", fmt.Errorf("whisper terminated abnormally: %w", waitErr)
	}

	text, err := os.ReadFile(file.ReplaceExt(audioPath, "txt"))
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return string(text), nil
}

// scanProgress forwards "progress = NN%" lines and returns the last stderr lines.
func scanProgress(r io.Reader, onProgress ProgressFunc) string {
	const keep = 8
	var last []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if match := progressPattern.FindStringSubmatch(line); match != nil {
			if pct, err := strconv.Atoi(match[1]); err == nil && onProgress != nil {
				onProgress(clampFraction(float64(pct) / 100))
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		last = append(last, line)
		if len(last) > keep {
			last = last[1:]
		}
	}
	// keep draining so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
	return strings.Join(last, "\n")
}

func clampFraction(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func (m *whisperModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
