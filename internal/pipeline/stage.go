package pipeline

import "fmt"

// Stage is one phase of a job. The numeric order is the order in which a job
// moves through the phases; Failed sorts last and may follow any non-terminal stage.
type Stage int

const (
	StageUnknown Stage = iota
	StageFetching
	StageConverting
	StageTranscribing
	StageCompleted
	StageFailed
)

var stageNames = map[Stage]string{
	StageUnknown:      "unknown",
	StageFetching:     "fetching",
	StageConverting:   "converting",
	StageTranscribing: "transcribing",
	StageCompleted:    "completed",
	StageFailed:       "failed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// CanAdvance reports whether an event for next may follow an event for s.
// Repeating the current stage is allowed so progress updates can be reported.
func (s Stage) CanAdvance(next Stage) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	if next == StageUnknown {
		return false
	}
	return next >= s
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseStage(raw string) (Stage, error) {
	for stage, name := range stageNames {
		if name == raw {
			return stage, nil
		}
	}
	if raw == "" {
		return StageUnknown, nil
	}
	return StageUnknown, fmt.Errorf("unknown stage %q", raw)
}
