package persistence

import (
	"database/sql"

	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
)

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return pipeline.FloatPtr(v.Float64)
}

// stageText stores StageUnknown as an empty string.
func stageText(s pipeline.Stage) string {
	if s == pipeline.StageUnknown {
		return ""
	}
	return s.String()
}

func parseStage(raw string) pipeline.Stage {
	s, err := pipeline.ParseStage(raw)
	if err != nil {
		return pipeline.StageUnknown
	}
	return s
}
