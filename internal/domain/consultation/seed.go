package consultation

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed sample_transcript.txt
var sampleTranscript string

// SampleTranscript returns the bundled demo consultation.
func SampleTranscript() string {
	return sampleTranscript
}

// Seed creates count demo sessions from the sample transcript and extracts
// each one. It returns the ids of the sessions created.
func (s *Service) Seed(ctx context.Context, count int) ([]string, error) {
	if count < 1 {
		return nil, fmt.Errorf("count must be at least 1")
	}
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id := NewSessionID()
		text := fmt.Sprintf("Session %s - %s", id, sampleTranscript)
		if _, _, err := s.SubmitTranscript(ctx, id, text, SourceSeed, true); err != nil {
			return ids, fmt.Errorf("seed session %s: %w", id, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
