package consultation

import (
	"context"
	"time"
)

// Repository persists transcripts and structured records, one of each per
// session.
type Repository interface {
	// GetBySession returns ErrNotFound when the session has no record.
	GetBySession(ctx context.Context, sessionID string) (*Consultation, error)
	// Save overwrites any existing record for c.SessionID.
	Save(ctx context.Context, c *Consultation) error
	// MarkReviewed returns ErrNotFound when the session has no record.
	MarkReviewed(ctx context.Context, sessionID, reviewer string, at time.Time) error
	// GetTranscript returns ErrTranscriptNotFound when the session has no transcript.
	GetTranscript(ctx context.Context, sessionID string) (*Transcript, error)
	SaveTranscript(ctx context.Context, t *Transcript) error
	// ListSessions returns distinct session ids across transcripts and
	// records, ordered by id.
	ListSessions(ctx context.Context, limit, offset int) ([]string, int, error)
}
