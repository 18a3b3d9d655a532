package consultation

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telemed/telemed/internal/platform/nlp"
)

const reextractPageSize = 100

// ReextractOptions tunes a batch re-extraction run.
type ReextractOptions struct {
	// Retries is the number of extra attempts per session when the
	// recognizer is unavailable.
	Retries int
	// InitialInterval is the first retry delay.
	InitialInterval time.Duration
}

// ReextractReport summarizes a batch run.
type ReextractReport struct {
	Processed []string          `json:"processed"`
	Skipped   []string          `json:"skipped"`
	Failed    map[string]string `json:"failed"`
}

// ReextractAll re-runs extraction for every session that has a transcript.
// Sessions without one are skipped. Recognizer outages are retried with
// exponential backoff; any other failure is recorded and the run continues.
func (s *Service) ReextractAll(ctx context.Context, opts ReextractOptions) (*ReextractReport, error) {
	report := &ReextractReport{Processed: []string{}, Skipped: []string{}, Failed: map[string]string{}}

	for offset := 0; ; offset += reextractPageSize {
		ids, total, err := s.repo.ListSessions(ctx, reextractPageSize, offset)
		if err != nil {
			return report, err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			s.reextractOne(ctx, id, opts, report)
		}
		if len(ids) == 0 || offset+len(ids) >= total {
			break
		}
	}

	s.logger.Info().
		Int("processed", len(report.Processed)).
		Int("skipped", len(report.Skipped)).
		Int("failed", len(report.Failed)).
		Msg("batch re-extraction finished")
	return report, nil
}

// Reextract re-runs extraction for one session with the same retry policy
// as ReextractAll.
func (s *Service) Reextract(ctx context.Context, sessionID string, opts ReextractOptions) (*Consultation, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	var out *Consultation
	err := backoff.Retry(func() error {
		c, err := s.Extract(ctx, sessionID)
		if err != nil {
			if errors.Is(err, nlp.ErrRecognizerUnavailable) {
				s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("recognizer unavailable, retrying")
				return err
			}
			return backoff.Permanent(err)
		}
		out = c
		return nil
	}, retryPolicy(ctx, opts))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) reextractOne(ctx context.Context, id string, opts ReextractOptions, report *ReextractReport) {
	if _, err := s.Reextract(ctx, id, opts); err != nil {
		if errors.Is(err, ErrTranscriptNotFound) {
			s.logger.Debug().Str("session_id", id).Msg("no transcript, skipping")
			report.Skipped = append(report.Skipped, id)
			return
		}
		s.logger.Error().Err(err).Str("session_id", id).Msg("re-extraction failed")
		report.Failed[id] = err.Error()
		return
	}
	report.Processed = append(report.Processed, id)
}

func retryPolicy(ctx context.Context, opts ReextractOptions) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if opts.InitialInterval > 0 {
		b.InitialInterval = opts.InitialInterval
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}
