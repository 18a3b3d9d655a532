package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/platform/cache"
)

// CachedRepository is a read-through cache in front of a Repository.
// Records and transcripts are cached per session and invalidated on write.
// Cache failures are logged and never fail the call.
type CachedRepository struct {
	Repository
	cache  cache.Store
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedRepository(inner Repository, store cache.Store, ttl time.Duration, logger zerolog.Logger) *CachedRepository {
	return &CachedRepository{Repository: inner, cache: store, ttl: ttl, logger: logger}
}

func consultationKey(sessionID string) string { return "consultation:" + sessionID }
func transcriptKey(sessionID string) string   { return "transcript:" + sessionID }

func (r *CachedRepository) GetBySession(ctx context.Context, sessionID string) (*Consultation, error) {
	var c Consultation
	if r.load(ctx, consultationKey(sessionID), &c) {
		return &c, nil
	}
	out, err := r.Repository.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	r.store(ctx, consultationKey(sessionID), out)
	return out, nil
}

func (r *CachedRepository) Save(ctx context.Context, c *Consultation) error {
	if err := r.Repository.Save(ctx, c); err != nil {
		return err
	}
	r.invalidate(ctx, consultationKey(c.SessionID))
	return nil
}

func (r *CachedRepository) MarkReviewed(ctx context.Context, sessionID, reviewer string, at time.Time) error {
	if err := r.Repository.MarkReviewed(ctx, sessionID, reviewer, at); err != nil {
		return err
	}
	r.invalidate(ctx, consultationKey(sessionID))
	return nil
}

func (r *CachedRepository) GetTranscript(ctx context.Context, sessionID string) (*Transcript, error) {
	var t Transcript
	if r.load(ctx, transcriptKey(sessionID), &t) {
		return &t, nil
	}
	out, err := r.Repository.GetTranscript(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	r.store(ctx, transcriptKey(sessionID), out)
	return out, nil
}

func (r *CachedRepository) SaveTranscript(ctx context.Context, t *Transcript) error {
	if err := r.Repository.SaveTranscript(ctx, t); err != nil {
		return err
	}
	r.invalidate(ctx, transcriptKey(t.SessionID))
	return nil
}

func (r *CachedRepository) load(ctx context.Context, key string, dst interface{}) bool {
	data, err := r.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			r.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("discarding corrupt cache entry")
		r.invalidate(ctx, key)
		return false
	}
	return true
}

func (r *CachedRepository) store(ctx context.Context, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, data, r.ttl); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func (r *CachedRepository) invalidate(ctx context.Context, key string) {
	if err := r.cache.Delete(ctx, key); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("cache invalidation failed")
	}
}
