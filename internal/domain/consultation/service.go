package consultation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/telemed/telemed/internal/platform/nlp"
	"github.com/telemed/telemed/internal/platform/transcribe"
)

const instrumentationName = "github.com/telemed/telemed/internal/domain/consultation"

// Event types published after state changes.
const (
	EventExtracted         = "consultation.extracted"
	EventReviewed          = "consultation.reviewed"
	EventTranscriptUpdated = "transcript.updated"
)

// EventPublisher receives session change notifications.
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, eventType, sessionID string, data interface{}) error
}

// Transcriber converts consultation audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

type Service struct {
	repo        Repository
	recognizer  nlp.Recognizer
	categorizer *Categorizer
	transcriber Transcriber
	events      EventPublisher
	logger      zerolog.Logger
	now         func() time.Time

	tracer      trace.Tracer
	extractions metric.Int64Counter
	entities    metric.Int64Counter
}

type Option func(*Service)

func WithTranscriber(t Transcriber) Option {
	return func(s *Service) { s.transcriber = t }
}

func WithEvents(p EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, recognizer nlp.Recognizer, categorizer *Categorizer, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		recognizer:  recognizer,
		categorizer: categorizer,
		logger:      logger.With().Str("component", "consultation").Logger(),
		now:         time.Now,
		tracer:      otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}

	meter := otel.Meter(instrumentationName)
	var err error
	if s.extractions, err = meter.Int64Counter("consultation.extractions",
		metric.WithDescription("Extraction runs by result")); err != nil {
		s.logger.Warn().Err(err).Msg("extraction counter unavailable")
	}
	if s.entities, err = meter.Int64Counter("consultation.entities",
		metric.WithDescription("Categorized entities by outcome")); err != nil {
		s.logger.Warn().Err(err).Msg("entity counter unavailable")
	}
	return s
}

// Extract recognizes and categorizes the stored transcript of a session and
// saves the result, keeping previously captured demographics the new pass
// did not detect.
func (s *Service) Extract(ctx context.Context, sessionID string) (*Consultation, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	t, err := s.repo.GetTranscript(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.extractText(ctx, sessionID, t.Text)
}

func (s *Service) extractText(ctx context.Context, sessionID, text string) (*Consultation, error) {
	ctx, span := s.tracer.Start(ctx, "consultation.extract", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	entities, err := s.recognizer.Recognize(ctx, text)
	if err != nil {
		s.countExtraction(ctx, "recognizer_error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "recognition failed")
		return nil, err
	}

	var existing *StructuredRecord
	prev, err := s.repo.GetBySession(ctx, sessionID)
	switch {
	case err == nil:
		existing = prev.Record
	case !errors.Is(err, ErrNotFound):
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("existing record lookup failed; extracting without merge")
	}

	rec := s.categorizer.Categorize(entities, existing)
	s.countEntities(ctx, entities)

	now := s.now().UTC()
	c := &Consultation{SessionID: sessionID, Record: rec, ExtractedAt: now, UpdatedAt: now}
	if err := s.repo.Save(ctx, c); err != nil {
		s.countExtraction(ctx, "store_error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return nil, err
	}

	s.countExtraction(ctx, "ok")
	span.SetAttributes(attribute.Int("consultation.entities", len(entities)))
	s.logger.Info().
		Str("session_id", sessionID).
		Int("entities", len(entities)).
		Int("categorized", rec.EntityCount()).
		Msg("consultation extracted")
	s.publish(ctx, EventExtracted, sessionID, c.Summarize())
	return c, nil
}

// Preview recognizes and categorizes text without persisting anything.
func (s *Service) Preview(ctx context.Context, text string) (*StructuredRecord, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyTranscript
	}
	ctx, span := s.tracer.Start(ctx, "consultation.preview")
	defer span.End()

	entities, err := s.recognizer.Recognize(ctx, text)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.categorizer.Categorize(entities, nil), nil
}

func (s *Service) GetConsultation(ctx context.Context, sessionID string) (*Consultation, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	return s.repo.GetBySession(ctx, sessionID)
}

func (s *Service) GetSummary(ctx context.Context, sessionID string) (*Summary, error) {
	c, err := s.GetConsultation(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return c.Summarize(), nil
}

func (s *Service) GetTranscript(ctx context.Context, sessionID string) (*Transcript, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	return s.repo.GetTranscript(ctx, sessionID)
}

// SessionItem is one row of the session listing. Summary is nil for sessions
// that have a transcript but no record yet.
type SessionItem struct {
	SessionID string   `json:"session_id"`
	Summary   *Summary `json:"summary"`
}

func (s *Service) ListSessions(ctx context.Context, limit, offset int) ([]*SessionItem, int, error) {
	ids, total, err := s.repo.ListSessions(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items := make([]*SessionItem, 0, len(ids))
	for _, id := range ids {
		item := &SessionItem{SessionID: id}
		c, err := s.repo.GetBySession(ctx, id)
		switch {
		case err == nil:
			item.Summary = c.Summarize()
		case !errors.Is(err, ErrNotFound):
			return nil, 0, err
		}
		items = append(items, item)
	}
	return items, total, nil
}

// SubmitTranscript stores text as the session transcript, replacing any
// previous one, and extracts it when extract is set.
func (s *Service) SubmitTranscript(ctx context.Context, sessionID, text, source string, extract bool) (*Transcript, *Consultation, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil, ErrEmptyTranscript
	}
	if source == "" {
		source = SourceManual
	}

	now := s.now().UTC()
	t := &Transcript{SessionID: sessionID, Text: text, Source: source, CreatedAt: now, UpdatedAt: now}
	if err := s.repo.SaveTranscript(ctx, t); err != nil {
		return nil, nil, err
	}
	s.logger.Info().Str("session_id", sessionID).Str("source", source).Int("chars", len(text)).Msg("transcript stored")
	s.publish(ctx, EventTranscriptUpdated, sessionID, map[string]string{"source": source})

	if !extract {
		return t, nil, nil
	}
	c, err := s.extractText(ctx, sessionID, text)
	if err != nil {
		return t, nil, fmt.Errorf("transcript stored but extraction failed: %w", err)
	}
	return t, c, nil
}

// CreateSession starts a new session from a manually entered transcript.
func (s *Service) CreateSession(ctx context.Context, text string, extract bool) (*Transcript, *Consultation, error) {
	return s.SubmitTranscript(ctx, NewSessionID(), text, SourceManual, extract)
}

// TranscribeAudio runs the transcriber over an uploaded recording and stores
// the result as the session transcript.
func (s *Service) TranscribeAudio(ctx context.Context, sessionID, filename string, audio io.Reader, extract bool) (*Transcript, *Consultation, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, nil, err
	}
	if s.transcriber == nil {
		return nil, nil, fmt.Errorf("%w: no transcriber configured", transcribe.ErrTranscriberUnavailable)
	}
	text, err := s.transcriber.Transcribe(ctx, filename, audio)
	if err != nil {
		return nil, nil, err
	}
	return s.SubmitTranscript(ctx, sessionID, text, SourceAudio, extract)
}

// Review records that reviewer has checked the current record.
func (s *Service) Review(ctx context.Context, sessionID, reviewer string) (*Consultation, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if reviewer == "" {
		return nil, fmt.Errorf("reviewer is required")
	}
	if err := s.repo.MarkReviewed(ctx, sessionID, reviewer, s.now().UTC()); err != nil {
		return nil, err
	}
	c, err := s.repo.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("session_id", sessionID).Str("reviewer", reviewer).Msg("consultation reviewed")
	s.publish(ctx, EventReviewed, sessionID, c.Summarize())
	return c, nil
}

func (s *Service) publish(ctx context.Context, eventType, sessionID string, data interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishSessionEvent(ctx, eventType, sessionID, data); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Str("session_id", sessionID).Msg("event publish failed")
	}
}

func (s *Service) countExtraction(ctx context.Context, result string) {
	if s.extractions != nil {
		s.extractions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (s *Service) countEntities(ctx context.Context, entities []nlp.Entity) {
	if s.entities == nil {
		return
	}
	counts := make(map[Outcome]int64)
	for _, e := range entities {
		counts[s.categorizer.Classify(e)]++
	}
	for outcome, n := range counts {
		s.entities.Add(ctx, n, metric.WithAttributes(attribute.String("outcome", outcome.String())))
	}
}

// NewSessionID returns a new lexically sortable session id.
func NewSessionID() string {
	return ulid.Make().String()
}
