// Package nlp adapts external clinical entity recognizers to a single
// Recognizer interface. Backends report either bare keyword spans or spans
// linked to coded concepts; the Adapter resolves that difference once so
// downstream consumers always receive uniform Entity values.
package nlp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRecognizerUnavailable is returned when the underlying recognizer cannot
// be reached or fails to produce a result.
var ErrRecognizerUnavailable = errors.New("recognizer unavailable")

// Entity is one clinically meaningful span detected in a transcript.
type Entity struct {
	Text          string   `json:"text"`
	SemanticTypes []string `json:"semantic_types"`
	ConceptID     string   `json:"concept_id,omitempty"`
	CanonicalName string   `json:"canonical_name,omitempty"`
}

// Recognizer turns transcript text into an ordered sequence of entities.
type Recognizer interface {
	Recognize(ctx context.Context, text string) ([]Entity, error)
}

// Variant identifies the flavour of output a backend produces.
type Variant string

const (
	VariantKeyword Variant = "keyword"
	VariantConcept Variant = "concept"
)

// ParseVariant validates a configured recognizer variant name.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case VariantKeyword, VariantConcept:
		return v, nil
	default:
		return "", fmt.Errorf("unknown recognizer variant %q", s)
	}
}

// Candidate is one coded concept a mention may be linked to.
type Candidate struct {
	ConceptID     string   `json:"cui"`
	CanonicalName string   `json:"canonical_name"`
	Score         float64  `json:"score"`
	Types         []string `json:"types"`
}

// Mention is a span reported by a concept-linking backend together with its
// candidate concepts, ranked by confidence.
type Mention struct {
	Text       string      `json:"text"`
	Candidates []Candidate `json:"concepts"`
}

// Result is the variant-tagged output of a Backend. Spans is populated for
// VariantKeyword, Mentions for VariantConcept.
type Result struct {
	Variant  Variant
	Spans    []string
	Mentions []Mention
}

// Backend is an external recognition capability.
type Backend interface {
	Detect(ctx context.Context, text string) (Result, error)
}

// Adapter normalizes any Backend into the Recognizer contract.
type Adapter struct {
	backend Backend
}

// NewAdapter wraps a backend.
func NewAdapter(backend Backend) *Adapter {
	return &Adapter{backend: backend}
}

// Recognize runs the backend and normalizes its result. Blank input yields an
// empty slice without contacting the backend. Backend failures are reported
// as ErrRecognizerUnavailable.
func (a *Adapter) Recognize(ctx context.Context, text string) ([]Entity, error) {
	if strings.TrimSpace(text) == "" {
		return []Entity{}, nil
	}

	res, err := a.backend.Detect(ctx, text)
	if err != nil {
		if errors.Is(err, ErrRecognizerUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRecognizerUnavailable, err)
	}

	switch res.Variant {
	case VariantKeyword:
		out := make([]Entity, 0, len(res.Spans))
		for _, span := range res.Spans {
			out = append(out, Entity{Text: span, SemanticTypes: []string{}})
		}
		return out, nil
	case VariantConcept:
		out := make([]Entity, 0, len(res.Mentions))
		for _, m := range res.Mentions {
			out = append(out, fromMention(m))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: backend returned unknown variant %q", ErrRecognizerUnavailable, res.Variant)
	}
}

// fromMention keeps only the top-ranked candidate of a mention.
func fromMention(m Mention) Entity {
	ent := Entity{Text: m.Text, SemanticTypes: []string{}}
	if len(m.Candidates) == 0 {
		return ent
	}
	best := m.Candidates[0]
	for _, c := range m.Candidates[1:] {
		if c.Score > best.Score {
			best = c
		}
	}
	ent.SemanticTypes = append(ent.SemanticTypes, best.Types...)
	ent.ConceptID = best.ConceptID
	ent.CanonicalName = best.CanonicalName
	return ent
}

// Options configures New.
type Options struct {
	Variant Variant
	URL     string
	Timeout time.Duration
	Lexicon []string
}

// New builds the adapter for the configured variant.
func New(opts Options) (*Adapter, error) {
	switch opts.Variant {
	case VariantKeyword:
		return NewAdapter(NewKeywordBackend(opts.Lexicon)), nil
	case VariantConcept:
		if opts.URL == "" {
			return nil, fmt.Errorf("concept recognizer requires a URL")
		}
		return NewAdapter(NewConceptClient(opts.URL, opts.Timeout)), nil
	default:
		return nil, fmt.Errorf("unknown recognizer variant %q", opts.Variant)
	}
}
