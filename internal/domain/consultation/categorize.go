package consultation

import (
	"strings"

	"github.com/telemed/telemed/internal/platform/nlp"
)

// Outcome is the single destination of one recognized entity.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeSymptom
	OutcomeMedication
	OutcomeProcedure
	OutcomeDiagnosis
	OutcomeInstruction
	OutcomeAge
	OutcomeGender
	OutcomeOther
)

var outcomeNames = map[Outcome]string{
	OutcomeSkipped:     "skipped",
	OutcomeSymptom:     "symptoms",
	OutcomeMedication:  "medications",
	OutcomeProcedure:   "procedures",
	OutcomeDiagnosis:   "diagnosis",
	OutcomeInstruction: "instructions",
	OutcomeAge:         "age",
	OutcomeGender:      "gender",
	OutcomeOther:       "other",
}

func (o Outcome) String() string {
	if n, ok := outcomeNames[o]; ok {
		return n
	}
	return "unknown"
}

type lexicalRule struct {
	outcome Outcome
	terms   []string
}

// Categorizer buckets recognized entities into a StructuredRecord. It holds
// only immutable configuration and is safe for concurrent use.
type Categorizer struct {
	symptomTypes    map[string]struct{}
	medicationTypes map[string]struct{}
	procedureTypes  map[string]struct{}
	diagnosisTypes  map[string]struct{}
	lexical         []lexicalRule
	instructions    []string
}

// NewCategorizer builds a categorizer from a keyword table.
func NewCategorizer(table KeywordTable) *Categorizer {
	return &Categorizer{
		symptomTypes:    typeSet(table.SemanticTypes.Symptoms),
		medicationTypes: typeSet(table.SemanticTypes.Medications),
		procedureTypes:  typeSet(table.SemanticTypes.Procedures),
		diagnosisTypes:  typeSet(table.SemanticTypes.Diagnosis),
		lexical: []lexicalRule{
			{OutcomeSymptom, lowerAll(table.Lexical.Symptoms)},
			{OutcomeMedication, lowerAll(table.Lexical.Medications)},
			{OutcomeProcedure, lowerAll(table.Lexical.Procedures)},
			{OutcomeDiagnosis, lowerAll(table.Lexical.Diagnosis)},
		},
		instructions: lowerAll(table.Instructions),
	}
}

// Classify returns the outcome for a single entity. Concept types are checked
// first; lexical rules only apply when no mapped type is present.
func (c *Categorizer) Classify(e nlp.Entity) Outcome {
	if strings.TrimSpace(e.Text) == "" {
		return OutcomeSkipped
	}

	switch {
	case intersects(c.symptomTypes, e.SemanticTypes):
		return OutcomeSymptom
	case intersects(c.medicationTypes, e.SemanticTypes):
		return OutcomeMedication
	case intersects(c.procedureTypes, e.SemanticTypes):
		return OutcomeProcedure
	case intersects(c.diagnosisTypes, e.SemanticTypes):
		return OutcomeDiagnosis
	}

	token := strings.ToLower(e.Text)
	for _, rule := range c.lexical {
		if containsAny(token, rule.terms) {
			return rule.outcome
		}
	}
	switch {
	case containsAny(token, c.instructions):
		return OutcomeInstruction
	case strings.Contains(token, "year-old"):
		return OutcomeAge
	case strings.Contains(token, "female"), strings.Contains(token, "male"):
		return OutcomeGender
	default:
		return OutcomeOther
	}
}

// Categorize builds a fresh record from entities in input order and merges
// demographics from existing, which may be nil. Neither argument is modified.
func (c *Categorizer) Categorize(entities []nlp.Entity, existing *StructuredRecord) *StructuredRecord {
	rec := NewStructuredRecord()
	for _, e := range entities {
		switch c.Classify(e) {
		case OutcomeSymptom:
			rec.Symptoms = append(rec.Symptoms, e.Text)
		case OutcomeMedication:
			rec.Medications = append(rec.Medications, e.Text)
		case OutcomeProcedure:
			rec.Procedures = append(rec.Procedures, e.Text)
		case OutcomeDiagnosis:
			rec.Diagnosis = append(rec.Diagnosis, e.Text)
		case OutcomeInstruction:
			rec.Instructions = append(rec.Instructions, e.Text)
		case OutcomeAge:
			v := strings.ToLower(e.Text)
			rec.PatientInfo.Age = &v
		case OutcomeGender:
			v := strings.ToLower(e.Text)
			rec.PatientInfo.Gender = &v
		case OutcomeOther:
			rec.Other = append(rec.Other, e.Text)
		}
	}
	return Merge(rec, existing)
}

// Merge returns a copy of fresh whose age and gender are filled from existing
// when fresh lacks them. Category lists always come from fresh.
func Merge(fresh, existing *StructuredRecord) *StructuredRecord {
	out := fresh.Clone()
	if out == nil {
		out = NewStructuredRecord()
	}
	if existing == nil {
		return out
	}
	if isBlank(out.PatientInfo.Age) && !isBlank(existing.PatientInfo.Age) {
		out.PatientInfo.Age = clonePtr(existing.PatientInfo.Age)
	}
	if isBlank(out.PatientInfo.Gender) && !isBlank(existing.PatientInfo.Gender) {
		out.PatientInfo.Gender = clonePtr(existing.PatientInfo.Gender)
	}
	return out
}

func typeSet(codes []string) map[string]struct{} {
	m := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		m[strings.TrimSpace(c)] = struct{}{}
	}
	return m
}

func intersects(set map[string]struct{}, codes []string) bool {
	for _, c := range codes {
		if _, ok := set[c]; ok {
			return true
		}
	}
	return false
}

func containsAny(token string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(token, t) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
