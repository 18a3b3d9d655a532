package consultation

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// TypeSets maps each coded category to the concept type codes that select it.
type TypeSets struct {
	Symptoms    []string `yaml:"symptoms"`
	Medications []string `yaml:"medications"`
	Procedures  []string `yaml:"procedures"`
	Diagnosis   []string `yaml:"diagnosis"`
}

// LexicalLists are optional keyword fallbacks applied to spans that carry no
// mapped concept type. They are empty by default.
type LexicalLists struct {
	Symptoms    []string `yaml:"symptoms"`
	Medications []string `yaml:"medications"`
	Procedures  []string `yaml:"procedures"`
	Diagnosis   []string `yaml:"diagnosis"`
}

// KeywordTable is the categorization policy. It is loaded from YAML and falls
// back to DefaultKeywordTable for any key the file omits.
type KeywordTable struct {
	SemanticTypes TypeSets     `yaml:"semantic_types"`
	Instructions  []string     `yaml:"instructions"`
	Lexical       LexicalLists `yaml:"lexical"`
	// Lexicon is the term list handed to the in-process keyword recognizer.
	Lexicon []string `yaml:"lexicon"`
}

// DefaultKeywordTable returns the built-in policy.
func DefaultKeywordTable() KeywordTable {
	return KeywordTable{
		SemanticTypes: TypeSets{
			Symptoms:    []string{"T184"},
			Medications: []string{"T121", "T200"},
			Procedures:  []string{"T061"},
			Diagnosis:   []string{"T047"},
		},
		Instructions: []string{"rest", "follow up", "monitoring", "advised", "hydrated", "take", "prescribed"},
		Lexicon: []string{
			"cough", "dry cough", "fever", "headache", "nausea", "fatigue", "dizziness",
			"chest pain", "chest discomfort", "shortness of breath", "short of breath",
			"congestion", "sore throat", "rash", "vomiting", "diarrhea",
			"azithromycin", "amoxicillin", "ibuprofen", "paracetamol", "acetaminophen", "metformin",
			"chest x-ray", "x-ray", "blood test", "ecg", "mri", "ct scan", "physical examination",
			"pneumonia", "bronchitis", "hypertension", "diabetes", "asthma", "influenza",
			"rest", "stay hydrated", "follow up", "monitoring", "advised", "prescribed", "take",
		},
	}
}

// LoadKeywordTable reads a YAML keyword table from path.
func LoadKeywordTable(path string) (KeywordTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KeywordTable{}, fmt.Errorf("read keyword table %s: %w", path, err)
	}
	t, err := ParseKeywordTable(data)
	if err != nil {
		return KeywordTable{}, fmt.Errorf("parse keyword table %s: %w", path, err)
	}
	return t, nil
}

// ParseKeywordTable decodes a YAML keyword table over the defaults.
func ParseKeywordTable(data []byte) (KeywordTable, error) {
	t := DefaultKeywordTable()
	if err := yaml.Unmarshal(data, &t); err != nil {
		return KeywordTable{}, err
	}
	if err := t.Validate(); err != nil {
		return KeywordTable{}, err
	}
	return t, nil
}

// Validate rejects blank entries.
func (t KeywordTable) Validate() error {
	lists := map[string][]string{
		"semantic_types.symptoms":    t.SemanticTypes.Symptoms,
		"semantic_types.medications": t.SemanticTypes.Medications,
		"semantic_types.procedures":  t.SemanticTypes.Procedures,
		"semantic_types.diagnosis":   t.SemanticTypes.Diagnosis,
		"instructions":               t.Instructions,
		"lexical.symptoms":           t.Lexical.Symptoms,
		"lexical.medications":        t.Lexical.Medications,
		"lexical.procedures":         t.Lexical.Procedures,
		"lexical.diagnosis":          t.Lexical.Diagnosis,
		"lexicon":                    t.Lexicon,
	}
	for name, list := range lists {
		for i, v := range list {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("%s[%d] is blank", name, i)
			}
		}
	}
	return nil
}

// RecognizerLexicon is the full term list for the keyword recognizer: the
// configured lexicon plus every lexical fallback term.
func (t KeywordTable) RecognizerLexicon() []string {
	out := make([]string, 0, len(t.Lexicon)+len(t.Lexical.Symptoms)+len(t.Lexical.Medications)+
		len(t.Lexical.Procedures)+len(t.Lexical.Diagnosis))
	out = append(out, t.Lexicon...)
	out = append(out, t.Lexical.Symptoms...)
	out = append(out, t.Lexical.Medications...)
	out = append(out, t.Lexical.Procedures...)
	out = append(out, t.Lexical.Diagnosis...)
	return out
}
