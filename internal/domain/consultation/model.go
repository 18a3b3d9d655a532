package consultation

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("consultation not found")
	ErrTranscriptNotFound = errors.New("transcript not found")
	ErrInvalidSessionID   = errors.New("invalid session id")
	ErrEmptyTranscript    = errors.New("transcript is empty")
)

// PatientInfo holds the sparse demographic signals found in a transcript.
// Nil means the field was not detected.
type PatientInfo struct {
	Age    *string `json:"age"`
	Gender *string `json:"gender"`
}

// StructuredRecord is the categorized output for one consultation.
type StructuredRecord struct {
	PatientInfo  PatientInfo `json:"patient_info"`
	Symptoms     []string    `json:"symptoms"`
	Medications  []string    `json:"medications"`
	Procedures   []string    `json:"procedures"`
	Instructions []string    `json:"instructions"`
	Diagnosis    []string    `json:"diagnosis"`
	Other        []string    `json:"other"`
}

// NewStructuredRecord returns a record with every category initialised to an
// empty list.
func NewStructuredRecord() *StructuredRecord {
	r := StructuredRecord{}.normalized()
	return &r
}

// MarshalJSON encodes missing categories as empty arrays rather than null.
func (r StructuredRecord) MarshalJSON() ([]byte, error) {
	type plain StructuredRecord
	return json.Marshal(plain(r.normalized()))
}

// UnmarshalJSON decodes a record, treating absent or null categories as empty.
func (r *StructuredRecord) UnmarshalJSON(data []byte) error {
	type plain StructuredRecord
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = StructuredRecord(p).normalized()
	return nil
}

func (r StructuredRecord) normalized() StructuredRecord {
	for _, s := range []*[]string{&r.Symptoms, &r.Medications, &r.Procedures, &r.Instructions, &r.Diagnosis, &r.Other} {
		if *s == nil {
			*s = []string{}
		}
	}
	return r
}

// Clone returns a deep copy.
func (r *StructuredRecord) Clone() *StructuredRecord {
	if r == nil {
		return nil
	}
	return &StructuredRecord{
		PatientInfo: PatientInfo{
			Age:    clonePtr(r.PatientInfo.Age),
			Gender: clonePtr(r.PatientInfo.Gender),
		},
		Symptoms:     cloneList(r.Symptoms),
		Medications:  cloneList(r.Medications),
		Procedures:   cloneList(r.Procedures),
		Instructions: cloneList(r.Instructions),
		Diagnosis:    cloneList(r.Diagnosis),
		Other:        cloneList(r.Other),
	}
}

// EntityCount is the number of entities placed into a category list.
func (r *StructuredRecord) EntityCount() int {
	return len(r.Symptoms) + len(r.Medications) + len(r.Procedures) +
		len(r.Instructions) + len(r.Diagnosis) + len(r.Other)
}

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneList(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func isBlank(s *string) bool {
	return s == nil || *s == ""
}

// Consultation is the persisted record for one session.
type Consultation struct {
	SessionID   string            `json:"session_id"`
	Record      *StructuredRecord `json:"structured_data"`
	ExtractedAt time.Time         `json:"extracted_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	ReviewedAt  *time.Time        `json:"reviewed_at,omitempty"`
	ReviewedBy  *string           `json:"reviewed_by,omitempty"`
}

// Reviewed reports whether a reviewer has signed off on the current record.
func (c *Consultation) Reviewed() bool {
	return c.ReviewedAt != nil
}

// Transcript is the raw consultation text for a session.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transcript sources.
const (
	SourceManual = "manual"
	SourceAudio  = "audio"
	SourceInbox  = "inbox"
	SourceSeed   = "seed"
)

// Summary is the at-a-glance view of a session.
type Summary struct {
	SessionID         string     `json:"session_id"`
	PatientAge        *string    `json:"patient_age"`
	PatientGender     *string    `json:"patient_gender"`
	SymptomsCount     int        `json:"symptoms_count"`
	MedicationsCount  int        `json:"medications_count"`
	ProceduresCount   int        `json:"procedures_count"`
	InstructionsCount int        `json:"instructions_count"`
	DiagnosisCount    int        `json:"diagnosis_count"`
	OtherCount        int        `json:"other_count"`
	// TotalEntities sums the category lists; age and gender are not counted.
	TotalEntities     int        `json:"total_entities"`
	ExtractedAt       time.Time  `json:"extracted_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Reviewed          bool       `json:"reviewed"`
	ReviewedAt        *time.Time `json:"reviewed_at,omitempty"`
}

// Summarize builds the summary of a persisted consultation.
func (c *Consultation) Summarize() *Summary {
	r := c.Record
	if r == nil {
		r = NewStructuredRecord()
	}
	return &Summary{
		SessionID:         c.SessionID,
		PatientAge:        clonePtr(r.PatientInfo.Age),
		PatientGender:     clonePtr(r.PatientInfo.Gender),
		SymptomsCount:     len(r.Symptoms),
		MedicationsCount:  len(r.Medications),
		ProceduresCount:   len(r.Procedures),
		InstructionsCount: len(r.Instructions),
		DiagnosisCount:    len(r.Diagnosis),
		OtherCount:        len(r.Other),
		TotalEntities:     r.EntityCount(),
		ExtractedAt:       c.ExtractedAt,
		UpdatedAt:         c.UpdatedAt,
		Reviewed:          c.Reviewed(),
		ReviewedAt:        c.ReviewedAt,
	}
}
