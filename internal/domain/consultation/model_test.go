package consultation

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestStructuredRecord_RoundTrip(t *testing.T) {
	in := &StructuredRecord{
		PatientInfo:  PatientInfo{Age: str("35-year-old"), Gender: nil},
		Symptoms:     []string{"dry cough", "fever", "dry cough"},
		Medications:  []string{"azithromycin 500mg"},
		Procedures:   []string{},
		Instructions: []string{"rest", "follow up"},
		Diagnosis:    []string{},
		Other:        []string{"oxygen"},
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out StructuredRecord
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, &out) {
		t.Errorf("round trip mismatch\n in: %+v\nout: %+v", in, out)
	}
}

func TestStructuredRecord_MarshalShape(t *testing.T) {
	data, err := json.Marshal(&StructuredRecord{Symptoms: []string{"cough"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{
		`"patient_info":{"age":null,"gender":null}`,
		`"symptoms":["cough"]`,
		`"medications":[]`,
		`"procedures":[]`,
		`"instructions":[]`,
		`"diagnosis":[]`,
		`"other":[]`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %s in %s", want, s)
		}
	}
}

func TestStructuredRecord_UnmarshalMissingCategories(t *testing.T) {
	var r StructuredRecord
	if err := json.Unmarshal([]byte(`{"patient_info":{"age":"45-year-old"},"symptoms":null}`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Symptoms == nil || r.Other == nil {
		t.Error("categories should decode as empty lists")
	}
	if r.PatientInfo.Age == nil || *r.PatientInfo.Age != "45-year-old" {
		t.Errorf("age = %v", r.PatientInfo.Age)
	}
	if r.PatientInfo.Gender != nil {
		t.Error("gender should be nil")
	}
}

func TestStructuredRecord_Clone(t *testing.T) {
	var nilRec *StructuredRecord
	if nilRec.Clone() != nil {
		t.Error("clone of nil should be nil")
	}

	r := &StructuredRecord{PatientInfo: PatientInfo{Age: str("1-year-old")}, Symptoms: []string{"a"}}
	c := r.Clone()
	*c.PatientInfo.Age = "x"
	c.Symptoms[0] = "b"
	if *r.PatientInfo.Age != "1-year-old" || r.Symptoms[0] != "a" {
		t.Error("clone shares storage with original")
	}
	if c.Other == nil {
		t.Error("clone should have non-nil categories")
	}
}

func TestConsultation_Summarize(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := &Consultation{
		SessionID: "s1",
		Record: &StructuredRecord{
			PatientInfo:  PatientInfo{Age: str("35-year-old"), Gender: str("female")},
			Symptoms:     []string{"cough", "fever"},
			Medications:  []string{"azithromycin"},
			Instructions: []string{"rest"},
			Other:        []string{"x"},
		},
		ExtractedAt: now,
		UpdatedAt:   now,
	}

	s := c.Summarize()
	if s.SessionID != "s1" || *s.PatientAge != "35-year-old" || *s.PatientGender != "female" {
		t.Errorf("unexpected summary header %+v", s)
	}
	if s.SymptomsCount != 2 || s.MedicationsCount != 1 || s.ProceduresCount != 0 ||
		s.InstructionsCount != 1 || s.DiagnosisCount != 0 || s.OtherCount != 1 {
		t.Errorf("unexpected counts %+v", s)
	}
	if s.TotalEntities != 5 {
		t.Errorf("total = %d, want 5", s.TotalEntities)
	}
	if s.Reviewed {
		t.Error("should not be reviewed")
	}

	c.ReviewedAt = &now
	if !c.Summarize().Reviewed {
		t.Error("should be reviewed")
	}
}

func TestConsultation_SummarizeNilRecord(t *testing.T) {
	s := (&Consultation{SessionID: "s"}).Summarize()
	if s.TotalEntities != 0 || s.PatientAge != nil {
		t.Errorf("unexpected %+v", s)
	}
}
