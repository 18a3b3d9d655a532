package consultation

import (
	"reflect"
	"sync"
	"testing"

	"github.com/telemed/telemed/internal/platform/nlp"
)

func ent(text string, types ...string) nlp.Entity {
	if types == nil {
		types = []string{}
	}
	return nlp.Entity{Text: text, SemanticTypes: types}
}

func str(s string) *string { return &s }

func defaultCategorizer() *Categorizer {
	return NewCategorizer(DefaultKeywordTable())
}

func TestCategorize_EndToEndScenario(t *testing.T) {
	entities := []nlp.Entity{
		ent("dry cough", "T184"),
		ent("azithromycin 500mg", "T121"),
		ent("chest x-ray", "T061"),
		ent("follow up in a week"),
		ent("35-year-old"),
		ent("female"),
	}

	got := defaultCategorizer().Categorize(entities, nil)

	want := &StructuredRecord{
		PatientInfo:  PatientInfo{Age: str("35-year-old"), Gender: str("female")},
		Symptoms:     []string{"dry cough"},
		Medications:  []string{"azithromycin 500mg"},
		Procedures:   []string{"chest x-ray"},
		Instructions: []string{"follow up in a week"},
		Diagnosis:    []string{},
		Other:        []string{},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Categorize mismatch\n got: %+v\nwant: %+v", got, want)
	}
}

func TestClassify_Precedence(t *testing.T) {
	c := defaultCategorizer()
	tests := []struct {
		name string
		e    nlp.Entity
		want Outcome
	}{
		{"symptom beats instruction keyword", ent("persistent rest discomfort", "T184"), OutcomeSymptom},
		{"symptom beats medication", ent("x", "T121", "T184"), OutcomeSymptom},
		{"medication beats procedure", ent("x", "T061", "T200"), OutcomeMedication},
		{"procedure beats diagnosis", ent("x", "T047", "T061"), OutcomeProcedure},
		{"diagnosis", ent("pneumonia", "T047"), OutcomeDiagnosis},
		{"coded text with age is not age", ent("45-year-old", "T047"), OutcomeDiagnosis},
		{"fallback instruction", ent("Follow up in one week"), OutcomeInstruction},
		{"unknown code falls through", ent("stay hydrated", "T999"), OutcomeInstruction},
		{"instruction beats age", ent("take it easy, 45-year-old"), OutcomeInstruction},
		{"age", ent("45-Year-Old"), OutcomeAge},
		{"age beats gender", ent("45-year-old female"), OutcomeAge},
		{"female", ent("Female"), OutcomeGender},
		{"male", ent("male"), OutcomeGender},
		{"other", ent("oxygen saturation"), OutcomeOther},
		{"nil types", nlp.Entity{Text: "oxygen"}, OutcomeOther},
		{"empty text", ent(""), OutcomeSkipped},
		{"blank text", ent("   ", "T184"), OutcomeSkipped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.e); got != tt.want {
				t.Errorf("Classify(%q, %v) = %s, want %s", tt.e.Text, tt.e.SemanticTypes, got, tt.want)
			}
		})
	}
}

func TestCategorize_PartitionProperty(t *testing.T) {
	c := defaultCategorizer()
	entities := []nlp.Entity{
		ent("cough", "T184"), ent("cough", "T184"), ent("ibuprofen", "T200"),
		ent("mri", "T061"), ent("flu", "T047"), ent("rest"), ent("30-year-old"),
		ent("male"), ent("oxygen"), ent("gauze", "T074"), ent(""),
	}

	rec := c.Categorize(entities, nil)

	placed := rec.EntityCount()
	if rec.PatientInfo.Age != nil {
		placed++
	}
	if rec.PatientInfo.Gender != nil {
		placed++
	}
	nonEmpty := 0
	for _, e := range entities {
		if c.Classify(e) != OutcomeSkipped {
			nonEmpty++
		}
	}
	if placed != nonEmpty {
		t.Errorf("placed %d entities, want %d", placed, nonEmpty)
	}
	if !reflect.DeepEqual(rec.Symptoms, []string{"cough", "cough"}) {
		t.Errorf("duplicates must be kept, got %v", rec.Symptoms)
	}
	if !reflect.DeepEqual(rec.Other, []string{"oxygen", "gauze"}) {
		t.Errorf("other = %v", rec.Other)
	}
}

func TestCategorize_DemographicsLastWins(t *testing.T) {
	rec := defaultCategorizer().Categorize([]nlp.Entity{
		ent("40-year-old"), ent("Male"), ent("41-YEAR-OLD"), ent("female"),
	}, nil)
	if *rec.PatientInfo.Age != "41-year-old" {
		t.Errorf("age = %q", *rec.PatientInfo.Age)
	}
	if *rec.PatientInfo.Gender != "female" {
		t.Errorf("gender = %q", *rec.PatientInfo.Gender)
	}
}

func TestCategorize_PreservesOrderAndCase(t *testing.T) {
	rec := defaultCategorizer().Categorize([]nlp.Entity{
		ent("Fever", "T184"), ent("Chills", "T184"), ent("Headache", "T184"),
	}, nil)
	if !reflect.DeepEqual(rec.Symptoms, []string{"Fever", "Chills", "Headache"}) {
		t.Errorf("symptoms = %v", rec.Symptoms)
	}
}

func TestCategorize_EmptyInput(t *testing.T) {
	rec := defaultCategorizer().Categorize(nil, nil)
	if !reflect.DeepEqual(rec, NewStructuredRecord()) {
		t.Errorf("expected empty record, got %+v", rec)
	}
}

func TestCategorize_MergeAgePreserved(t *testing.T) {
	c := defaultCategorizer()
	existing := &StructuredRecord{PatientInfo: PatientInfo{Age: str("45-year-old")}}

	rec := c.Categorize([]nlp.Entity{ent("cough", "T184")}, existing)
	if rec.PatientInfo.Age == nil || *rec.PatientInfo.Age != "45-year-old" {
		t.Errorf("expected preserved age, got %v", rec.PatientInfo.Age)
	}

	rec = c.Categorize([]nlp.Entity{ent("50-year-old")}, existing)
	if *rec.PatientInfo.Age != "50-year-old" {
		t.Errorf("expected new age to win, got %q", *rec.PatientInfo.Age)
	}
}

func TestCategorize_MergeCategoriesReplaced(t *testing.T) {
	existing := &StructuredRecord{
		PatientInfo: PatientInfo{Gender: str("male")},
		Symptoms:    []string{"cough"},
		Other:       []string{"stale"},
	}
	rec := defaultCategorizer().Categorize([]nlp.Entity{ent("fever", "T184")}, existing)

	if !reflect.DeepEqual(rec.Symptoms, []string{"fever"}) {
		t.Errorf("symptoms = %v, want [fever]", rec.Symptoms)
	}
	if len(rec.Other) != 0 {
		t.Errorf("other = %v, want empty", rec.Other)
	}
	if rec.PatientInfo.Gender == nil || *rec.PatientInfo.Gender != "male" {
		t.Errorf("gender should be preserved, got %v", rec.PatientInfo.Gender)
	}
}

func TestMerge_EmptyStringCountsAsUnset(t *testing.T) {
	fresh := &StructuredRecord{PatientInfo: PatientInfo{Age: str(""), Gender: str("female")}}
	existing := &StructuredRecord{PatientInfo: PatientInfo{Age: str("60-year-old"), Gender: str("male")}}

	out := Merge(fresh, existing)
	if *out.PatientInfo.Age != "60-year-old" {
		t.Errorf("age = %q", *out.PatientInfo.Age)
	}
	if *out.PatientInfo.Gender != "female" {
		t.Errorf("gender = %q", *out.PatientInfo.Gender)
	}

	existing.PatientInfo.Age = str("")
	out = Merge(&StructuredRecord{}, existing)
	if out.PatientInfo.Age != nil {
		t.Errorf("blank existing age must not be copied, got %q", *out.PatientInfo.Age)
	}
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	fresh := &StructuredRecord{Symptoms: []string{"fever"}}
	existing := &StructuredRecord{PatientInfo: PatientInfo{Age: str("45-year-old")}, Symptoms: []string{"cough"}}

	out := Merge(fresh, existing)
	*out.PatientInfo.Age = "changed"
	out.Symptoms[0] = "changed"

	if fresh.PatientInfo.Age != nil {
		t.Error("fresh record was mutated")
	}
	if fresh.Symptoms[0] != "fever" {
		t.Error("fresh symptoms share storage with the result")
	}
	if *existing.PatientInfo.Age != "45-year-old" {
		t.Error("existing record was mutated")
	}
}

func TestCategorize_LexicalFallback(t *testing.T) {
	table := DefaultKeywordTable()
	table.Lexical = LexicalLists{
		Symptoms:    []string{"cough"},
		Medications: []string{"Azithromycin"},
		Procedures:  []string{"x-ray"},
		Diagnosis:   []string{"pneumonia"},
	}
	c := NewCategorizer(table)

	tests := []struct {
		e    nlp.Entity
		want Outcome
	}{
		{ent("dry cough"), OutcomeSymptom},
		{ent("azithromycin 500mg"), OutcomeMedication},
		{ent("chest X-ray"), OutcomeProcedure},
		{ent("pneumonia"), OutcomeDiagnosis},
		{ent("cough syrup", "T121"), OutcomeMedication},
		{ent("rest"), OutcomeInstruction},
	}
	for _, tt := range tests {
		if got := c.Classify(tt.e); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.e.Text, got, tt.want)
		}
	}
}

func TestCategorize_ConfiguredTypeSets(t *testing.T) {
	table := DefaultKeywordTable()
	table.SemanticTypes.Symptoms = []string{"T184", "T033"}
	c := NewCategorizer(table)
	if got := c.Classify(ent("finding", "T033")); got != OutcomeSymptom {
		t.Errorf("Classify = %s, want symptoms", got)
	}
}

func TestCategorize_Concurrent(t *testing.T) {
	c := defaultCategorizer()
	entities := []nlp.Entity{ent("cough", "T184"), ent("35-year-old"), ent("rest")}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := c.Categorize(entities, nil)
			if len(rec.Symptoms) != 1 || len(rec.Instructions) != 1 {
				t.Errorf("unexpected record %+v", rec)
			}
		}()
	}
	wg.Wait()
}

func TestOutcome_String(t *testing.T) {
	if OutcomeInstruction.String() != "instructions" {
		t.Errorf("got %q", OutcomeInstruction.String())
	}
	if Outcome(99).String() != "unknown" {
		t.Errorf("got %q", Outcome(99).String())
	}
}
