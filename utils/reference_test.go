package utils

import "testing"

func TestReferenceID(t *testing.T) {
	cases := map[string]string{
		"Patient/123":                           "123",
		"https://fhir.example.org/Patient/p-9":  "p-9",
		"Patient/123/_history/4":                "123",
		"p1":                                    "p1",
		"":                                      "",
		"Organization/org-1/":                   "org-1",
	}
	for in, want := range cases {
		if got := ReferenceID(in); got != want {
			t.Fatalf("ReferenceID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReferenceType(t *testing.T) {
	if got := ReferenceType("Patient/123"); got != "Patient" {
		t.Fatalf("expected Patient, got %q", got)
	}
	if got := ReferenceType("123"); got != "" {
		t.Fatalf("expected empty type, got %q", got)
	}
}

func TestReferenceString(t *testing.T) {
	if s, ok := ReferenceString(map[string]any{"reference": "Patient/1"}); !ok || s != "Patient/1" {
		t.Fatalf("unexpected %q %v", s, ok)
	}
	if _, ok := ReferenceString(42); ok {
		t.Fatalf("expected non-reference")
	}
}

func TestLookup(t *testing.T) {
	data := map[string]any{
		"status": "final",
		"meta":   map[string]any{"source": "lab"},
		"code":   "x",
	}
	if v, ok, err := Lookup(data, "meta.source"); err != nil || !ok || v != "lab" {
		t.Fatalf("unexpected %v %v %v", v, ok, err)
	}
	if _, ok, err := Lookup(data, "meta.missing"); err != nil || ok {
		t.Fatalf("expected missing without error, got %v %v", ok, err)
	}
	if _, _, err := Lookup(data, "status.text"); err == nil {
		t.Fatalf("expected type error when traversing a string")
	}
}
