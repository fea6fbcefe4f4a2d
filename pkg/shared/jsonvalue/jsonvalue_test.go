package jsonvalue

import "testing"

func TestLookup(t *testing.T) {
	data := Map{
		"pod":  "api-server-abc",
		"tags": []interface{}{"prod", "critical"},
		"nested": map[string]interface{}{
			"region": "us-east-1",
		},
	}

	if v, ok := LookupString(data, ".pod"); !ok || v != "api-server-abc" {
		t.Errorf("LookupString(.pod) = %v, %v", v, ok)
	}
	if v, ok := LookupString(data, ".tags[0]"); !ok || v != "prod" {
		t.Errorf("LookupString(.tags[0]) = %v, %v", v, ok)
	}
	if v, ok := LookupString(data, ".nested.region"); !ok || v != "us-east-1" {
		t.Errorf("LookupString(.nested.region) = %v, %v", v, ok)
	}
	if _, ok := LookupString(data, ".missing"); ok {
		t.Error("LookupString(.missing) should report not-found")
	}
	if _, ok := LookupString(data, "not a valid jq ["); ok {
		t.Error("LookupString with invalid query should report not-found, not panic")
	}
}

func TestFieldOrEmpty(t *testing.T) {
	top := map[string]string{"title": "Disk full", "severity": "critical"}
	context := Map{"detectedBy": "agent-1"}

	if v := FieldOrEmpty("title", top, context); v != "Disk full" {
		t.Errorf("FieldOrEmpty(title) = %q", v)
	}
	if v := FieldOrEmpty("detectedBy", top, context); v != "agent-1" {
		t.Errorf("FieldOrEmpty(detectedBy) = %q", v)
	}
	if v := FieldOrEmpty("unknown", top, context); v != "" {
		t.Errorf("FieldOrEmpty(unknown) = %q, want empty", v)
	}
}
