package entity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeStripsMetadata(t *testing.T) {
	reg, err := NewRegistry(Collection{
		Name:        "cases",
		StripFields: []string{"draft_notes"},
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	col, ok := reg.Lookup("cases")
	if !ok {
		t.Fatal("expected cases collection")
	}

	payload := map[string]any{
		"id":          "c-1",
		"name":        "Alma",
		"status":      "open",
		"created_at":  "2026-01-01T00:00:00Z",
		"updated_at":  "2026-01-02T00:00:00Z",
		"draft_notes": "local only",
	}

	clean := col.Sanitize(payload)

	for _, stripped := range []string{"id", "created_at", "updated_at", "draft_notes"} {
		if _, exists := clean[stripped]; exists {
			t.Errorf("expected %q to be stripped", stripped)
		}
	}
	if clean["name"] != "Alma" || clean["status"] != "open" {
		t.Errorf("domain fields should survive sanitization, got %v", clean)
	}

	// Original payload must not be mutated.
	if _, exists := payload["id"]; !exists {
		t.Error("Sanitize mutated its input")
	}
}

func TestExtractID(t *testing.T) {
	col := &Collection{Name: "cases"}
	col.applyDefaults()

	if id, ok := col.ExtractID(map[string]any{"id": "c-42"}); !ok || id != "c-42" {
		t.Errorf("string id: got %q ok=%v", id, ok)
	}
	if id, ok := col.ExtractID(map[string]any{"id": float64(42)}); !ok || id != "42" {
		t.Errorf("numeric id: got %q ok=%v", id, ok)
	}
	if _, ok := col.ExtractID(map[string]any{"name": "no id"}); ok {
		t.Error("missing id should not extract")
	}
	if _, ok := col.ExtractID(map[string]any{"id": nil}); ok {
		t.Error("nil id should not extract")
	}
	if _, ok := col.ExtractID(map[string]any{"id": ""}); ok {
		t.Error("empty id should not extract")
	}
}

func TestCustomIDField(t *testing.T) {
	reg, err := NewRegistry(Collection{Name: "families", IDField: "family_id"})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	col, _ := reg.Lookup("families")

	if id, ok := col.ExtractID(map[string]any{"family_id": "f-1"}); !ok || id != "f-1" {
		t.Errorf("custom id field: got %q ok=%v", id, ok)
	}
	clean := col.Sanitize(map[string]any{"family_id": "f-1", "surname": "Reyes"})
	if _, exists := clean["family_id"]; exists {
		t.Error("custom id field should be stripped")
	}
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collections.yaml")

	doc := `collections:
  - name: cases
    strip_fields: [draft_notes]
  - name: enrollments
    id_field: enrollment_id
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("failed to write registry file: %v", err)
	}

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry failed: %v", err)
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "cases" || names[1] != "enrollments" {
		t.Errorf("unexpected collection names: %v", names)
	}

	enr, ok := reg.Lookup("enrollments")
	if !ok {
		t.Fatal("expected enrollments collection")
	}
	if enr.IDField != "enrollment_id" {
		t.Errorf("expected custom id field, got %q", enr.IDField)
	}
	if enr.UpdatedAtField != "updated_at" {
		t.Errorf("expected default updated_at field, got %q", enr.UpdatedAtField)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(Collection{Name: "cases"}, Collection{Name: "cases"})
	if err == nil {
		t.Fatal("expected error for duplicate collection")
	}
}

func TestLoadRegistryEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(path, []byte("collections: []\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := LoadRegistry(path); err == nil {
		t.Fatal("expected error for empty registry")
	}
}
