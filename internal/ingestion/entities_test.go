package ingestion

import (
	"context"
	"testing"
)

func TestCleanType(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Company", "company"},
		{"Key Concept", "key_concept"},
		{"some-type", "some_type"},
		{"  Trading Strategy  ", "trading_strategy"},
		{"type!with@junk", "typewithjunk"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := cleanType(tt.input); got != tt.want {
				t.Errorf("cleanType(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCleanName(t *testing.T) {
	if got := cleanName("  Acme   Corp \n Inc "); got != "Acme Corp Inc" {
		t.Errorf("cleanName() = %q", got)
	}
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	if got := cleanName(string(long)); len(got) != 200 {
		t.Errorf("cleanName() length = %d, want 200", len(got))
	}
}

func TestEntityID(t *testing.T) {
	a := EntityID("t1", "company", "Acme Corp")
	b := EntityID("t1", "company", "acme corp")
	if a != b {
		t.Error("entity id is not case-insensitive on name")
	}
	if a == EntityID("t2", "company", "Acme Corp") {
		t.Error("entity id does not separate tenants")
	}
	if a == EntityID("t1", "person", "Acme Corp") {
		t.Error("entity id does not separate types")
	}
	if len(a) != 40 {
		t.Errorf("entity id length = %d, want 40 hex chars", len(a))
	}
}

func TestExtract(t *testing.T) {
	stub := &stubLLM{reply: `{"entities":[
		{"type":"Company","name":" Acme   Corp "},
		{"type":"company","name":"acme corp"},
		{"type":"","name":"nameless"},
		{"type":"person","name":"J"},
		{"type":"concept","name":"support and resistance"}
	]}`}

	extractor := NewEntityExtractor(stub, 25)
	entities, err := extractor.Extract(context.Background(), "some chunk text")
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("got %d entities, want 2: %+v", len(entities), entities)
	}
	if entities[0].Type != "company" || entities[0].Name != "Acme Corp" {
		t.Errorf("entities[0] = %+v", entities[0])
	}
	if entities[1].Type != "concept" || entities[1].Name != "support and resistance" {
		t.Errorf("entities[1] = %+v", entities[1])
	}
}

func TestExtractBareArray(t *testing.T) {
	stub := &stubLLM{reply: `[{"type":"person","name":"Jane Doe"}]`}

	extractor := NewEntityExtractor(stub, 25)
	entities, err := extractor.Extract(context.Background(), "text")
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if len(entities) != 1 || entities[0].Name != "Jane Doe" {
		t.Errorf("entities = %+v", entities)
	}
}

func TestExtractCapsEntityCount(t *testing.T) {
	stub := &stubLLM{reply: `{"entities":[
		{"type":"concept","name":"one"},
		{"type":"concept","name":"two"},
		{"type":"concept","name":"three"}
	]}`}

	extractor := NewEntityExtractor(stub, 2)
	entities, err := extractor.Extract(context.Background(), "text")
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if len(entities) != 2 {
		t.Errorf("got %d entities, want 2", len(entities))
	}
}
