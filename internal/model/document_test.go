package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader(`{"model":"x","stream":true,"max_tokens":12345678901234567890}`))
	if err != nil {
		t.Fatalf("ParseDocument() error = %v", err)
	}

	if s, ok := doc.String("model"); !ok || s != "x" {
		t.Errorf("model = %q, %v; want %q, true", s, ok, "x")
	}
	if b, ok := doc.Bool("stream"); !ok || !b {
		t.Errorf("stream = %v, %v; want true, true", b, ok)
	}
	if n, ok := doc["max_tokens"].(json.Number); !ok || n.String() != "12345678901234567890" {
		t.Errorf("max_tokens = %#v, want json.Number preserving all digits", doc["max_tokens"])
	}
}

func TestParseDocument_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"malformed", `{"model":`},
		{"array", `[1,2]`},
		{"string", `"hello"`},
		{"trailing data", `{"a":1} {"b":2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDocument(strings.NewReader(tt.body)); err == nil {
				t.Fatalf("ParseDocument(%q) expected error, got nil", tt.body)
			}
		})
	}
}

func TestParseDocument_NotObject(t *testing.T) {
	_, err := ParseDocument(strings.NewReader(`42`))
	if !errors.Is(err, ErrNotObject) {
		t.Errorf("error = %v, want ErrNotObject", err)
	}
}

func TestDocument_EncodeRoundTripsNumbers(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader(`{"temperature":0.10000000000000001,"url":"a<b>"}`))
	if err != nil {
		t.Fatalf("ParseDocument() error = %v", err)
	}

	out, err := doc.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := `{"temperature":0.10000000000000001,"url":"a<b>"}`
	if string(out) != want {
		t.Errorf("Encode() = %s, want %s", out, want)
	}
}

func TestDocument_BoolIgnoresOtherTypes(t *testing.T) {
	doc := Document{"a": "true", "b": json.Number("1"), "c": nil}
	for _, key := range []string{"a", "b", "c", "missing"} {
		if _, ok := doc.Bool(key); ok {
			t.Errorf("Bool(%q) ok = true, want false", key)
		}
	}
	if !doc.Has("c") {
		t.Error("Has(\"c\") = false, want true for explicit null")
	}
}

func TestProxyContext_Defaults(t *testing.T) {
	pc := NewProxyContext("req-1", "gpt-4o")
	if pc.IsStreamingRequest() {
		t.Error("IsStreamingRequest() = true before any step ran, want false")
	}
	if pc.PromptTokens() != 0 {
		t.Errorf("PromptTokens() = %d, want 0", pc.PromptTokens())
	}
	if pc.StartedAt.IsZero() {
		t.Error("StartedAt not set")
	}

	pc.SetStreamingRequest(true)
	pc.SetPromptTokens(42)
	if !pc.IsStreamingRequest() || pc.PromptTokens() != 42 {
		t.Errorf("context = (%v, %d), want (true, 42)", pc.IsStreamingRequest(), pc.PromptTokens())
	}
}
