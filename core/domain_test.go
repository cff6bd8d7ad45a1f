package core

import (
	"strings"
	"testing"
	"time"
)

func TestNewRequestID(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	id := NewRequestID(now)

	parts := strings.Split(id, "_")
	if len(parts) != 3 || parts[0] != "req" {
		t.Fatalf("unexpected id shape %q", id)
	}
	if parts[1] != "1748779200000" {
		t.Fatalf("unexpected timestamp fragment %q", parts[1])
	}
	if len(parts[2]) != 8 {
		t.Fatalf("expected 8 char suffix, got %q", parts[2])
	}

	if NewRequestID(now) == id {
		t.Fatalf("expected unique ids for the same instant")
	}
}

func TestRequestItem_Tried(t *testing.T) {
	item := RequestItem{TriedProviders: []string{"grok"}}
	if !item.Tried(" grok ") {
		t.Fatalf("expected trimmed match")
	}
	if item.Tried("openai") {
		t.Fatalf("did not expect openai to be tried")
	}
}

func TestErrorEnvelope(t *testing.T) {
	tried := []string{"grok", "openai"}
	envelope := ErrorEnvelope("all providers exhausted", ErrorTypeLLMService, tried)

	if envelope.Status != StatusError {
		t.Fatalf("expected error status, got %q", envelope.Status)
	}
	if envelope.Error == nil || envelope.Error.Type != ErrorTypeLLMService {
		t.Fatalf("unexpected error payload %+v", envelope.Error)
	}

	tried[0] = "mutated"
	if envelope.Error.TriedProviders[0] != "grok" {
		t.Fatalf("expected tried providers copied, got %v", envelope.Error.TriedProviders)
	}
}
