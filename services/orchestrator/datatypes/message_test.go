// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the tiered message record.

package datatypes

import (
	"testing"
	"time"
)

func validMessage() Message {
	return Message{
		ID:            "m-1",
		SessionID:     "s-1",
		UserID:        "u-1",
		Role:          RoleUser,
		Timestamp:     time.Now(),
		ContentFull:   "I have lived in Kyoto since 2020 and work on compilers",
		ContentMedium: "Lived in Kyoto since 2020, compilers",
		ContentShort:  "User lives Kyoto",
		RequiredTier:  TierShort,
		MemoryStatus:  MemoryContextual,
	}
}

func TestMessage_ContentAtTier(t *testing.T) {
	m := validMessage()

	if got := m.ContentAtTier(TierShort); got != m.ContentShort {
		t.Errorf("tier 1 content = %q, want short", got)
	}
	if got := m.ContentAtTier(TierMedium); got != m.ContentMedium {
		t.Errorf("tier 2 content = %q, want medium", got)
	}
	if got := m.ContentAtTier(TierFull); got != m.ContentFull {
		t.Errorf("tier 3 content = %q, want full", got)
	}
}

func TestMessage_ContentAtTier_UnknownFallsBackToFull(t *testing.T) {
	m := validMessage()
	if got := m.ContentAtTier(Tier(9)); got != m.ContentFull {
		t.Errorf("unknown tier content = %q, want full", got)
	}
}

func TestMessage_ContentAtRequiredTier(t *testing.T) {
	m := validMessage()
	m.RequiredTier = TierMedium
	if got := m.ContentAtRequiredTier(); got != m.ContentMedium {
		t.Errorf("required tier content = %q, want medium", got)
	}
}

func TestMessage_Validate(t *testing.T) {
	m := validMessage()
	if err := m.Validate(); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Message)
	}{
		{"empty id", func(m *Message) { m.ID = "" }},
		{"empty session", func(m *Message) { m.SessionID = "" }},
		{"bad role", func(m *Message) { m.Role = "robot" }},
		{"bad tier", func(m *Message) { m.RequiredTier = 0 }},
		{"bad status", func(m *Message) { m.MemoryStatus = "limbo" }},
		{"negative importance", func(m *Message) { m.ImportanceScore = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := validMessage()
			tc.mutate(&bad)
			if err := bad.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestTier_Valid(t *testing.T) {
	for _, tier := range []Tier{TierShort, TierMedium, TierFull} {
		if !tier.Valid() {
			t.Errorf("tier %d should be valid", tier)
		}
	}
	for _, tier := range []Tier{0, 4, -1} {
		if tier.Valid() {
			t.Errorf("tier %d should be invalid", tier)
		}
	}
}

func TestStreamEvent_Terminal(t *testing.T) {
	if NewSystemEvent(ActionWebSearch, PhaseActive, "q", "", "s-1").Terminal() {
		t.Error("system event should not be terminal")
	}
	if !NewFinalEvent("done", "s-1").Terminal() {
		t.Error("final event should be terminal")
	}
	if !NewErrorEvent("boom", "s-1").Terminal() {
		t.Error("error event should be terminal")
	}
}

func TestNewSystemEvent_PopulatesIdentity(t *testing.T) {
	ev := NewSystemEvent(ActionEpisodicSearch, PhaseComplete, "kyoto trip", "2 results", "s-1")

	if ev.Kind != EventSystem {
		t.Errorf("kind = %q, want system", ev.Kind)
	}
	if ev.ID == "" {
		t.Error("expected generated event id")
	}
	if ev.Timestamp == 0 {
		t.Error("expected timestamp")
	}
	if ev.SessionID != "s-1" || ev.Query != "kyoto trip" {
		t.Errorf("fields not carried: %+v", ev)
	}
}
