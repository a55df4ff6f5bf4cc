package tender

import (
	"testing"
	"time"
)

func TestNormalizeTrimsAndStamps(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r := Record{
		Source:       " city ",
		ExternalID:   "  T-100 ",
		Title:        "  Road   resurfacing \n contract ",
		Organization: " City  of Ottawa ",
		URL:          " https://portal.example/tender/100 ",
	}
	if !r.Normalize(now) {
		t.Fatal("normalize rejected a valid record")
	}
	if r.Source != "city" || r.ExternalID != "T-100" {
		t.Fatalf("key not trimmed: %q/%q", r.Source, r.ExternalID)
	}
	if r.Title != "Road resurfacing contract" {
		t.Fatalf("title = %q", r.Title)
	}
	if r.Organization != "City of Ottawa" {
		t.Fatalf("organization = %q", r.Organization)
	}
	if !r.FirstSeen.Equal(now) || !r.LastSeen.Equal(now) {
		t.Fatalf("seen stamps = %v/%v", r.FirstSeen, r.LastSeen)
	}
}

func TestNormalizeKeepsFirstSeen(t *testing.T) {
	first := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	r := Record{Source: "city", ExternalID: "T-1", FirstSeen: first}
	if !r.Normalize(now) {
		t.Fatal("normalize rejected")
	}
	if !r.FirstSeen.Equal(first) {
		t.Fatalf("first_seen rewritten to %v", r.FirstSeen)
	}
	if !r.LastSeen.Equal(now) {
		t.Fatalf("last_seen = %v, want %v", r.LastSeen, now)
	}
}

func TestNormalizeIDFallbackFromURL(t *testing.T) {
	r := Record{Source: "city", URL: "https://portal.example/tender/100"}
	if !r.Normalize(time.Now()) {
		t.Fatal("normalize rejected record with url identity")
	}
	want := HashID("https://portal.example/tender/100")
	if r.ExternalID != want {
		t.Fatalf("external id = %q, want %q", r.ExternalID, want)
	}
	if len(r.ExternalID) != 12 {
		t.Fatalf("hash id length = %d", len(r.ExternalID))
	}
}

func TestNormalizeRejectsNoIdentity(t *testing.T) {
	r := Record{Source: "city", Title: "Mystery tender"}
	if r.Normalize(time.Now()) {
		t.Fatal("record without id or url accepted")
	}
	r = Record{ExternalID: "T-1"}
	if r.Normalize(time.Now()) {
		t.Fatal("record without source accepted")
	}
}

func TestNormalizeDefaultTitle(t *testing.T) {
	r := Record{Source: "city", ExternalID: "T-1"}
	if !r.Normalize(time.Now()) {
		t.Fatal("normalize rejected")
	}
	if r.Title != "Untitled Tender" {
		t.Fatalf("title = %q", r.Title)
	}
}

func TestHashIDStable(t *testing.T) {
	a := HashID("https://x.example/1")
	b := HashID("https://x.example/1")
	c := HashID("https://x.example/2")
	if a != b {
		t.Fatal("hash not stable")
	}
	if a == c {
		t.Fatal("distinct inputs collided")
	}
}
