package job

import (
	"errors"
	"testing"
	"time"
)

func TestSanitizeLeaves(t *testing.T) {
	if got := Sanitize(nil); got != nil {
		t.Fatalf("nil -> %#v", got)
	}
	if got := Sanitize("x"); got != "x" {
		t.Fatalf("string -> %#v", got)
	}
	if got := Sanitize(42); got != 42 {
		t.Fatalf("int -> %#v", got)
	}
	if got := Sanitize(errors.New("bad")); got != "bad" {
		t.Fatalf("error -> %#v", got)
	}
	if got := Sanitize(5 * time.Second); got != "5s" {
		t.Fatalf("duration -> %#v", got)
	}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := Sanitize(ts); got != "2026-03-01T12:00:00Z" {
		t.Fatalf("time -> %#v", got)
	}
}

func TestSanitizeUnrepresentable(t *testing.T) {
	if got := Sanitize(func() {}); got != Placeholder {
		t.Fatalf("func -> %#v, want placeholder", got)
	}
	if got := Sanitize(make(chan int)); got != Placeholder {
		t.Fatalf("chan -> %#v, want placeholder", got)
	}
	if got := Sanitize(complex(1, 2)); got != Placeholder {
		t.Fatalf("complex -> %#v, want placeholder", got)
	}
}

func TestSanitizeContainers(t *testing.T) {
	in := map[string]any{
		"ok":  "value",
		"bad": func() {},
		"nested": []any{
			1,
			make(chan int),
		},
	}
	out, ok := Sanitize(in).(map[string]any)
	if !ok {
		t.Fatalf("map came back as %T", Sanitize(in))
	}
	if out["ok"] != "value" {
		t.Fatalf("ok = %#v", out["ok"])
	}
	if out["bad"] != Placeholder {
		t.Fatalf("bad = %#v, want placeholder", out["bad"])
	}
	nested, ok := out["nested"].([]any)
	if !ok || len(nested) != 2 {
		t.Fatalf("nested = %#v", out["nested"])
	}
	if nested[0] != 1 || nested[1] != Placeholder {
		t.Fatalf("nested = %#v", nested)
	}
}

func TestSanitizeDepthGuard(t *testing.T) {
	cyclic := map[string]any{}
	cyclic["self"] = cyclic

	out := Sanitize(cyclic)
	// The walk must terminate; some inner level collapses to the placeholder.
	cur := out
	for i := 0; i < maxSanitizeDepth+2; i++ {
		m, ok := cur.(map[string]any)
		if !ok {
			if cur != Placeholder {
				t.Fatalf("cycle collapsed to %#v", cur)
			}
			return
		}
		cur = m["self"]
	}
	t.Fatal("sanitize did not cut the cycle")
}
