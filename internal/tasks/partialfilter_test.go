package tasks_test

import (
	"context"
	"testing"

	"github.com/adaptive-git/transport-core/internal/events"
	"github.com/adaptive-git/transport-core/internal/tasks"
)

func TestResolvePartialFilterSupportedPassesThrough(t *testing.T) {
	bus := events.New()
	rec := events.NewRecorder()
	bus.Subscribe(rec)

	probe := func(ctx context.Context, host string) (bool, error) { return true, nil }
	spec, err := tasks.ResolvePartialFilter(context.Background(), bus, "t1", "example.com", tasks.FilterRequest{Spec: "blob:none"}, probe)
	if err != nil {
		t.Fatalf("ResolvePartialFilter: %v", err)
	}
	if spec != "blob:none" {
		t.Fatalf("spec = %q, want blob:none", spec)
	}

	for _, e := range rec.Events() {
		if _, ok := e.(events.PartialFilterUnsupported); ok {
			t.Fatalf("did not expect PartialFilterUnsupported when supported")
		}
	}
}

func TestResolvePartialFilterUnsupportedFallsBackShallow(t *testing.T) {
	bus := events.New()
	rec := events.NewRecorder()
	bus.Subscribe(rec)

	probe := func(ctx context.Context, host string) (bool, error) { return false, nil }
	spec, err := tasks.ResolvePartialFilter(context.Background(), bus, "t2", "example.com",
		tasks.FilterRequest{Spec: "blob:none", HasDepth: true}, probe)
	if err != nil {
		t.Fatalf("ResolvePartialFilter: %v", err)
	}
	if spec != "" {
		t.Fatalf("spec = %q, want empty (dropped)", spec)
	}

	var sawFallback bool
	for _, e := range rec.Events() {
		if f, ok := e.(events.PartialFilterFallback); ok {
			sawFallback = true
			if !f.Shallow {
				t.Fatalf("expected Shallow=true since HasDepth was set")
			}
		}
	}
	if !sawFallback {
		t.Fatalf("expected a PartialFilterFallback event")
	}
}

func TestResolvePartialFilterNoRequestSkipsFallbackEvents(t *testing.T) {
	bus := events.New()
	rec := events.NewRecorder()
	bus.Subscribe(rec)

	probe := func(ctx context.Context, host string) (bool, error) { return false, nil }
	spec, err := tasks.ResolvePartialFilter(context.Background(), bus, "t3", "example.com", tasks.FilterRequest{}, probe)
	if err != nil {
		t.Fatalf("ResolvePartialFilter: %v", err)
	}
	if spec != "" {
		t.Fatalf("spec = %q, want empty", spec)
	}
	for _, e := range rec.Events() {
		if _, ok := e.(events.PartialFilterFallback); ok {
			t.Fatalf("did not expect a fallback event when no filter was requested")
		}
	}
}

func TestResolvePartialFilterEnvOverrideForcesCapable(t *testing.T) {
	t.Setenv("FWC_PARTIAL_FILTER_SUPPORTED", "1")
	bus := events.New()
	rec := events.NewRecorder()
	bus.Subscribe(rec)

	probe := func(ctx context.Context, host string) (bool, error) { return false, nil }
	spec, err := tasks.ResolvePartialFilter(context.Background(), bus, "t4", "example.com", tasks.FilterRequest{Spec: "blob:none"}, probe)
	if err != nil {
		t.Fatalf("ResolvePartialFilter: %v", err)
	}
	if spec != "blob:none" {
		t.Fatalf("expected env override to force capability, got spec=%q", spec)
	}
}
