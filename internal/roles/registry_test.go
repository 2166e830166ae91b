package roles

import (
	"context"
	"errors"
	"testing"
	"time"

	"grantledger.org/internal/events"
)

var now = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type captureSink struct {
	events []events.Event
}

func (c *captureSink) Publish(evt events.Event) { c.events = append(c.events, evt) }

func TestCreatorAssignsAndUnassigns(t *testing.T) {
	sink := &captureSink{}
	r := NewRegistry(NewMemory(), "root", sink)
	ctx := context.Background()

	if err := r.Assign(ctx, "root", "p1", "auditor", now); err != nil {
		t.Fatal(err)
	}
	if ok, _ := r.IsAssigned(ctx, "p1", "auditor"); !ok {
		t.Fatal("flag not set")
	}
	if err := r.Unassign(ctx, "root", "p1", "auditor", now); err != nil {
		t.Fatal(err)
	}
	if ok, _ := r.IsAssigned(ctx, "p1", "auditor"); ok {
		t.Fatal("flag not cleared")
	}

	if len(sink.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(sink.events))
	}
	if sink.events[0].Type != events.TypeRoleChange || !sink.events[0].Assigned {
		t.Fatalf("unexpected assign event: %#v", sink.events[0])
	}
	if sink.events[1].Assigned {
		t.Fatalf("unexpected unassign event: %#v", sink.events[1])
	}
}

func TestSuperAdminMayManage(t *testing.T) {
	r := NewRegistry(NewMemory(), "root", nil)
	ctx := context.Background()

	if err := r.Assign(ctx, "p1", "p2", "auditor", now); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := r.Assign(ctx, "root", "p1", SuperAdminRole, now); err != nil {
		t.Fatal(err)
	}
	if err := r.Assign(ctx, "p1", "p2", "auditor", now); err != nil {
		t.Fatalf("superadmin must be able to assign: %v", err)
	}
	if err := r.Unassign(ctx, "root", "p1", SuperAdminRole, now); err != nil {
		t.Fatal(err)
	}
	if err := r.Assign(ctx, "p1", "p3", "auditor", now); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("revoked superadmin must be refused: %v", err)
	}
}

func TestSuperAdminFlagIsNotImplicitForCreator(t *testing.T) {
	r := NewRegistry(NewMemory(), "root", nil)
	// The creator manages flags but does not hold any flag unless assigned.
	if ok, _ := r.IsAssigned(context.Background(), "root", SuperAdminRole); ok {
		t.Fatal("creator must not read as superadmin without an explicit flag")
	}
}

func TestInputValidation(t *testing.T) {
	r := NewRegistry(NewMemory(), "root", nil)
	ctx := context.Background()

	if err := r.Assign(ctx, "root", "p1", "  ", now); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput for blank role, got %v", err)
	}
	if err := r.Assign(ctx, "root", "", "auditor", now); !errors.Is(err, ErrInvalidPrincipal) {
		t.Fatalf("expected ErrInvalidPrincipal, got %v", err)
	}
}

func TestLookupsAreTotal(t *testing.T) {
	r := NewRegistry(NewMemory(), "root", nil)
	ok, err := r.IsAssigned(context.Background(), "unknown", "unknown")
	if err != nil || ok {
		t.Fatalf("expected false, nil for unknown pair, got %v, %v", ok, err)
	}
}

func TestUnassignNeverSetSucceeds(t *testing.T) {
	r := NewRegistry(NewMemory(), "root", nil)
	if err := r.Unassign(context.Background(), "root", "p1", "auditor", now); err != nil {
		t.Fatalf("unassign of unset flag must succeed: %v", err)
	}
}
