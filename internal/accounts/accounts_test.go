package accounts

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestMemoryAccounts(t *testing.T) {
	m := NewMemoryAccounts()
	m.Add("cap-1", models.VehicleAuto)
	a, ok, err := m.Lookup(context.Background(), "cap-1")
	if err != nil || !ok {
		t.Fatalf("expected cap-1 to exist, ok=%v err=%v", ok, err)
	}
	if a.VehicleClass != models.VehicleAuto {
		t.Fatalf("expected auto, got %s", a.VehicleClass)
	}
	if _, ok, _ := m.Lookup(context.Background(), "cap-2"); ok {
		t.Fatalf("cap-2 should not exist")
	}
}

func TestOpenAccountsAcceptAnyID(t *testing.T) {
	m := NewOpenAccounts()
	if _, ok, _ := m.Lookup(context.Background(), "anyone"); !ok {
		t.Fatalf("open accounts should accept any id")
	}
}
