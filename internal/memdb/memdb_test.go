package memdb

import (
	"testing"

	"github.com/armhyp/hyp/internal/paddr"
)

const (
	typePartition ObjectType = iota + 1
	typeAllocator
)

// Scenario 2 from spec.md §8: a second insert overlapping an existing
// range fails and leaves the first insert's mapping intact.
func TestScenario2_DoubleInsert(t *testing.T) {
	db := New(32)
	partition := "partition"
	other := "other"

	if err := db.Insert(0x10000, 0x1ffff, partition, typePartition); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := db.Insert(0x8000, 0x17fff, other, typeAllocator); err == nil {
		t.Fatal("expected overlap error on second insert")
	}

	owner, otype, ok := db.Lookup(0x18000)
	if !ok || owner != partition || otype != typePartition {
		t.Fatalf("lookup(0x18000) = (%v,%v,%v), want (%v,%v,true)", owner, otype, ok, partition, typePartition)
	}
}

// Scenario 3 from spec.md §8: a CAS update with a mismatched expected
// value rolls back completely and every sampled address is unchanged.
func TestScenario3_UpdateRollback(t *testing.T) {
	db := New(32)
	partition := "partition"
	wrong := "wrong-owner"
	newOwner := "new-owner"

	if err := db.Insert(0x10000, 0x1ffff, partition, typePartition); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := db.Update(0x10000, 0x17fff, newOwner, typeAllocator, wrong, typeAllocator)
	if err == nil {
		t.Fatal("expected update to fail on mismatched expected value")
	}

	for _, addr := range []paddr.Addr{0x10000, 0x14000, 0x17fff, 0x18000, 0x1ffff} {
		owner, otype, ok := db.Lookup(addr)
		if !ok || owner != partition || otype != typePartition {
			t.Fatalf("lookup(%#x) = (%v,%v,%v), want (%v,%v,true) after rolled-back update", addr, owner, otype, ok, partition, typePartition)
		}
	}
}

// TestMemdbFunctionality is the "memdb functionality" property from
// spec.md §8: after insert([a,b],O,T) with no later writes, every
// address in range reads back (O,T) and nothing outside range does.
func TestMemdbFunctionality(t *testing.T) {
	db := New(24)
	owner := "owner"

	if err := db.Insert(0x1000, 0x1fff, owner, typePartition); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for _, addr := range []paddr.Addr{0x1000, 0x1800, 0x1fff} {
		if o, ty, ok := db.Lookup(addr); !ok || o != owner || ty != typePartition {
			t.Fatalf("lookup(%#x) = (%v,%v,%v), want mapped", addr, o, ty, ok)
		}
	}
	for _, addr := range []paddr.Addr{0x0fff, 0x2000} {
		if _, _, ok := db.Lookup(addr); ok {
			t.Fatalf("lookup(%#x) unexpectedly mapped", addr)
		}
	}
	if !db.IsOwnershipContiguous(0x1000, 0x1fff, owner, typePartition) {
		t.Fatal("expected contiguous ownership over [0x1000,0x1fff]")
	}
}

func TestWalkCoalescesAdjacentInserts(t *testing.T) {
	db := New(24)
	owner := "owner"

	if err := db.Insert(0x1000, 0x1fff, owner, typePartition); err != nil {
		t.Fatalf("insert first half: %v", err)
	}
	if err := db.Insert(0x2000, 0x2fff, owner, typePartition); err != nil {
		t.Fatalf("insert second half: %v", err)
	}

	var bases []paddr.Addr
	var sizes []uint64
	db.Walk(owner, typePartition, func(base paddr.Addr, size uint64) {
		bases = append(bases, base)
		sizes = append(sizes, size)
	})

	if len(bases) != 1 || bases[0] != 0x1000 || sizes[0] != 0x2000 {
		t.Fatalf("Walk = bases=%#x sizes=%#x, want single run [0x1000,0x2000)", bases, sizes)
	}
}

func TestUpdateSucceedsOnMatchingExpected(t *testing.T) {
	db := New(24)
	owner := "owner"
	newOwner := "new-owner"

	if err := db.Insert(0x1000, 0x1fff, owner, typePartition); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Update(0x1000, 0x1fff, newOwner, typeAllocator, owner, typePartition); err != nil {
		t.Fatalf("update: %v", err)
	}
	if o, ty, ok := db.Lookup(0x1800); !ok || o != newOwner || ty != typeAllocator {
		t.Fatalf("lookup after update = (%v,%v,%v), want (%v,%v,true)", o, ty, ok, newOwner, typeAllocator)
	}
}
