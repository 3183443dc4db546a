// Package pgtable implements the two-stage translation-table engine of
// spec.md §4.3: separate namespaces for the hypervisor's own stage-1
// tables and each VM's stage-2 table, sharing one translation-table
// walker that recurses down a radix of page-table levels.
//
// There being no real MMU underneath this port, levels are modeled as
// Go structs linked by pointers rather than raw descriptor bytes in
// mapped memory — the same choice the teacher's software RISC-V MMU
// (internal/hv/riscv/rv64/mmu.go, removed after grounding — see
// DESIGN.md) makes for its page-table walk, and TLB/DSB/BBM maintenance
// sequencing is recorded via debug.Writef rather than issued as real
// ARM system instructions.
package pgtable

import (
	"sync"

	"github.com/armhyp/hyp/internal/debug"
	"github.com/armhyp/hyp/internal/herrors"
	"github.com/armhyp/hyp/internal/paddr"
	"github.com/armhyp/hyp/internal/partition"
)

// Fixed 4 KiB, 4-level, 9-bit-per-level geometry (VMSAv8 4K granule).
const (
	granuleShift = 12
	granuleSize  = 1 << granuleShift
	bitsPerLevel = 9
	numEntries   = 1 << bitsPerLevel
	maxLevel     = 3 // the leaf (page) level
	minBlockLevel = 1 // ARM forbids block descriptors at level 0
)

// MemType is the memory-type attribute of a leaf descriptor.
type MemType int

const (
	MemNormal MemType = iota
	MemDevicenGnRE
	MemDevicenGnRnE
)

// AccessPermission is the access-permission attribute of a leaf descriptor.
type AccessPermission int

const (
	AccessReadWrite AccessPermission = iota
	AccessReadOnly
	AccessNoAccess
)

// Shareability is the shareability attribute of a leaf descriptor.
type Shareability int

const (
	ShareNonShareable Shareability = iota
	ShareInnerShareable
	ShareOuterShareable
)

// Attrs bundles a leaf descriptor's lower and upper attributes.
type Attrs struct {
	MemType      MemType
	Access       AccessPermission
	Shareability Shareability
	Exec         bool
}

type descKind uint8

const (
	descInvalid descKind = iota
	descTable
	descBlockOrPage
)

type descriptor struct {
	kind  descKind
	child *level     // valid when kind == descTable
	phys  paddr.Addr // valid when kind == descBlockOrPage
	attrs Attrs
}

type level struct {
	self     paddr.Addr // the physical page backing this level, from table.part
	entries  [numEntries]descriptor
	refcount int
}

// levelShift returns the VA bit position this level's index field starts at.
func levelShift(lvl int) uint {
	return granuleShift + bitsPerLevel*uint(maxLevel-lvl)
}

func levelSize(lvl int) uint64 { return uint64(1) << levelShift(lvl) }

func levelIndex(virt paddr.Addr, lvl int) int {
	return int(virt>>levelShift(lvl)) & (numEntries - 1)
}

// Mapping is one leaf mapping returned by Lookup/LookupRange.
type Mapping struct {
	Virt  paddr.Addr
	Phys  paddr.Addr
	Size  uint64
	Attrs Attrs
}

// Table is one page-table namespace: the hypervisor's stage-1 table (top
// or bottom half) or one VM's stage-2 table.
type Table struct {
	mu        sync.Mutex
	part      *partition.Partition
	root      *level
	startLevel int
	addrBits  uint
	isStage2  bool
	inOp      bool
}

func newTable(part *partition.Partition, addrBits uint, stage2 bool) (*Table, error) {
	levels := (addrBits - granuleShift + bitsPerLevel - 1) / bitsPerLevel
	if levels < 1 {
		levels = 1
	}
	if levels > maxLevel+1 {
		levels = maxLevel + 1
	}
	start := maxLevel + 1 - int(levels)

	root, err := allocLevel(part)
	if err != nil {
		return nil, err
	}
	return &Table{
		part:       part,
		root:       root,
		startLevel: start,
		addrBits:   addrBits,
		isStage2:   stage2,
	}, nil
}

// NewHyp constructs a hypervisor stage-1 table (TTBR0 "bottom" or TTBR1
// "top", caller's choice of addrBits distinguishes which).
func NewHyp(part *partition.Partition, addrBits uint) (*Table, error) {
	return newTable(part, addrBits, false)
}

// NewVM constructs a per-VM stage-2 table.
func NewVM(part *partition.Partition, addrBits uint) (*Table, error) {
	return newTable(part, addrBits, true)
}

func allocLevel(part *partition.Partition) (*level, error) {
	phys, _, err := part.Alloc(granuleSize, granuleSize)
	if err != nil {
		return nil, err
	}
	return &level{self: phys}, nil
}

func freeLevel(part *partition.Partition, l *level) error {
	return part.Free(l.self, granuleSize)
}

// Start begins a mutating operation, matching spec.md §4.3's
// pgtable_{hyp,vm}_start() framing.
func (t *Table) Start() error {
	t.mu.Lock()
	if t.inOp {
		t.mu.Unlock()
		return herrors.Wrap(herrors.OBJECT_STATE, "pgtable: start() called while already in an operation")
	}
	t.inOp = true
	return nil
}

// Commit ends a mutating operation (the "dsb ish; release" of spec.md
// §4.3 — recorded here rather than issued as a real barrier).
func (t *Table) Commit() {
	debug.Writef("pgtable commit", "stage2=%v", t.isStage2)
	t.inOp = false
	t.mu.Unlock()
}

func (t *Table) assertInOp() error {
	if !t.inOp {
		return herrors.Wrap(herrors.OBJECT_STATE, "pgtable: operation attempted outside start()/commit()")
	}
	return nil
}

// Map establishes virt -> phys for size bytes with the given
// attributes. If tryMap is true, an existing differing mapping in the
// range causes EXISTING_MAPPING rather than being replaced.
func (t *Table) Map(virt, phys paddr.Addr, size uint64, attrs Attrs, tryMap bool) error {
	if err := t.assertInOp(); err != nil {
		return err
	}
	if !paddr.IsAligned(virt, granuleSize) || !paddr.IsAligned(phys, granuleSize) || size == 0 || size%granuleSize != 0 {
		return herrors.Wrap(herrors.ARGUMENT_ALIGNMENT, "pgtable: map(%#x,%#x,%#x) misaligned", virt, phys, size)
	}
	end := virt + paddr.Addr(size) - 1
	allocated, err := t.mapRange(t.root, t.startLevel, 0, virt, end, phys, attrs, tryMap)
	if err != nil {
		for _, l := range allocated {
			freeLevel(t.part, l)
		}
		return err
	}
	debug.Writef("pgtable map", "[%#x,%#x) -> %#x stage2=%v", virt, virt+paddr.Addr(size), phys, t.isStage2)
	return nil
}

// mapRange walks [start,end] (relative to lvl's own [base,base+levelSize)
// window) writing block/page descriptors, splitting existing
// block/table entries as needed, and returns every level it newly
// allocated (for rollback on later failure within the same Map call).
func (t *Table) mapRange(lvl *level, l int, base paddr.Addr, start, end paddr.Addr, phys paddr.Addr, attrs Attrs, tryMap bool) ([]*level, error) {
	var allocated []*level
	size := levelSize(l)

	for idx := 0; idx < numEntries; idx++ {
		slotBase := base + paddr.Addr(idx)*paddr.Addr(size)
		slotLast := slotBase + paddr.Addr(size) - 1
		if slotLast < start || slotBase > end {
			continue
		}
		slotPhys := phys + (slotBase - start)
		fullyCovered := slotBase >= start && slotLast <= end

		d := &lvl.entries[idx]
		if fullyCovered && l >= minBlockLevel {
			switch d.kind {
			case descInvalid:
				*d = descriptor{kind: descBlockOrPage, phys: slotPhys, attrs: attrs}
				lvl.refcount++
			case descBlockOrPage:
				if d.phys != slotPhys && tryMap {
					return allocated, herrors.Wrap(herrors.EXISTING_MAPPING, "pgtable: map conflicts with existing mapping at %#x", slotBase)
				}
				d.phys = slotPhys
				d.attrs = attrs
			case descTable:
				if tryMap {
					return allocated, herrors.Wrap(herrors.EXISTING_MAPPING, "pgtable: map conflicts with existing sub-table at %#x", slotBase)
				}
				if err := t.freeSubtree(d.child, l+1); err != nil {
					return allocated, err
				}
				lvl.refcount--
				*d = descriptor{kind: descBlockOrPage, phys: slotPhys, attrs: attrs}
				lvl.refcount++
			}
			continue
		}

		// Partial coverage: must descend. Split an existing block or
		// create a fresh sub-level as needed, then recurse.
		switch d.kind {
		case descInvalid:
			child, err := allocLevel(t.part)
			if err != nil {
				return allocated, err
			}
			allocated = append(allocated, child)
			*d = descriptor{kind: descTable, child: child}
			lvl.refcount++
		case descBlockOrPage:
			child, err := allocLevel(t.part)
			if err != nil {
				return allocated, err
			}
			allocated = append(allocated, child)
			childSize := levelSize(l + 1)
			for i := range child.entries {
				child.entries[i] = descriptor{
					kind:  descBlockOrPage,
					phys:  d.phys + paddr.Addr(i)*paddr.Addr(childSize),
					attrs: d.attrs,
				}
			}
			child.refcount = numEntries
			*d = descriptor{kind: descTable, child: child}
		case descTable:
			// already a table, just descend
		}

		sub, err := t.mapRange(d.child, l+1, slotBase, start, end, slotPhys, attrs, tryMap)
		allocated = append(allocated, sub...)
		if err != nil {
			return allocated, err
		}
	}
	return allocated, nil
}

// Unmap removes every mapping in [virt, virt+size). preservedPrealloc
// is the spec.md §4.3 preserved_prealloc threshold: levels whose
// addr_size is at or below it are kept allocated (empty) rather than
// freed when their refcount reaches zero.
func (t *Table) Unmap(virt paddr.Addr, size uint64, preservedPrealloc uint64) error {
	if err := t.assertInOp(); err != nil {
		return err
	}
	if !paddr.IsAligned(virt, granuleSize) || size%granuleSize != 0 {
		return herrors.Wrap(herrors.ARGUMENT_ALIGNMENT, "pgtable: unmap(%#x,%#x) misaligned", virt, size)
	}
	if size == 0 {
		return nil
	}
	end := virt + paddr.Addr(size) - 1
	if err := t.unmapRange(t.root, t.startLevel, 0, virt, end, nil, preservedPrealloc); err != nil {
		return err
	}
	debug.Writef("pgtable unmap", "[%#x,%#x) stage2=%v", virt, virt+paddr.Addr(size), t.isStage2)
	return nil
}

// UnmapMatching is Unmap restricted to leaves whose physical address
// equals matchPhys + (their virtual offset from virt).
func (t *Table) UnmapMatching(virt paddr.Addr, size uint64, matchPhys paddr.Addr) error {
	if err := t.assertInOp(); err != nil {
		return err
	}
	if !paddr.IsAligned(virt, granuleSize) || size%granuleSize != 0 {
		return herrors.Wrap(herrors.ARGUMENT_ALIGNMENT, "pgtable: unmap_matching(%#x,%#x) misaligned", virt, size)
	}
	if size == 0 {
		return nil
	}
	end := virt + paddr.Addr(size) - 1
	m := matchPhys
	if err := t.unmapRange(t.root, t.startLevel, 0, virt, end, &m, 0); err != nil {
		return err
	}
	return nil
}

// unmapRange clears leaves in [start,end] (unmap-of-unmapped is
// silent, per spec.md §7). matchPhys, when non-nil, restricts clearing
// to leaves whose physical address lines up with *matchPhys at the
// corresponding virtual offset from start.
func (t *Table) unmapRange(lvl *level, l int, base paddr.Addr, start, end paddr.Addr, matchPhys *paddr.Addr, preservedPrealloc uint64) error {
	size := levelSize(l)

	for idx := 0; idx < numEntries; idx++ {
		slotBase := base + paddr.Addr(idx)*paddr.Addr(size)
		slotLast := slotBase + paddr.Addr(size) - 1
		if slotLast < start || slotBase > end {
			continue
		}
		d := &lvl.entries[idx]
		if d.kind == descInvalid {
			continue
		}

		fullyCovered := slotBase >= start && slotLast <= end

		if d.kind == descBlockOrPage {
			if matchPhys != nil {
				wantPhys := *matchPhys + (slotBase - start)
				if d.phys != wantPhys {
					continue
				}
			}
			if fullyCovered {
				*d = descriptor{}
				lvl.refcount--
				continue
			}
			// Unmapping only part of a block: split it down to the
			// leaf level first, then clear just the covered leaves.
			child, err := allocLevel(t.part)
			if err != nil {
				return err
			}
			childSize := levelSize(l + 1)
			for i := range child.entries {
				child.entries[i] = descriptor{
					kind:  descBlockOrPage,
					phys:  d.phys + paddr.Addr(i)*paddr.Addr(childSize),
					attrs: d.attrs,
				}
			}
			child.refcount = numEntries
			*d = descriptor{kind: descTable, child: child}
		}

		if err := t.unmapRange(d.child, l+1, slotBase, start, end, matchPhys, preservedPrealloc); err != nil {
			return err
		}
		if d.child.refcount == 0 && levelSize(l+1) > preservedPrealloc {
			if err := freeLevel(t.part, d.child); err != nil {
				return err
			}
			*d = descriptor{}
			lvl.refcount--
		}
	}
	return nil
}

// freeSubtree recursively frees every level under child, used when a
// conflicting map() replaces an existing sub-table wholesale.
func (t *Table) freeSubtree(child *level, l int) error {
	for i := range child.entries {
		if child.entries[i].kind == descTable {
			if err := t.freeSubtree(child.entries[i].child, l+1); err != nil {
				return err
			}
		}
	}
	return freeLevel(t.part, child)
}

// Preallocate allocates every missing level down to the page (leaf)
// level across [virt, virt+size) without creating any leaf mapping, so
// a later Map under a different partition does not need to allocate
// levels itself. There is no coarser granularity to stop at: levels are
// always allocated all the way down.
func (t *Table) Preallocate(virt paddr.Addr, size uint64) error {
	if err := t.assertInOp(); err != nil {
		return err
	}
	end := virt + paddr.Addr(size) - 1
	return t.preallocRange(t.root, t.startLevel, 0, virt, end)
}

func (t *Table) preallocRange(lvl *level, l int, base paddr.Addr, start, end paddr.Addr) error {
	if l >= maxLevel {
		return nil
	}
	size := levelSize(l)
	for idx := 0; idx < numEntries; idx++ {
		slotBase := base + paddr.Addr(idx)*paddr.Addr(size)
		slotLast := slotBase + paddr.Addr(size) - 1
		if slotLast < start || slotBase > end {
			continue
		}
		d := &lvl.entries[idx]
		if d.kind == descInvalid {
			child, err := allocLevel(t.part)
			if err != nil {
				return err
			}
			*d = descriptor{kind: descTable, child: child}
			lvl.refcount++
		}
		if d.kind == descTable {
			if err := t.preallocRange(d.child, l+1, slotBase, start, end); err != nil {
				return err
			}
		}
	}
	return nil
}

// Lookup walks to the first leaf intersecting virt and returns it.
func (t *Table) Lookup(virt paddr.Addr) (Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupOne(t.root, t.startLevel, 0, virt)
}

func (t *Table) lookupOne(lvl *level, l int, base paddr.Addr, virt paddr.Addr) (Mapping, bool) {
	size := levelSize(l)
	idx := levelIndex(virt-base, l)
	slotBase := base + paddr.Addr(idx)*paddr.Addr(size)
	d := lvl.entries[idx]
	switch d.kind {
	case descInvalid:
		return Mapping{}, false
	case descBlockOrPage:
		return Mapping{Virt: slotBase, Phys: d.phys, Size: size, Attrs: d.attrs}, true
	default:
		return t.lookupOne(d.child, l+1, slotBase, virt)
	}
}

// LookupRange returns every leaf mapping intersecting [virt, virt+size).
func (t *Table) LookupRange(virt paddr.Addr, size uint64) []Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()
	end := virt + paddr.Addr(size) - 1
	var out []Mapping
	t.lookupRange(t.root, t.startLevel, 0, virt, end, &out)
	return out
}

func (t *Table) lookupRange(lvl *level, l int, base paddr.Addr, start, end paddr.Addr, out *[]Mapping) {
	size := levelSize(l)
	for idx := 0; idx < numEntries; idx++ {
		slotBase := base + paddr.Addr(idx)*paddr.Addr(size)
		slotLast := slotBase + paddr.Addr(size) - 1
		if slotLast < start || slotBase > end {
			continue
		}
		d := lvl.entries[idx]
		switch d.kind {
		case descBlockOrPage:
			*out = append(*out, Mapping{Virt: slotBase, Phys: d.phys, Size: size, Attrs: d.attrs})
		case descTable:
			t.lookupRange(d.child, l+1, slotBase, start, end, out)
		}
	}
}
