// Package partition implements spec.md §3's Partition entity: a named
// resource container that owns an allocator over one contiguous
// physical pool and is a named actor in the memory ownership database
// (every range of its pool has this partition as current owner).
//
// Physical memory here is backed by an anonymous mmap, following the
// guest-RAM allocation pattern of the teacher's KVM backend
// (internal/hv/kvm/kvm.go, removed after grounding — see DESIGN.md):
// a partition's pool is one unix.Mmap region, and paddr.Addr values
// are offsets into it rather than real machine physical addresses.
package partition

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/armhyp/hyp/internal/allocator"
	"github.com/armhyp/hyp/internal/debug"
	"github.com/armhyp/hyp/internal/herrors"
	"github.com/armhyp/hyp/internal/memdb"
	"github.com/armhyp/hyp/internal/paddr"
)

// ObjectTypePartition is the memdb.ObjectType a partition registers its
// own pool range under, matching spec.md §4.2's "current-owner
// partition" requirement.
const ObjectTypePartition memdb.ObjectType = 1

// PhysPool is the backing store a Partition allocates from: a
// contiguous byte region and the physical base address it is
// registered under in a memdb.DB. It is pluggable so a partition's
// pool need not always come from unix.Mmap — a test, or a caller
// sharing one physical region across several partitions, can supply
// its own implementation.
type PhysPool interface {
	// Bytes is the pool's backing storage, indexed from 0.
	Bytes() []byte
	// Base is the paddr.Addr that Bytes()[0] corresponds to.
	Base() paddr.Addr
	// Unmap releases the pool's backing storage. Called at most once:
	// by Partition.Destroy, or by NewWithPool when construction fails.
	Unmap() error
}

// mmapPool is the default PhysPool: one anonymous mmap region,
// following the guest-RAM allocation pattern described above.
type mmapPool struct {
	mem  []byte
	base paddr.Addr
}

func newMmapPool(base paddr.Addr, size int) (*mmapPool, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &mmapPool{mem: mem, base: base}, nil
}

func (m *mmapPool) Bytes() []byte    { return m.mem }
func (m *mmapPool) Base() paddr.Addr { return m.base }

func (m *mmapPool) Unmap() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

// Partition is a named container of physical memory: one backing pool,
// one free-list allocator over it, and a registration of that pool's
// ownership in a shared memdb.DB.
type Partition struct {
	Name string

	mu    sync.Mutex
	pool  PhysPool
	alloc *allocator.Allocator
	db    *memdb.DB
	freed bool
}

// New creates a partition owning a poolSize-byte anonymous-mmap pool,
// registers the whole pool as owned by this partition in db, and seeds
// the allocator's free list with it.
//
// base is the paddr.Addr the pool is registered under; callers
// composing multiple partitions against one memdb.DB must choose
// disjoint [base, base+poolSize) ranges.
func New(name string, db *memdb.DB, base paddr.Addr, poolSize int) (*Partition, error) {
	if poolSize <= 0 {
		return nil, herrors.Wrap(herrors.ARGUMENT_SIZE, "partition %s: poolSize must be positive", name)
	}
	mem, err := newMmapPool(base, poolSize)
	if err != nil {
		return nil, fmt.Errorf("partition %s: mmap pool: %w", name, err)
	}
	return NewWithPool(name, db, mem)
}

// NewWithPool creates a partition over a caller-supplied PhysPool,
// registering its whole range as owned by this partition in db and
// seeding the allocator's free list with it. Use this to back a
// partition with something other than an anonymous mmap region.
func NewWithPool(name string, db *memdb.DB, pool PhysPool) (*Partition, error) {
	base := pool.Base()
	poolSize := len(pool.Bytes())

	p := &Partition{
		Name:  name,
		pool:  pool,
		alloc: allocator.New(pool.Bytes(), base),
		db:    db,
	}

	if err := p.alloc.AddMemory(base, uint64(poolSize)); err != nil {
		pool.Unmap()
		return nil, fmt.Errorf("partition %s: seed free list: %w", name, err)
	}

	if db != nil {
		if err := db.Insert(base, base+paddr.Addr(poolSize)-1, p, ObjectTypePartition); err != nil {
			pool.Unmap()
			return nil, fmt.Errorf("partition %s: register pool ownership: %w", name, err)
		}
	}

	debug.Writef("partition new", "%s pool=[%#x,%#x)", name, base, base+paddr.Addr(poolSize))
	return p, nil
}

// Alloc is partition_alloc(size, align) from spec.md §6: it returns a
// physical address within the partition's pool plus a slice viewing
// the same bytes ("virt").
func (p *Partition) Alloc(size, align uint64) (phys paddr.Addr, virt []byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freed {
		return 0, nil, herrors.Wrap(herrors.OBJECT_STATE, "partition %s: use after destroy", p.Name)
	}
	addr, err := p.alloc.Allocate(size, align)
	if err != nil {
		return 0, nil, err
	}
	return addr, p.slice(addr, size), nil
}

// Free is partition_free: it returns [addr, addr+size) to the
// partition's allocator.
func (p *Partition) Free(addr paddr.Addr, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freed {
		return herrors.Wrap(herrors.OBJECT_STATE, "partition %s: use after destroy", p.Name)
	}
	return p.alloc.Deallocate(addr, size)
}

// VirtToPhys is partition_virt_to_phys: it maps a slice previously
// returned by Alloc (or any slice into this partition's pool) back to
// its physical address.
func (p *Partition) VirtToPhys(virt []byte) (paddr.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bytes := p.pool.Bytes()
	if len(virt) == 0 || len(bytes) == 0 {
		return 0, herrors.Wrap(herrors.ARGUMENT_INVALID, "partition %s: empty slice", p.Name)
	}
	poolStart := uintptr(unsafe.Pointer(&bytes[0]))
	virtStart := uintptr(unsafe.Pointer(&virt[0]))
	if virtStart < poolStart || virtStart+uintptr(len(virt)) > poolStart+uintptr(len(bytes)) {
		return 0, herrors.Wrap(herrors.ADDR_INVALID, "partition %s: slice is not from this pool", p.Name)
	}
	return p.pool.Base() + paddr.Addr(virtStart-poolStart), nil
}

// slice returns the pool bytes covering [addr, addr+size), addr being
// a paddr.Addr previously handed out by Alloc.
func (p *Partition) slice(addr paddr.Addr, size uint64) []byte {
	offset := uint64(addr - p.pool.Base())
	return p.pool.Bytes()[offset : offset+size]
}

// PhysAccessEnable and PhysAccessDisable are partition_phys_access_{enable,disable}
// from spec.md §6: in this port, where a partition's pool is always
// host-mapped memory rather than a real guest-physical window, they
// are no-ops retained for interface parity with callers written against
// the wider PSCI/VGIC surface (which call them around device-MMIO
// critical sections).
func (p *Partition) PhysAccessEnable(paddr.Addr, uint64) error  { return nil }
func (p *Partition) PhysAccessDisable(paddr.Addr, uint64) error { return nil }

// Destroy unmaps the partition's backing pool. Per spec.md §3 a
// partition is "destroyed only when empty"; callers must have
// deallocated everything first.
func (p *Partition) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freed {
		return nil
	}
	if p.alloc.AllocSize() != 0 {
		return herrors.Wrap(herrors.BUSY, "partition %s: destroy with %d bytes still allocated", p.Name, p.alloc.AllocSize())
	}
	if err := p.pool.Unmap(); err != nil {
		return fmt.Errorf("partition %s: munmap: %w", p.Name, err)
	}
	p.freed = true
	p.pool = nil
	return nil
}
