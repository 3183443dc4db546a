// Package allocator implements the coalescing free-list allocator of
// spec.md §4.1: a singly-linked, address-ordered list of free nodes
// whose headers are stored in-band at the start of each free block.
package allocator

import (
	"encoding/binary"
	"sync"

	"github.com/armhyp/hyp/internal/debug"
	"github.com/armhyp/hyp/internal/herrors"
	"github.com/armhyp/hyp/internal/paddr"
)

// HeaderSize is the size, minimum alignment and minimum allocation size
// of a free-list node: 8 bytes "next" address, 8 bytes size.
const HeaderSize = 16

// MaxAllocSize and MaxAlignment bound a single allocate() call so the
// allocator never has to reason about address-space-wrapping requests.
const (
	MaxAllocSize = 256 * 1024 * 1024
	MaxAlignment = 16 * 1024 * 1024
)

// Debug canary bytes, matching ALLOCATOR_DEBUG in the original: when
// Debug is enabled, canaryHead and canaryTail bracket a live
// allocation, and canaryGap fills a freed payload.
const (
	canaryHead = 0xE7
	canaryTail = 0xA5
	canaryGap  = 0xE8
)

const nilAddr = paddr.Addr(^uint64(0))

// Allocator is a coalescing free-list allocator over one contiguous
// backing store. Mem is the byte-addressable storage backing every
// address in [base, base+len(mem)); node headers are written directly
// into it, exactly as the original keeps them in-band.
type Allocator struct {
	mu sync.Mutex

	mem  []byte
	base paddr.Addr

	head      paddr.Addr // nilAddr when the free list is empty
	totalSize uint64
	allocSize uint64

	// Debug enables red-zone padding and canary bytes around live
	// allocations, matching the ALLOCATOR_DEBUG build option.
	Debug bool
}

// New creates an allocator backed by mem, whose first byte corresponds
// to physical address base. The free list starts empty; call AddMemory
// to donate ranges of mem to it.
func New(mem []byte, base paddr.Addr) *Allocator {
	return &Allocator{
		mem:  mem,
		base: base,
		head: nilAddr,
	}
}

// TotalSize returns the total bytes ever donated via AddMemory.
func (a *Allocator) TotalSize() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalSize
}

// AllocSize returns the bytes currently outstanding in live allocations.
func (a *Allocator) AllocSize() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocSize
}

// FreeSize returns TotalSize - AllocSize without taking the lock twice.
func (a *Allocator) FreeSize() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalSize - a.allocSize
}

func (a *Allocator) offset(addr paddr.Addr) int {
	return int(addr - a.base)
}

func (a *Allocator) readNext(addr paddr.Addr) paddr.Addr {
	off := a.offset(addr)
	v := binary.LittleEndian.Uint64(a.mem[off : off+8])
	return paddr.Addr(v)
}

func (a *Allocator) writeNext(addr, next paddr.Addr) {
	off := a.offset(addr)
	binary.LittleEndian.PutUint64(a.mem[off:off+8], uint64(next))
}

func (a *Allocator) readSize(addr paddr.Addr) uint64 {
	off := a.offset(addr)
	return binary.LittleEndian.Uint64(a.mem[off+8 : off+16])
}

func (a *Allocator) writeSize(addr paddr.Addr, size uint64) {
	off := a.offset(addr)
	binary.LittleEndian.PutUint64(a.mem[off+8:off+16], size)
}

func (a *Allocator) writeNode(addr, next paddr.Addr, size uint64) {
	a.writeNext(addr, next)
	a.writeSize(addr, size)
}

// AddMemory donates [addr, addr+size) to the free list, merging with
// adjacent free nodes. It implements the nine geometric cases of
// list_add: empty, prepend, merge-head, merge-previous,
// merge-previous-and-current, insert-between, merge-current,
// merge-previous-tail, append.
func (a *Allocator) AddMemory(addr paddr.Addr, size uint64) error {
	alignedAddr := paddr.AlignUp(addr, HeaderSize)
	size -= uint64(alignedAddr - addr)
	addr = alignedAddr
	size = uint64(paddr.AlignDown(paddr.Addr(size), HeaderSize))

	if paddr.AddOverflows(addr, size) {
		return herrors.Wrap(herrors.ADDR_OVERFLOW, "allocator: add_memory(%#x, %#x) overflows", addr, size)
	}
	if size < 2*HeaderSize {
		return herrors.Wrap(herrors.ARGUMENT_SIZE, "allocator: add_memory size %#x below minimum", size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.listAdd(addr, size); err != nil {
		return err
	}
	a.totalSize += size
	debug.Writef("allocator add_memory", "addr=%#x size=%#x total=%#x", addr, size, a.totalSize)
	return nil
}

func (a *Allocator) listAdd(addr paddr.Addr, size uint64) error {
	switch {
	case a.head == nilAddr:
		// 1. Add head to empty list.
		a.writeNode(addr, nilAddr, size)
		a.head = addr
		return nil

	case addr+paddr.Addr(size) < a.head:
		// 2. Prepend before head.
		a.writeNode(addr, a.head, size)
		a.head = addr
		return nil

	case addr+paddr.Addr(size) == a.head:
		// 3. Merge with head.
		headNext := a.readNext(a.head)
		headSize := a.readSize(a.head)
		a.writeNode(addr, headNext, size+headSize)
		a.head = addr
		return nil
	}

	previous := a.head
	current := a.readNext(previous)
	for current != nilAddr && addr >= current {
		previous = current
		current = a.readNext(current)
	}

	previousEnd := previous + paddr.Addr(a.readSize(previous))

	if current != nilAddr {
		switch {
		case previousEnd == addr && addr+paddr.Addr(size) < current:
			// 4. Merge with previous.
			a.writeSize(previous, a.readSize(previous)+size)
		case previousEnd == addr && addr+paddr.Addr(size) == current:
			// 5. Merge with previous and current.
			a.writeNode(previous, a.readNext(current), a.readSize(previous)+size+a.readSize(current))
		case previousEnd < addr && addr+paddr.Addr(size) < current:
			// 6. Insert strictly between previous and current.
			a.writeNode(addr, current, size)
			a.writeNext(previous, addr)
		case previousEnd < addr && addr+paddr.Addr(size) == current:
			// 7. Merge with current.
			a.writeNode(addr, a.readNext(current), size+a.readSize(current))
			a.writeNext(previous, addr)
		default:
			return herrors.Wrap(herrors.ALLOCATOR_RANGE_OVERLAPPING, "allocator: add_memory(%#x,%#x) overlaps existing free range", addr, size)
		}
		return nil
	}

	switch {
	case previousEnd == addr:
		// 8. Merge with previous (tail of list).
		a.writeSize(previous, a.readSize(previous)+size)
	case previousEnd < addr:
		// 9. Append to the tail.
		a.writeNode(addr, nilAddr, size)
		a.writeNext(previous, addr)
	default:
		return herrors.Wrap(herrors.ALLOCATOR_RANGE_OVERLAPPING, "allocator: add_memory(%#x,%#x) overlaps existing free range", addr, size)
	}
	return nil
}

// Allocate reserves size bytes aligned to at least minAlignment (which
// must be a power of two, or zero to mean HeaderSize), returning the
// address of the allocation. It implements the four allocate_from_node
// cases via a first-fit scan of the free list.
func (a *Allocator) Allocate(size uint64, minAlignment uint64) (paddr.Addr, error) {
	alignment := minAlignment
	if alignment < HeaderSize {
		alignment = HeaderSize
	}
	if !paddr.IsPowerOfTwo(alignment) {
		return 0, herrors.Wrap(herrors.ARGUMENT_ALIGNMENT, "allocator: alignment %#x is not a power of two", alignment)
	}
	if alignment > MaxAlignment {
		return 0, herrors.Wrap(herrors.ARGUMENT_ALIGNMENT, "allocator: alignment %#x exceeds MaxAlignment", alignment)
	}

	size = uint64(paddr.AlignUp(paddr.Addr(size), HeaderSize))
	if size == 0 || size > MaxAllocSize {
		return 0, herrors.Wrap(herrors.ARGUMENT_SIZE, "allocator: size %#x out of range", size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	redzone := uint64(0)
	if a.Debug {
		redzone = HeaderSize
	}
	totalSize := size + 2*redzone

	addr, err := a.allocateFromList(totalSize, alignment, redzone)
	if err != nil {
		return 0, err
	}

	a.allocSize += size
	if a.Debug {
		a.writeRedzones(addr, redzone, size)
	}
	debug.Writef("allocator allocate", "size=%#x align=%#x -> addr=%#x", size, alignment, addr+paddr.Addr(redzone))
	return addr + paddr.Addr(redzone), nil
}

// allocateFromList walks the free list first-fit, splitting the winning
// node into up to two residual fragments.
func (a *Allocator) allocateFromList(totalSize, alignment, redzone uint64) (paddr.Addr, error) {
	var previous paddr.Addr = nilAddr
	current := a.head

	for current != nilAddr {
		nodeStart := current
		nodeEnd := current + paddr.Addr(a.readSize(current))

		allocStart := paddr.AlignUp(nodeStart+paddr.Addr(redzone), alignment) - paddr.Addr(redzone)
		allocEnd := allocStart + paddr.Addr(totalSize)

		if paddr.AddOverflows(allocStart, totalSize) {
			return 0, herrors.Wrap(herrors.ADDR_OVERFLOW, "allocator: allocation overflows address space")
		}

		if allocEnd <= nodeEnd && allocStart >= nodeStart {
			a.splitNode(previous, current, nodeStart, nodeEnd, allocStart, allocEnd)
			return allocStart, nil
		}

		previous = current
		current = a.readNext(current)
	}

	return 0, herrors.Wrap(herrors.NOMEM, "allocator: no free block fits size=%#x align=%#x", totalSize, alignment)
}

func (a *Allocator) splitNode(previous, current, nodeStart, nodeEnd, allocStart, allocEnd paddr.Addr) {
	next := a.readNext(current)

	switch {
	case nodeEnd == allocEnd && nodeStart == allocStart:
		// 1. Entire node consumed; unlink it.
		a.unlink(previous, next)

	case nodeEnd == allocEnd:
		// 2. Tail of node consumed; shrink in place.
		a.writeSize(current, uint64(allocStart-nodeStart))

	case nodeStart == allocStart:
		// 3. Head of node consumed; the node moves to allocEnd.
		a.writeNode(allocEnd, next, uint64(nodeEnd-allocEnd))
		a.relink(previous, allocEnd)

	default:
		// 4. Middle of node consumed; split into two fragments.
		a.writeNode(allocEnd, next, uint64(nodeEnd-allocEnd))
		a.writeNode(current, allocEnd, uint64(allocStart-nodeStart))
	}
}

func (a *Allocator) unlink(previous, next paddr.Addr) {
	a.relink(previous, next)
}

func (a *Allocator) relink(previous, newNext paddr.Addr) {
	if previous == nilAddr {
		a.head = newNext
	} else {
		a.writeNext(previous, newNext)
	}
}

func (a *Allocator) writeRedzones(nodeAddr paddr.Addr, redzone, size uint64) {
	if redzone == 0 {
		return
	}
	off := a.offset(nodeAddr)
	for i := uint64(0); i < redzone; i++ {
		a.mem[off+int(i)] = canaryHead
	}
	tailOff := off + int(redzone) + int(size)
	for i := uint64(0); i < redzone; i++ {
		a.mem[tailOff+int(i)] = canaryTail
	}
}

// poisonPayload scrubs a freed allocation's payload with canaryGap so a
// later read through a stale pointer is visibly distinct from live data
// or the head/tail redzone bytes, rather than whatever garbage the free
// list leaves behind.
func (a *Allocator) poisonPayload(addr paddr.Addr, size uint64) {
	off := a.offset(addr)
	for i := uint64(0); i < size; i++ {
		a.mem[off+int(i)] = canaryGap
	}
}

func (a *Allocator) checkRedzones(addr paddr.Addr, size uint64) error {
	if !a.Debug {
		return nil
	}
	off := a.offset(addr)
	for i := 0; i < HeaderSize; i++ {
		if a.mem[off-HeaderSize+i] != canaryHead {
			return herrors.Wrap(herrors.FAILURE, "allocator: red-zone corrupted before %#x", addr)
		}
		if a.mem[off+int(size)+i] != canaryTail {
			return herrors.Wrap(herrors.FAILURE, "allocator: red-zone corrupted after %#x", addr)
		}
	}
	return nil
}

// Deallocate returns a previously allocated [addr, addr+size) region to
// the free list, merging with neighbours. size must match the size
// passed to Allocate.
func (a *Allocator) Deallocate(addr paddr.Addr, size uint64) error {
	size = uint64(paddr.AlignUp(paddr.Addr(size), HeaderSize))

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkRedzones(addr, size); err != nil {
		return err
	}
	if a.Debug {
		a.poisonPayload(addr, size)
	}

	nodeAddr := addr
	nodeSize := size
	if a.Debug {
		nodeAddr -= HeaderSize
		nodeSize += 2 * HeaderSize
	}

	if err := a.listAdd(nodeAddr, nodeSize); err != nil {
		return err
	}
	a.allocSize -= size
	debug.Writef("allocator deallocate", "addr=%#x size=%#x", addr, size)
	return nil
}
