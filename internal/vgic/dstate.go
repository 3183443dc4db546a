// Package vgic implements the virtual GIC of spec.md §3/§4.4: a
// per-VIRQ delivery-state machine, List-Register (LR) allocation and
// sync, GICD-level SPI routing, and HW-IRQ forwarding.
//
// The delivery-state word is modeled the way the teacher's software
// PLIC (internal/hv/riscv/rv64/plic.go, removed after grounding — see
// DESIGN.md) models pending/enable bitmaps: a small set of flags held
// in one machine word, mutated under CAS loops rather than a lock, so
// concurrent readers (the scheduler's IRQ-pending check) never block
// on a VCPU doing delivery.
package vgic

import "sync/atomic"

// dstate bit positions. enabled/group1/cfgIsEdge/edge/levelSw/levelMsg/
// levelSrc/active/listed/needSync/hwDetached match spec.md §3's
// delivery-state flag set; priority occupies the top byte.
const (
	bitEnabled = 1 << iota
	bitGroup1
	bitCfgIsEdge
	bitEdge
	bitLevelSw
	bitLevelMsg
	bitLevelSrc
	bitActive
	bitListed
	bitNeedSync
	bitHwDetached
)

const priorityShift = 24

// DState is one VIRQ's atomic delivery-state word.
type DState struct {
	bits atomic.Uint32
}

func (d *DState) update(fn func(uint32) uint32) uint32 {
	for {
		old := d.bits.Load()
		next := fn(old)
		if d.bits.CompareAndSwap(old, next) {
			return next
		}
	}
}

func (d *DState) has(bit uint32) bool { return d.bits.Load()&bit != 0 }

func setBit(v uint32, bit uint32, on bool) uint32 {
	if on {
		return v | bit
	}
	return v &^ bit
}

// Pending is the spec.md §3 pending predicate: edge ∨ level_sw ∨
// level_msg ∨ level_src.
func (d *DState) Pending() bool {
	v := d.bits.Load()
	return v&(bitEdge|bitLevelSw|bitLevelMsg|bitLevelSrc) != 0
}

func (d *DState) Enabled() bool    { return d.has(bitEnabled) }
func (d *DState) Group1() bool     { return d.has(bitGroup1) }
func (d *DState) CfgIsEdge() bool  { return d.has(bitCfgIsEdge) }
func (d *DState) Active() bool     { return d.has(bitActive) }
func (d *DState) Listed() bool     { return d.has(bitListed) }
func (d *DState) NeedSync() bool   { return d.has(bitNeedSync) }
func (d *DState) HwDetached() bool { return d.has(bitHwDetached) }

func (d *DState) Priority() uint8 { return uint8(d.bits.Load() >> priorityShift) }

func (d *DState) SetPriority(p uint8) {
	d.update(func(v uint32) uint32 {
		return (v &^ (0xff << priorityShift)) | (uint32(p) << priorityShift)
	})
}

// SetEnabled sets or clears the enabled flag. It does not touch LRs:
// vic.go calls reconsider only after enabling, so clearing the flag on
// a VIRQ that is already listed leaves it in its LR.
func (d *DState) SetEnabled(on bool) {
	d.update(func(v uint32) uint32 { return setBit(v, bitEnabled, on) })
}

func (d *DState) SetGroup1(on bool)    { d.update(func(v uint32) uint32 { return setBit(v, bitGroup1, on) }) }
func (d *DState) SetCfgIsEdge(on bool) { d.update(func(v uint32) uint32 { return setBit(v, bitCfgIsEdge, on) }) }

// SetEdgePending latches the edge-pending flag. Setting it twice before
// it is consumed is idempotent — the bit is already 1 — which is the
// mechanism behind spec.md §8's "VGIC pending idempotence" property.
func (d *DState) SetEdgePending() { d.update(func(v uint32) uint32 { return v | bitEdge }) }

func (d *DState) ClearEdgePending() { d.update(func(v uint32) uint32 { return v &^ bitEdge }) }

func (d *DState) SetLevelSw(on bool) {
	d.update(func(v uint32) uint32 { return setBit(v, bitLevelSw, on) })
}
func (d *DState) SetLevelMsg(on bool) {
	d.update(func(v uint32) uint32 { return setBit(v, bitLevelMsg, on) })
}
func (d *DState) SetLevelSrc(on bool) {
	d.update(func(v uint32) uint32 { return setBit(v, bitLevelSrc, on) })
}

func (d *DState) SetHwDetached(on bool) {
	d.update(func(v uint32) uint32 { return setBit(v, bitHwDetached, on) })
}

// SetActive sets the active flag. Per invariant (b) it may only be set
// when the VIRQ is not listed; callers must check Listed() first.
func (d *DState) SetActive(on bool) {
	d.update(func(v uint32) uint32 { return setBit(v, bitActive, on) })
}

// setListed is used only by vic.go's delivery, EOI and migration
// paths. They update the VIRQ's listedVCPU under its lock and call this
// after releasing it; the bit itself is CAS-updated, so lock-free
// readers of Listed always see a consistent word.
func (d *DState) setListed(on bool) {
	d.update(func(v uint32) uint32 { return setBit(v, bitListed, on) })
}

func (d *DState) setNeedSync(on bool) {
	d.update(func(v uint32) uint32 { return setBit(v, bitNeedSync, on) })
}
