package vgic

import (
	"sync"
	"sync/atomic"

	"github.com/armhyp/hyp/internal/debug"
	"github.com/armhyp/hyp/internal/gicv3"
	"github.com/armhyp/hyp/internal/herrors"
)

// Distributor decodes GICD register accesses (spec.md §4.4.5) into the
// VIC's per-IRQ operations, the way a real redistributor/distributor
// MMIO trap handler would. It only covers SPIs; SGI/PPI register
// accesses land on a Redistributor's SGI_base frame instead.
type Distributor struct {
	vic *VIC
}

// NewDistributor wraps vic with a GICD register decoder.
func NewDistributor(vic *VIC) *Distributor { return &Distributor{vic: vic} }

func inRange(off, base, perIRQ, count uint32) (irq uint32, ok bool) {
	if off < base {
		return 0, false
	}
	idx := (off - base) / perIRQ
	if idx >= count {
		return 0, false
	}
	return idx, true
}

// readBitmap decodes a 1-bit-per-IRQ register word (IGROUPR, ISENABLER/
// ICENABLER, ISPENDR/ICPENDR, ISACTIVER/ICACTIVER): 32 IRQs per word,
// offset from irqBase.
func readBitmap(test func(irq uint32) bool, wordIdx uint32, irqBase uint32) uint32 {
	var v uint32
	for bit := uint32(0); bit < 32; bit++ {
		irq := irqBase + wordIdx*32 + bit
		if test(irq) {
			v |= 1 << bit
		}
	}
	return v
}

// Read32 decodes a 32-bit GICD register read at byte offset off.
func (d *Distributor) Read32(off uint32) (uint32, error) {
	switch {
	case off == gicv3.GICD_CTLR:
		return 1, nil // group-1 enabled
	case off == gicv3.GICD_TYPER:
		return uint32(gicv3.SPICount+gicv3.SPIBase)/32 - 1, nil
	case off == gicv3.GICD_IIDR:
		return 0, nil
	}

	if irqWord, ok := inRange(off, gicv3.GICD_IGROUPR, 4, (gicv3.SPICount+31)/32); ok {
		return readBitmap(func(irq uint32) bool {
			g, err := d.vic.Group1(gicv3.SPIBase + irq)
			return err == nil && g
		}, irqWord, 0), nil
	}
	if irqWord, ok := inRange(off, gicv3.GICD_ISENABLER, 4, (gicv3.SPICount+31)/32); ok {
		return readBitmap(func(irq uint32) bool { return d.vic.spiEnabled(gicv3.SPIBase + irq) }, irqWord, 0), nil
	}
	if irqWord, ok := inRange(off, gicv3.GICD_ICENABLER, 4, (gicv3.SPICount+31)/32); ok {
		return readBitmap(func(irq uint32) bool { return d.vic.spiEnabled(gicv3.SPIBase + irq) }, irqWord, 0), nil
	}
	if irqWord, ok := inRange(off, gicv3.GICD_ISPENDR, 4, (gicv3.SPICount+31)/32); ok {
		return readBitmap(func(irq uint32) bool { return d.vic.spiPending(gicv3.SPIBase + irq) }, irqWord, 0), nil
	}
	if irqWord, ok := inRange(off, gicv3.GICD_ICPENDR, 4, (gicv3.SPICount+31)/32); ok {
		return readBitmap(func(irq uint32) bool { return d.vic.spiPending(gicv3.SPIBase + irq) }, irqWord, 0), nil
	}
	if irqWord, ok := inRange(off, gicv3.GICD_ISACTIVER, 4, (gicv3.SPICount+31)/32); ok {
		return readBitmap(func(irq uint32) bool { return d.vic.spiActive(gicv3.SPIBase + irq) }, irqWord, 0), nil
	}
	if irqWord, ok := inRange(off, gicv3.GICD_ICACTIVER, 4, (gicv3.SPICount+31)/32); ok {
		return readBitmap(func(irq uint32) bool { return d.vic.spiActive(gicv3.SPIBase + irq) }, irqWord, 0), nil
	}
	if irq, ok := inRange(off, gicv3.GICD_IPRIORITYR, 1, gicv3.SPICount); ok {
		p, err := d.vic.Priority(gicv3.SPIBase + irq)
		if err != nil {
			return 0, nil
		}
		return uint32(p), nil
	}
	if irqPair, ok := inRange(off, gicv3.GICD_ICFGR, 4, (gicv3.SPICount+15)/16); ok {
		var v uint32
		for i := uint32(0); i < 16; i++ {
			irq := irqPair*16 + i
			cfg := uint32(gicv3.ICFGLevel)
			if edge, err := d.vic.CfgIsEdge(gicv3.SPIBase + irq); err == nil && edge {
				cfg = gicv3.ICFGEdge
			}
			v |= cfg << (2 * i)
		}
		return v, nil
	}

	return 0, herrors.Wrap(herrors.ARGUMENT_INVALID, "gicd: unhandled read at %#x", off)
}

// Write32 decodes a 32-bit GICD register write.
func (d *Distributor) Write32(off uint32, val uint32) error {
	switch {
	case off == gicv3.GICD_CTLR, off == gicv3.GICD_IIDR, off == gicv3.GICD_TYPER:
		return nil
	}

	if irqWord, ok := inRange(off, gicv3.GICD_IGROUPR, 4, (gicv3.SPICount+31)/32); ok {
		return d.writeBitmapSPI(irqWord, val, d.vic.SetGroup1)
	}
	if irqWord, ok := inRange(off, gicv3.GICD_ISENABLER, 4, (gicv3.SPICount+31)/32); ok {
		return d.writeBitmapSet(irqWord, val, true, d.vic.SetEnabled)
	}
	if irqWord, ok := inRange(off, gicv3.GICD_ICENABLER, 4, (gicv3.SPICount+31)/32); ok {
		return d.writeBitmapSet(irqWord, val, false, d.vic.SetEnabled)
	}
	if irqWord, ok := inRange(off, gicv3.GICD_ISPENDR, 4, (gicv3.SPICount+31)/32); ok {
		return d.writeBitmapSetOnly(irqWord, val, func(irq uint32) error { return d.vic.SetPending(gicv3.SPIBase + irq) })
	}
	if irqWord, ok := inRange(off, gicv3.GICD_ICPENDR, 4, (gicv3.SPICount+31)/32); ok {
		return d.writeBitmapSetOnly(irqWord, val, func(irq uint32) error { return d.vic.ClearPending(gicv3.SPIBase + irq) })
	}
	if irqWord, ok := inRange(off, gicv3.GICD_ISACTIVER, 4, (gicv3.SPICount+31)/32); ok {
		return d.writeBitmapSet(irqWord, val, true, d.vic.SetActive)
	}
	if irqWord, ok := inRange(off, gicv3.GICD_ICACTIVER, 4, (gicv3.SPICount+31)/32); ok {
		return d.writeBitmapSet(irqWord, val, false, d.vic.SetActive)
	}
	if irq, ok := inRange(off, gicv3.GICD_IPRIORITYR, 1, gicv3.SPICount); ok {
		return d.vic.SetPriority(gicv3.SPIBase+irq, uint8(val))
	}
	if irqPair, ok := inRange(off, gicv3.GICD_ICFGR, 4, (gicv3.SPICount+15)/16); ok {
		for i := uint32(0); i < 16; i++ {
			irq := irqPair*16 + i
			edge := (val>>(2*i))&0b10 != 0
			if err := d.vic.SetCfgIsEdge(gicv3.SPIBase+irq, edge); err != nil {
				return err
			}
		}
		return nil
	}

	return herrors.Wrap(herrors.ARGUMENT_INVALID, "gicd: unhandled write at %#x", off)
}

func (d *Distributor) writeBitmapSPI(irqWord uint32, val uint32, set func(uint32, bool) error) error {
	for bit := uint32(0); bit < 32; bit++ {
		irq := irqWord*32 + bit
		if irq >= gicv3.SPICount {
			break
		}
		if err := set(gicv3.SPIBase+irq, val&(1<<bit) != 0); err != nil {
			return err
		}
	}
	return nil
}

func (d *Distributor) writeBitmapSet(irqWord uint32, val uint32, on bool, set func(uint32, bool) error) error {
	for bit := uint32(0); bit < 32; bit++ {
		if val&(1<<bit) == 0 {
			continue
		}
		irq := irqWord*32 + bit
		if irq >= gicv3.SPICount {
			break
		}
		if err := set(gicv3.SPIBase+irq, on); err != nil {
			return err
		}
	}
	return nil
}

func (d *Distributor) writeBitmapSetOnly(irqWord uint32, val uint32, set func(uint32) error) error {
	for bit := uint32(0); bit < 32; bit++ {
		if val&(1<<bit) == 0 {
			continue
		}
		irq := irqWord*32 + bit
		if irq >= gicv3.SPICount {
			break
		}
		if err := set(irq); err != nil {
			return err
		}
	}
	return nil
}

// Write64 is GICD_IROUTER[irq] <- aff, the only 64-bit GICD register
// this port models.
func (d *Distributor) Write64(off uint32, val uint64) error {
	if irq, ok := inRange(off, gicv3.GICD_IROUTER, 8, gicv3.SPICount); ok {
		return d.vic.SetRoute(gicv3.SPIBase+irq, val)
	}
	return herrors.Wrap(herrors.ARGUMENT_INVALID, "gicd: unhandled 64-bit write at %#x", off)
}

// Read64 is GICD_IROUTER[irq].
func (d *Distributor) Read64(off uint32) (uint64, error) {
	if irq, ok := inRange(off, gicv3.GICD_IROUTER, 8, gicv3.SPICount); ok {
		return d.vic.IROUTER(gicv3.SPIBase + irq), nil
	}
	return 0, herrors.Wrap(herrors.ARGUMENT_INVALID, "gicd: unhandled 64-bit read at %#x", off)
}

// Redistributor decodes one VCPU's GICR frame: the CTLR/TYPER/WAKER
// registers plus its banked SGI_base frame (spec.md §4.4.5/§4.4.6). The
// WAKER ProcessorSleep/ChildrenAsleep bits drive a small synchronous
// state machine: a guest requests sleep by setting ProcessorSleep, and
// polls ChildrenAsleep for the hypervisor's acknowledgement, mirroring
// gicv3's real wake handshake closely enough to model power-state
// transitions without an actual redistributor.
type Redistributor struct {
	vic  *VIC
	vcpu *VCPU

	wakerMu sync.Mutex
	waker   atomic.Uint32
}

// NewRedistributor wraps vcpu's GICR frame with a register decoder.
// The redistributor starts ProcessorSleep=1/ChildrenAsleep=1 (asleep),
// matching a cold-reset GICR_WAKER per the GICv3 architecture.
func NewRedistributor(vic *VIC, vcpu *VCPU) *Redistributor {
	r := &Redistributor{vic: vic, vcpu: vcpu}
	r.waker.Store(gicv3.GICR_WAKER_ProcessorSleep | gicv3.GICR_WAKER_ChildrenAsleep)
	return r
}

// WakerState reports the redistributor's current ProcessorSleep/
// ChildrenAsleep combination.
func (r *Redistributor) WakerState() gicv3.WakerState {
	v := r.waker.Load()
	switch {
	case v&gicv3.GICR_WAKER_ProcessorSleep == 0 && v&gicv3.GICR_WAKER_ChildrenAsleep == 0:
		return gicv3.WakerAwake
	case v&gicv3.GICR_WAKER_ProcessorSleep == 0:
		return gicv3.WakerWaking
	default:
		return gicv3.WakerAsleep
	}
}

// Read32 decodes a 32-bit GICR (RD_base) register read.
func (r *Redistributor) Read32(off uint32) (uint32, error) {
	switch off {
	case gicv3.GICR_CTLR:
		return 0, nil
	case gicv3.GICR_TYPER:
		return 0, nil
	case gicv3.GICR_WAKER:
		return r.waker.Load(), nil
	}
	return 0, herrors.Wrap(herrors.ARGUMENT_INVALID, "gicr: unhandled read at %#x", off)
}

// Write32 decodes a 32-bit GICR (RD_base) register write. A guest
// requesting sleep (setting ProcessorSleep) immediately observes
// ChildrenAsleep follow, since this model has no physical redistributor
// latency to emulate; clearing ProcessorSleep likewise wakes instantly.
func (r *Redistributor) Write32(off uint32, val uint32) error {
	switch off {
	case gicv3.GICR_CTLR, gicv3.GICR_TYPER:
		return nil
	case gicv3.GICR_WAKER:
		r.wakerMu.Lock()
		defer r.wakerMu.Unlock()
		sleep := val&gicv3.GICR_WAKER_ProcessorSleep != 0
		next := uint32(0)
		if sleep {
			next = gicv3.GICR_WAKER_ProcessorSleep | gicv3.GICR_WAKER_ChildrenAsleep
		}
		prev := r.waker.Swap(next)
		if prev != next {
			debug.Writef("gicv3 waker", "vcpu=%#x state=%d", r.vcpu.Aff, r.WakerState())
		}
		return nil
	}
	return herrors.Wrap(herrors.ARGUMENT_INVALID, "gicr: unhandled write at %#x", off)
}

// ReadSGI decodes a 32-bit read on the SGI_base frame (private IRQs).
func (r *Redistributor) ReadSGI(off uint32) (uint32, error) {
	switch {
	case off == gicv3.GICR_IGROUPR0:
		return 0, nil
	case off == gicv3.GICR_ISENABLER0, off == gicv3.GICR_ICENABLER0:
		return readBitmap(func(irq uint32) bool { return r.privEnabled(irq) }, 0, 0), nil
	case off == gicv3.GICR_ISPENDR0, off == gicv3.GICR_ICPENDR0:
		return readBitmap(func(irq uint32) bool { return r.privPending(irq) }, 0, 0), nil
	case off == gicv3.GICR_ICFGR1:
		var v uint32
		for i := uint32(0); i < 16; i++ {
			irq := gicv3.PPIBase + i
			cfg := uint32(gicv3.ICFGLevel)
			if virq, err := r.vic.lookupPrivate(r.vcpu, irq); err == nil && virq.State.CfgIsEdge() {
				cfg = gicv3.ICFGEdge
			}
			v |= cfg << (2 * i)
		}
		return v, nil
	case off >= gicv3.GICR_IPRIORITYR && off < gicv3.GICR_IPRIORITYR+32:
		irq := off - gicv3.GICR_IPRIORITYR
		virq, err := r.vic.lookupPrivate(r.vcpu, irq)
		if err != nil {
			return 0, nil
		}
		return uint32(virq.State.Priority()), nil
	}
	return 0, herrors.Wrap(herrors.ARGUMENT_INVALID, "gicr(sgi): unhandled read at %#x", off)
}

// WriteSGI decodes a 32-bit write on the SGI_base frame.
func (r *Redistributor) WriteSGI(off uint32, val uint32) error {
	switch {
	case off == gicv3.GICR_IGROUPR0:
		return nil
	case off == gicv3.GICR_ISENABLER0:
		return r.writeBitmapPriv(val, true, r.vic.SetEnabledPrivate)
	case off == gicv3.GICR_ICENABLER0:
		return r.writeBitmapPriv(val, false, r.vic.SetEnabledPrivate)
	case off == gicv3.GICR_ISPENDR0:
		return r.writeBitmapPrivOnly(val, func(irq uint32) error { return r.vic.SetPendingPrivate(r.vcpu, irq) })
	case off == gicv3.GICR_ICPENDR0:
		return r.writeBitmapPrivOnly(val, func(irq uint32) error { return r.vic.ClearPendingPrivate(r.vcpu, irq) })
	case off == gicv3.GICR_ICFGR1:
		for i := uint32(0); i < 16; i++ {
			edge := (val>>(2*i))&0b10 != 0
			if err := r.vic.SetCfgIsEdgePrivate(r.vcpu, gicv3.PPIBase+i, edge); err != nil {
				return err
			}
		}
		return nil
	case off >= gicv3.GICR_IPRIORITYR && off < gicv3.GICR_IPRIORITYR+32:
		irq := off - gicv3.GICR_IPRIORITYR
		virq, err := r.vic.lookupPrivate(r.vcpu, irq)
		if err != nil {
			return err
		}
		virq.State.SetPriority(uint8(val))
		return nil
	}
	return herrors.Wrap(herrors.ARGUMENT_INVALID, "gicr(sgi): unhandled write at %#x", off)
}

func (r *Redistributor) privEnabled(irq uint32) bool {
	virq, err := r.vic.lookupPrivate(r.vcpu, irq)
	return err == nil && virq.State.Enabled()
}

func (r *Redistributor) privPending(irq uint32) bool {
	virq, err := r.vic.lookupPrivate(r.vcpu, irq)
	return err == nil && virq.State.Pending()
}

func (r *Redistributor) writeBitmapPriv(val uint32, on bool, set func(*VCPU, uint32, bool) error) error {
	for bit := uint32(0); bit < 32; bit++ {
		if val&(1<<bit) == 0 {
			continue
		}
		if err := set(r.vcpu, bit, on); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redistributor) writeBitmapPrivOnly(val uint32, set func(irq uint32) error) error {
	for bit := uint32(0); bit < 32; bit++ {
		if val&(1<<bit) == 0 {
			continue
		}
		if err := set(bit); err != nil {
			return err
		}
	}
	return nil
}
