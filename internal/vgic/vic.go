package vgic

import (
	"sync"

	"github.com/armhyp/hyp/internal/debug"
	"github.com/armhyp/hyp/internal/gicv3"
	"github.com/armhyp/hyp/internal/herrors"
)

// VIRQ is a virtual interrupt: a number, its delivery state, and (while
// listed) the VCPU/LR-index it currently occupies.
type VIRQ struct {
	Number uint32
	State  DState

	mu         sync.Mutex
	routeAff   uint64
	listedVCPU *VCPU
	lrIndex    int

	// HW forwarding: set when this VIRQ is bound to a physical IRQ
	// (vgic_forward_spi in spec.md §3's HW-IRQ action tag).
	hw         bool
	physicalID uint32
}

// VCPU is a schedulable guest context's GIC-facing state: its LR
// shadow array and its banked SGI/PPI table (spec.md §3).
type VCPU struct {
	Aff uint64

	mu  sync.Mutex
	lrs [gicv3.LRCount]*VIRQ

	privMu sync.Mutex
	priv   map[uint32]*VIRQ
}

// NewVCPU constructs a VCPU with the given routing affinity identity.
func NewVCPU(aff uint64) *VCPU {
	return &VCPU{Aff: aff, priv: make(map[uint32]*VIRQ)}
}

// LR returns the VIRQ currently occupying list register idx, or nil.
func (v *VCPU) LR(idx int) *VIRQ {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lrs[idx]
}

func (v *VCPU) allocLR(virq *VIRQ) (int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, occ := range v.lrs {
		if occ == nil {
			v.lrs[i] = virq
			return i, true
		}
	}
	return 0, false
}

// allocOrEvict finds a free LR for newVirq or, if the bank is full,
// evicts the lowest-priority non-active occupant whose priority is
// numerically worse than newVirq's (GICv3 priority: lower number is
// higher priority) — spec.md §4.4.2 steps 2-3. If no LR is free and no
// occupant is evictable, it reports failure so the caller can fall back
// to the deferred-delivery/maintenance-IRQ path (step 4).
func (v *VCPU) allocOrEvict(newVirq *VIRQ) (idx int, evicted *VIRQ, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, occ := range v.lrs {
		if occ == nil {
			v.lrs[i] = newVirq
			return i, nil, true
		}
	}

	worst := -1
	var worstPriority uint8
	for i, occ := range v.lrs {
		if occ.State.Active() {
			continue
		}
		p := occ.State.Priority()
		if worst == -1 || p > worstPriority {
			worst, worstPriority = i, p
		}
	}
	if worst == -1 || worstPriority <= newVirq.State.Priority() {
		return 0, nil, false
	}

	evicted = v.lrs[worst]
	v.lrs[worst] = newVirq
	return worst, evicted, true
}

func (v *VCPU) freeLR(idx int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lrs[idx] = nil
}

// EOI is the guest's end-of-interrupt write for the VIRQ in LR idx: it
// clears the LR (observable as exactly one EOI per delivery, spec.md
// §8's pending-idempotence property), clears active/listed on the
// VIRQ's dstate, and consumes its edge-pending latch. Level-pending
// sources are left as they are, and no redelivery is attempted here;
// VIC.EOI follows up with Sync.
func (v *VCPU) EOI(idx int) {
	virq := v.LR(idx)
	if virq == nil {
		return
	}
	virq.mu.Lock()
	virq.listedVCPU = nil
	virq.mu.Unlock()

	virq.State.SetActive(false)
	virq.State.ClearEdgePending()
	virq.State.setListed(false)
	v.freeLR(idx)

	debug.Writef("vgic eoi", "irq=%d vcpu=%#x lr=%d", virq.Number, v.Aff, idx)
}

// IPISender is the spec.md §6 `ipi_one` collaborator: a way to prod a
// specific VCPU's pCPU out of WFI so it reconsiders its LR state after
// a new VIRQ is listed for it. A VIC with no IPISender attached simply
// relies on the target already being scheduled (the common case in a
// single-threaded test harness), matching a configuration with no live
// scheduler wired in.
type IPISender interface {
	SendIPI(vcpu *VCPU)
}

// VIC is the virtual interrupt controller: the SPI table and the set
// of attached VCPUs, plus the GICD_IROUTER shadow spec.md §8's routing
// property is checked against.
type VIC struct {
	mu      sync.Mutex
	spis    map[uint32]*VIRQ
	vcpus   []*VCPU
	irouter map[uint32]uint64
	ipi     IPISender
}

// NewVIC constructs an empty virtual GIC.
func NewVIC() *VIC {
	return &VIC{
		spis:    make(map[uint32]*VIRQ),
		irouter: make(map[uint32]uint64),
	}
}

// SetIPISender attaches the VIC's IPISender collaborator.
func (vic *VIC) SetIPISender(s IPISender) {
	vic.mu.Lock()
	defer vic.mu.Unlock()
	vic.ipi = s
}

// AttachVCPU adds v to the set of VCPUs this VIC may deliver to.
func (vic *VIC) AttachVCPU(v *VCPU) {
	vic.mu.Lock()
	defer vic.mu.Unlock()
	vic.vcpus = append(vic.vcpus, v)
}

func (vic *VIC) vcpuByAff(aff uint64) *VCPU {
	vic.mu.Lock()
	defer vic.mu.Unlock()
	for _, v := range vic.vcpus {
		if v.Aff == aff {
			return v
		}
	}
	return nil
}

// ConfigureSPI creates (or returns the existing) VIRQ for an SPI
// number, setting its edge/level configuration and initial route.
func (vic *VIC) ConfigureSPI(irq uint32, cfgEdge bool, routeAff uint64) (*VIRQ, error) {
	if gicv3.ClassOf(irq) != gicv3.ClassSPI {
		return nil, herrors.Wrap(herrors.ARGUMENT_INVALID, "vgic: irq %d is not an SPI", irq)
	}
	vic.mu.Lock()
	defer vic.mu.Unlock()

	virq, ok := vic.spis[irq]
	if !ok {
		virq = &VIRQ{Number: irq}
		vic.spis[irq] = virq
	}
	virq.State.SetCfgIsEdge(cfgEdge)
	virq.State.SetPriority(gicv3.GICPriorityDefault)
	virq.routeAff = routeAff
	vic.irouter[irq] = routeAff
	return virq, nil
}

// IROUTER returns the current GICD_IROUTER shadow value for irq.
func (vic *VIC) IROUTER(irq uint32) uint64 {
	vic.mu.Lock()
	defer vic.mu.Unlock()
	return vic.irouter[irq]
}

// SetEnabled is GICD_ISENABLER/ICENABLER for irq.
func (vic *VIC) SetEnabled(irq uint32, on bool) error {
	virq, err := vic.lookupSPI(irq)
	if err != nil {
		return err
	}
	virq.State.SetEnabled(on)
	if on {
		vic.reconsider(virq)
	}
	return nil
}

// SetPending is GICD_ISPENDR for irq (the "set pending" from hardware
// or software): it latches the edge or level-sw source and attempts
// delivery if the VIRQ is enabled and not already listed.
func (vic *VIC) SetPending(irq uint32) error {
	virq, err := vic.lookupSPI(irq)
	if err != nil {
		return err
	}
	if virq.State.CfgIsEdge() {
		virq.State.SetEdgePending()
	} else {
		virq.State.SetLevelSw(true)
	}
	vic.reconsider(virq)
	return nil
}

// ClearPending clears the software level-pending source (GICD_ICPENDR
// for a level-triggered IRQ; edge-triggered IRQs are cleared by the
// guest's EOI instead).
func (vic *VIC) ClearPending(irq uint32) error {
	virq, err := vic.lookupSPI(irq)
	if err != nil {
		return err
	}
	if !virq.State.CfgIsEdge() {
		virq.State.SetLevelSw(false)
	}
	return nil
}

// Priority is GICD_IPRIORITYR[irq] for an SPI.
func (vic *VIC) Priority(irq uint32) (uint8, error) {
	virq, err := vic.lookupSPI(irq)
	if err != nil {
		return 0, err
	}
	return virq.State.Priority(), nil
}

// SetPriority is a GICD_IPRIORITYR[irq] write for an SPI.
func (vic *VIC) SetPriority(irq uint32, p uint8) error {
	virq, err := vic.lookupSPI(irq)
	if err != nil {
		return err
	}
	virq.State.SetPriority(p)
	return nil
}

// SetActive is GICD_ISACTIVER/ICACTIVER for an SPI. A request to set
// active on a VIRQ that is currently listed is ignored (dstate
// invariant (b)).
func (vic *VIC) SetActive(irq uint32, on bool) error {
	virq, err := vic.lookupSPI(irq)
	if err != nil {
		return err
	}
	if on && virq.State.Listed() {
		return nil
	}
	virq.State.SetActive(on)
	return nil
}

// Group1 is GICD_IGROUPR[irq] for an SPI.
func (vic *VIC) Group1(irq uint32) (bool, error) {
	virq, err := vic.lookupSPI(irq)
	if err != nil {
		return false, err
	}
	return virq.State.Group1(), nil
}

// SetGroup1 is a GICD_IGROUPR[irq] write for an SPI.
func (vic *VIC) SetGroup1(irq uint32, on bool) error {
	virq, err := vic.lookupSPI(irq)
	if err != nil {
		return err
	}
	virq.State.SetGroup1(on)
	return nil
}

// CfgIsEdge is GICD_ICFGR[irq] for an SPI.
func (vic *VIC) CfgIsEdge(irq uint32) (bool, error) {
	virq, err := vic.lookupSPI(irq)
	if err != nil {
		return false, err
	}
	return virq.State.CfgIsEdge(), nil
}

// SetCfgIsEdge is a GICD_ICFGR[irq] write for an SPI.
func (vic *VIC) SetCfgIsEdge(irq uint32, edge bool) error {
	virq, err := vic.lookupSPI(irq)
	if err != nil {
		return err
	}
	virq.State.SetCfgIsEdge(edge)
	return nil
}

func (vic *VIC) spiEnabled(irq uint32) bool {
	virq, err := vic.lookupSPI(irq)
	return err == nil && virq.State.Enabled()
}

func (vic *VIC) spiPending(irq uint32) bool {
	virq, err := vic.lookupSPI(irq)
	return err == nil && virq.State.Pending()
}

func (vic *VIC) spiActive(irq uint32) bool {
	virq, err := vic.lookupSPI(irq)
	return err == nil && virq.State.Active()
}

func (vic *VIC) lookupSPI(irq uint32) (*VIRQ, error) {
	vic.mu.Lock()
	defer vic.mu.Unlock()
	virq, ok := vic.spis[irq]
	if !ok {
		return nil, herrors.Wrap(herrors.ARGUMENT_INVALID, "vgic: irq %d is not configured", irq)
	}
	return virq, nil
}

// reconsider attempts to deliver virq to its routed VCPU if it is
// pending, enabled and not already listed.
func (vic *VIC) reconsider(virq *VIRQ) {
	if !virq.State.Pending() || !virq.State.Enabled() {
		return
	}
	virq.mu.Lock()
	alreadyListed := virq.listedVCPU != nil
	routeAff := virq.routeAff
	virq.mu.Unlock()
	if alreadyListed {
		return
	}

	target := vic.vcpuByAff(routeAff)
	if target == nil {
		return // no VCPU at this affinity yet; stays pending until one attaches
	}
	vic.deliverTo(virq, target)
}

// deliverTo implements spec.md §4.4.2's LR-allocation preference order:
// a free LR first, then eviction of the lowest-priority non-active
// occupant if the new VIRQ outranks it, then deferral (needSync) for a
// later maintenance-IRQ-driven retry via Sync.
func (vic *VIC) deliverTo(virq *VIRQ, target *VCPU) bool {
	idx, evicted, ok := target.allocOrEvict(virq)
	if !ok {
		virq.State.setNeedSync(true)
		debug.Writef("vgic defer", "irq=%d vcpu=%#x: no LR available", virq.Number, target.Aff)
		return false
	}
	if evicted != nil {
		evicted.mu.Lock()
		evicted.listedVCPU = nil
		evicted.mu.Unlock()
		evicted.State.setListed(false)
		evicted.State.setNeedSync(true)
		debug.Writef("vgic defer", "irq=%d vcpu=%#x lr=%d evicted for irq=%d", evicted.Number, target.Aff, idx, virq.Number)
	}

	virq.mu.Lock()
	virq.listedVCPU = target
	virq.lrIndex = idx
	virq.mu.Unlock()
	virq.State.setListed(true)
	debug.Writef("vgic deliver", "irq=%d vcpu=%#x lr=%d", virq.Number, target.Aff, idx)

	vic.mu.Lock()
	ipi := vic.ipi
	vic.mu.Unlock()
	if ipi != nil {
		ipi.SendIPI(target)
	}
	return true
}

// Sync is the maintenance-IRQ-driven undeliver/resync pass of spec.md
// §4.4.3: it retries delivery for every VIRQ routed to vcpu that was
// deferred (needSync) because its target's LR bank was full, typically
// called after an EOI frees a slot. It covers both SPIs (routed by
// GICD_IROUTER) and vcpu's own banked SGIs/PPIs, since either can be
// the one evicted to make room. VIC.EOI calls this automatically;
// callers driving a raw VCPU.EOI (e.g. for an LR not owned by this VIC)
// should call it explicitly.
func (vic *VIC) Sync(vcpu *VCPU) {
	vic.mu.Lock()
	candidates := make([]*VIRQ, 0, len(vic.spis))
	for _, virq := range vic.spis {
		if virq.State.NeedSync() {
			candidates = append(candidates, virq)
		}
	}
	vic.mu.Unlock()

	vcpu.privMu.Lock()
	for _, virq := range vcpu.priv {
		if virq.State.NeedSync() {
			candidates = append(candidates, virq)
		}
	}
	vcpu.privMu.Unlock()

	for _, virq := range candidates {
		virq.mu.Lock()
		routeAff := virq.routeAff
		listed := virq.listedVCPU != nil
		virq.mu.Unlock()
		if listed || routeAff != vcpu.Aff || !virq.State.Pending() || !virq.State.Enabled() {
			continue
		}
		if vic.deliverTo(virq, vcpu) {
			virq.State.setNeedSync(false)
		}
	}
}

// EOI is the full guest end-of-interrupt sequence for LR idx on vcpu:
// clear the LR and dstate (VCPU.EOI), then resync any VIRQ deferred
// while this VCPU's LR bank was full.
func (vic *VIC) EOI(vcpu *VCPU, idx int) {
	vcpu.EOI(idx)
	vic.Sync(vcpu)
}

// SetRoute is GICD_IROUTER[irq] <- aff: spec.md §8's VGIC routing
// property. If the VIRQ is currently listed on a VCPU other than the
// new target, it is unlisted there and (if still pending) redelivered
// to the new target, simulating the physical IROUTER reprogram.
func (vic *VIC) SetRoute(irq uint32, aff uint64) error {
	virq, err := vic.lookupSPI(irq)
	if err != nil {
		return err
	}

	vic.mu.Lock()
	vic.irouter[irq] = aff
	vic.mu.Unlock()

	virq.mu.Lock()
	oldVCPU := virq.listedVCPU
	oldIdx := virq.lrIndex
	virq.routeAff = aff
	virq.mu.Unlock()

	if oldVCPU != nil && oldVCPU.Aff != aff {
		oldVCPU.EOILess(oldIdx, virq)
		vic.reconsider(virq)
	}
	debug.Writef("vgic route", "irq=%d -> aff=%#x", irq, aff)
	return nil
}

// EOILess removes virq from LR idx without running guest EOI side
// effects (no active-clear caused by the guest itself) — used when the
// hypervisor migrates a still-pending VIRQ to a new VCPU on SetRoute.
func (v *VCPU) EOILess(idx int, virq *VIRQ) {
	virq.mu.Lock()
	virq.listedVCPU = nil
	virq.mu.Unlock()
	virq.State.setListed(false)
	v.freeLR(idx)
}

// BindHW marks virq as forwarded from a physical IRQ (spec.md §3's
// vgic_forward_spi HW-IRQ action): subsequent assertions of the
// physical IRQ should call SetPending through this binding.
func (virq *VIRQ) BindHW(physicalID uint32) {
	virq.mu.Lock()
	defer virq.mu.Unlock()
	virq.hw = true
	virq.physicalID = physicalID
}

// VCPUAff returns the affinity of the VCPU this VIRQ is currently
// listed on, and false if it is not listed.
func (virq *VIRQ) VCPUAff() (uint64, bool) {
	virq.mu.Lock()
	defer virq.mu.Unlock()
	if virq.listedVCPU == nil {
		return 0, false
	}
	return virq.listedVCPU.Aff, true
}

// LRIndex returns the LR index this VIRQ occupies, valid only while
// State.Listed() is true.
func (virq *VIRQ) LRIndex() int {
	virq.mu.Lock()
	defer virq.mu.Unlock()
	return virq.lrIndex
}
