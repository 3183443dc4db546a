package vgic

import (
	"github.com/armhyp/hyp/internal/debug"
	"github.com/armhyp/hyp/internal/gicv3"
	"github.com/armhyp/hyp/internal/herrors"
)

// lookupPrivate returns (creating on first touch) vcpu's banked VIRQ
// for a private (SGI or PPI) interrupt number — the GICR SGI_base
// frame is banked per redistributor on real hardware, so unlike an
// SPI there is no separate "configure" step before a guest's first
// register access.
func (vic *VIC) lookupPrivate(vcpu *VCPU, irq uint32) (*VIRQ, error) {
	class := gicv3.ClassOf(irq)
	if class != gicv3.ClassSGI && class != gicv3.ClassPPI {
		return nil, herrors.Wrap(herrors.ARGUMENT_INVALID, "vgic: irq %d is not private", irq)
	}

	vcpu.privMu.Lock()
	defer vcpu.privMu.Unlock()
	virq, ok := vcpu.priv[irq]
	if !ok {
		virq = &VIRQ{Number: irq, routeAff: vcpu.Aff}
		virq.State.SetCfgIsEdge(class == gicv3.ClassSGI)
		virq.State.SetPriority(gicv3.GICPriorityDefault)
		vcpu.priv[irq] = virq
	}
	return virq, nil
}

// ConfigurePrivate sets a PPI's edge/level configuration (spec.md
// §4.4.6's forward_private binding point — callers pair this with
// VIRQ.BindHW to forward a physical PPI). SGIs are always
// edge-triggered; cfgEdge is ignored for them.
func (vic *VIC) ConfigurePrivate(vcpu *VCPU, irq uint32, cfgEdge bool) (*VIRQ, error) {
	virq, err := vic.lookupPrivate(vcpu, irq)
	if err != nil {
		return nil, err
	}
	if gicv3.ClassOf(irq) == gicv3.ClassPPI {
		virq.State.SetCfgIsEdge(cfgEdge)
	}
	return virq, nil
}

// SetEnabledPrivate is GICR_ISENABLER0/ICENABLER0 for irq on vcpu.
func (vic *VIC) SetEnabledPrivate(vcpu *VCPU, irq uint32, on bool) error {
	virq, err := vic.lookupPrivate(vcpu, irq)
	if err != nil {
		return err
	}
	virq.State.SetEnabled(on)
	if on {
		vic.reconsiderPrivate(vcpu, virq)
	}
	return nil
}

// SetPendingPrivate is GICR_ISPENDR0 for irq on vcpu.
func (vic *VIC) SetPendingPrivate(vcpu *VCPU, irq uint32) error {
	virq, err := vic.lookupPrivate(vcpu, irq)
	if err != nil {
		return err
	}
	if virq.State.CfgIsEdge() {
		virq.State.SetEdgePending()
	} else {
		virq.State.SetLevelSw(true)
	}
	vic.reconsiderPrivate(vcpu, virq)
	return nil
}

// ClearPendingPrivate is GICR_ICPENDR0 for irq on vcpu.
func (vic *VIC) ClearPendingPrivate(vcpu *VCPU, irq uint32) error {
	virq, err := vic.lookupPrivate(vcpu, irq)
	if err != nil {
		return err
	}
	if !virq.State.CfgIsEdge() {
		virq.State.SetLevelSw(false)
	}
	return nil
}

// SetCfgIsEdgePrivate is a GICR_ICFGR1 write for a PPI on vcpu.
func (vic *VIC) SetCfgIsEdgePrivate(vcpu *VCPU, irq uint32, edge bool) error {
	virq, err := vic.lookupPrivate(vcpu, irq)
	if err != nil {
		return err
	}
	if gicv3.ClassOf(irq) == gicv3.ClassPPI {
		virq.State.SetCfgIsEdge(edge)
	}
	return nil
}

// GenerateSGI is ICC_SGI1R_EL1/GICD_SGIR targeting one VCPU directly
// (spec.md §4.4.6): it latches the edge-pending bit on target's banked
// SGI VIRQ and attempts immediate delivery. SGIs need no prior
// GICD_ISENABLER-equivalent configuration on real hardware, so this
// enables the VIRQ on first use rather than requiring a separate
// enable call first.
func (vic *VIC) GenerateSGI(target *VCPU, sgi uint32) error {
	if gicv3.ClassOf(sgi) != gicv3.ClassSGI {
		return herrors.Wrap(herrors.ARGUMENT_INVALID, "vgic: %d is not an SGI", sgi)
	}
	virq, err := vic.lookupPrivate(target, sgi)
	if err != nil {
		return err
	}
	virq.State.SetEnabled(true)
	virq.State.SetEdgePending()
	vic.reconsiderPrivate(target, virq)
	debug.Writef("vgic sgi", "sgi=%d -> vcpu=%#x", sgi, target.Aff)
	return nil
}

// reconsiderPrivate is reconsider's private-IRQ counterpart: the
// target VCPU is already fixed by binding, so no affinity routing
// lookup is needed.
func (vic *VIC) reconsiderPrivate(vcpu *VCPU, virq *VIRQ) {
	if !virq.State.Pending() || !virq.State.Enabled() {
		return
	}
	virq.mu.Lock()
	alreadyListed := virq.listedVCPU != nil
	virq.mu.Unlock()
	if alreadyListed {
		return
	}
	vic.deliverTo(virq, vcpu)
}
