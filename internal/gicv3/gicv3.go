// Package gicv3 defines the GICv3 register-offset and descriptor-bit
// layout constants spec.md §3/§4.4's virtual GIC is built against:
// distributor (GICD) and redistributor (GICR) register offsets, the
// SGI/PPI/SPI/LPI interrupt number ranges, and the List Register (LR)
// bit layout used to present a pending/active VIRQ to a running VCPU.
//
// This mirrors the teacher's convention of keeping a device's register
// constants in their own file, separate from the emulation logic that
// switches on them (internal/hv/riscv/rv64/plic.go, removed after
// grounding — see DESIGN.md) and the KVM backend's GICv3 attribute
// constants (internal/hv/kvm/kvm_arm64_vgic.go, likewise removed).
package gicv3

// Interrupt number ranges (ARM GICv3 architecture).
const (
	SGIBase = 0
	SGICount = 16
	PPIBase = 16
	PPICount = 16
	SPIBase = 32
	SPICount = 988
	LPIBase = 8192
)

// IRQClass classifies an interrupt number into its GICv3 range.
type IRQClass int

const (
	ClassSGI IRQClass = iota
	ClassPPI
	ClassSPI
	ClassLPI
	ClassInvalid
)

// ClassOf reports which range irq falls into.
func ClassOf(irq uint32) IRQClass {
	switch {
	case irq < PPIBase:
		return ClassSGI
	case irq < SPIBase:
		return ClassPPI
	case irq < SPIBase+SPICount:
		return ClassSPI
	case irq < LPIBase:
		return ClassInvalid
	default:
		return ClassLPI
	}
}

// GICPriorityDefault is GIC_PRIORITY_DEFAULT from gicv3_config.h: the
// default priority assigned to an interrupt before any guest write.
const GICPriorityDefault = 0xA0

// LRCount is the number of List Registers available per PE. The GICv3
// architecture allows up to 16; this port fixes it at 16.
const LRCount = 16

// GICD distributor register offsets (32-bit unless noted).
const (
	GICD_CTLR    = 0x0000
	GICD_TYPER   = 0x0004
	GICD_IIDR    = 0x0008
	GICD_IGROUPR = 0x0080 // 1 bit/IRQ
	GICD_ISENABLER = 0x0100
	GICD_ICENABLER = 0x0180
	GICD_ISPENDR = 0x0200
	GICD_ICPENDR = 0x0280
	GICD_ISACTIVER = 0x0300
	GICD_ICACTIVER = 0x0380
	GICD_IPRIORITYR = 0x0400 // 1 byte/IRQ
	GICD_ICFGR   = 0x0C00    // 2 bits/IRQ
	GICD_IROUTER = 0x6000    // 8 bytes/IRQ, SPIs only
)

// GICR redistributor register offsets, relative to the RD_base frame.
const (
	GICR_CTLR  = 0x0000
	GICR_TYPER = 0x0008
	GICR_WAKER = 0x0014
)

// GICR SGI_base frame offsets (private interrupts: SGI+PPI).
const (
	GICR_IGROUPR0   = 0x0080
	GICR_ISENABLER0 = 0x0100
	GICR_ICENABLER0 = 0x0180
	GICR_ISPENDR0   = 0x0200
	GICR_ICPENDR0   = 0x0280
	GICR_IPRIORITYR = 0x0400
	GICR_ICFGR1     = 0x0C04 // PPI config (SGIs are always edge)
)

// ICFGR configuration values (2 bits per IRQ).
const (
	ICFGLevel = 0b00
	ICFGEdge  = 0b10
)

// WakerState is the GICR_WAKER ProcessorSleep/ChildrenAsleep state
// machine: a redistributor only accepts traffic once both bits clear.
type WakerState int

const (
	WakerAsleep WakerState = iota
	WakerWaking
	WakerAwake
)

// GICR_WAKER bit positions.
const (
	GICR_WAKER_ProcessorSleep = 1 << 1
	GICR_WAKER_ChildrenAsleep = 1 << 2
)

// LR is the software shadow of one architectural List Register: the
// fields the vgic engine needs to program ICH_LR<n>_EL2 with.
type LR struct {
	VirtualID uint32
	PhysicalID uint32 // valid when HW is set
	Priority  uint8
	Group1    bool
	HW        bool // hardware-backed: EOI also deactivates the physical IRQ
	Pending   bool
	Active    bool
}

// Empty reports whether the LR holds no interrupt.
func (l LR) Empty() bool { return !l.Pending && !l.Active }
