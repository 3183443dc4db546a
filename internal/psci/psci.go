// Package psci implements spec.md §4.5's PSCI surface and VPM
// power-coordination engine: per-VCPU suspend accounting, a per-pCPU
// active-VCPU counter, and platform-coordinated (PC) vs OS-initiated
// (OSI) suspend aggregation.
package psci

import (
	"sync"
	"sync/atomic"

	"github.com/armhyp/hyp/internal/debug"
	"github.com/armhyp/hyp/internal/vgic"
)

// ReturnCode is the PSCI function-result encoding spec.md §7 maps
// herrors.Code onto for the guest-visible SMC return value.
type ReturnCode int32

const (
	Success           ReturnCode = 0
	NotSupported      ReturnCode = -1
	InvalidParameters ReturnCode = -2
	Denied            ReturnCode = -3
	AlreadyOn         ReturnCode = -4
	OnPending         ReturnCode = -5
	InternalFailure   ReturnCode = -6
	NotPresent        ReturnCode = -7
	Disabled          ReturnCode = -8
	InvalidAddress    ReturnCode = -9
)

// PSCI function identifiers (SMC32 encoding) for the calls this port's
// Features surface recognizes, per the ARM PSCI specification's
// function-ID table.
const (
	FnVersion      uint32 = 0x8400_0000
	FnCPUSuspend   uint32 = 0x8400_0001
	FnCPUOff       uint32 = 0x8400_0002
	FnCPUOn        uint32 = 0x8400_0003
	FnAffinityInfo uint32 = 0x8400_0004
	FnSystemOff    uint32 = 0x8400_0008
	FnSystemReset  uint32 = 0x8400_0009
	FnFeatures     uint32 = 0x8400_000A
	FnSystemReset2 uint32 = 0x8400_0012
)

// Mode is the VPM group's aggregation policy, chosen by NewGroup and
// switchable at runtime with Group.SetSuspendMode.
type Mode int

const (
	ModePC Mode = iota
	ModeOSI
)

// AffinityState is the PSCI AFFINITY_INFO result.
type AffinityState int

const (
	AffinityOn AffinityState = iota
	AffinityOff
	AffinityOnPending
)

// inactiveReason enumerates why a VCPU currently does not vote to keep
// its pCPU awake, matching spec.md §4.5's psci_inactive_count reasons.
type inactiveReason int

const (
	reasonOff inactiveReason = iota
	reasonSuspend
	reasonWFI
	reasonNoAffinity
)

// PowerState is the argument to CPU_SUSPEND: a platform-defined state
// ID plus whether it is a cluster-level (as opposed to core-local) state.
type PowerState struct {
	StateID uint32
	Cluster bool
}

// PCPU is one physical CPU's VPM accounting: the count of VCPUs
// currently affine to it whose inactive count is zero, plus the
// power-managed list (PMList) the idle path aggregates.
type PCPU struct {
	Index       int
	ActiveVCPUs atomic.Int32
	PM          PMList
}

// PMList is a pCPU's power-managed list (spec.md §4.5, grounded on
// `psci_pm_list.c`'s per-pCPU VCPU list): the VCPUs affine to one pCPU
// whose CPU_SUSPEND requests that pCPU must aggregate before its own
// idle path may enter a shared power state deeper than WFI. Unlike
// `psci_pm_list.c`'s linked list with IPI-to-self-as-idle on delete,
// this is a plain mutex-guarded slice — nothing in this port removes a
// VCPU from a pCPU at runtime, so there is no delete path to race an
// idling pCPU against.
type PMList struct {
	mu    sync.Mutex
	vcpus []*VCPU
}

func (l *PMList) add(v *VCPU) {
	l.mu.Lock()
	l.vcpus = append(l.vcpus, v)
	l.mu.Unlock()
}

// Idle aggregates the shallowest PowerState requested by a currently-
// suspended member, for the scheduler's idle loop to act on. ok is
// false if any member is still active (not suspended, not powered
// off), meaning the pCPU must not enter any shared power state and
// should only WFI locally.
func (l *PMList) Idle() (state PowerState, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, v := range l.vcpus {
		v.mu.Lock()
		suspended := v.inactiveFlags[reasonSuspend]
		active := v.inactiveCount == 0
		s := v.suspendState
		v.mu.Unlock()

		if active {
			return PowerState{}, false
		}
		if !suspended {
			continue
		}
		if !ok || s.StateID < state.StateID {
			state, ok = s, true
		}
	}
	return state, ok
}

// VCPU is one guest VCPU's PSCI/VPM state (spec.md §3/§4.5).
type VCPU struct {
	MPIDR uint64
	PCPU  *PCPU

	mu             sync.Mutex
	poweredOn      bool
	inactiveCount  int
	inactiveFlags  map[inactiveReason]bool
	suspendState   PowerState
	defaultSuspend PowerState
	entry, context uint64
}

func newVCPU(mpidr uint64, pcpu *PCPU) *VCPU {
	// Secondary VCPUs boot powered off. The reason is set directly rather
	// than through setInactive: the VCPU was never counted in its pCPU's
	// ActiveVCPUs, so there is nothing to decrement.
	return &VCPU{
		MPIDR:         mpidr,
		PCPU:          pcpu,
		inactiveFlags: map[inactiveReason]bool{reasonOff: true},
		inactiveCount: 1,
	}
}

// setInactive adds or removes one inactive-count reason, adjusting the
// owning pCPU's active-VCPU counter on a 0<->nonzero transition (the
// spec.md §4.5 "get/put" operation).
func (v *VCPU) setInactive(reason inactiveReason, on bool) {
	v.mu.Lock()
	was := v.inactiveCount
	if on && !v.inactiveFlags[reason] {
		v.inactiveFlags[reason] = true
		v.inactiveCount++
	} else if !on && v.inactiveFlags[reason] {
		v.inactiveFlags[reason] = false
		v.inactiveCount--
	}
	now := v.inactiveCount
	v.mu.Unlock()

	if was != 0 && now == 0 {
		v.PCPU.ActiveVCPUs.Add(1)
	} else if was == 0 && now != 0 {
		v.PCPU.ActiveVCPUs.Add(-1)
	}
}

// InactiveCount reports the current psci_inactive_count.
func (v *VCPU) InactiveCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.inactiveCount
}

func (v *VCPU) isPoweredOn() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.poweredOn
}

// ResumeEntry returns the PC/x0 pair a newly-powered or woken VCPU
// should resume at — spec.md §8's "PSCI off-on cycle" property.
func (v *VCPU) ResumeEntry() (pc, x0 uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.entry, v.context
}

// SetDefaultSuspendState records the state PSCI_CPU_DEFAULT_SUSPEND
// resumes for this VCPU, matching `psci_pc.c`'s per-VCPU default-state
// register (a vendor extension predating CPU_SUSPEND's STATE_ID form).
func (v *VCPU) SetDefaultSuspendState(state PowerState) {
	v.mu.Lock()
	v.defaultSuspend = state
	v.mu.Unlock()
}

// SystemResetType distinguishes PSCI_SYSTEM_RESET2's reset kinds.
type SystemResetType uint32

const (
	ResetTypeCold SystemResetType = iota
	ResetTypeWarm
)

// Platform is the spec.md §6 `platform_*` collaborator a VPM group
// calls into for the PSCI operations with no return to the guest on
// success: SYSTEM_OFF and SYSTEM_RESET/SYSTEM_RESET2. A Group with no
// Platform attached reports these as NotSupported rather than panicking,
// matching a build with no platform power-management backend wired in.
type Platform interface {
	SystemOff() error
	SystemReset(kind SystemResetType, cookie uint64) error
}

// Scheduler is the spec.md §6 `scheduler_*` collaborator notified when
// a VCPU's PSCI-visible runnability changes (CPU_ON, CPU_SUSPEND's
// resume) so it can be placed back on a run queue. A Group with no
// Scheduler attached just updates its own accounting, matching a
// configuration where PSCI state is observed only through
// AffinityInfo/GetState rather than a live scheduler.
type Scheduler interface {
	Reschedule(vcpu *VCPU)
}

// Group is a VPM group: a set of VCPUs aggregating PSCI suspend
// decisions under one policy, plus an optional system-suspend VIRQ
// source notifying a manager VM.
type Group struct {
	mu          sync.Mutex
	mode        Mode
	vcpus       []*VCPU
	suspendVirq *vgic.VIRQ
	platform    Platform
	scheduler   Scheduler
}

// NewGroup constructs an empty VPM group under the given mode.
func NewGroup(mode Mode) *Group {
	return &Group{mode: mode}
}

// Mode reports the group's aggregation policy.
func (g *Group) Mode() Mode { return g.mode }

// SetPlatform attaches the group's Platform collaborator.
func (g *Group) SetPlatform(p Platform) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.platform = p
}

// SetScheduler attaches the group's Scheduler collaborator.
func (g *Group) SetScheduler(s Scheduler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scheduler = s
}

// AttachVCPU adds a new VCPU affine to pcpu to the group and registers
// it on pcpu's power-managed list.
func (g *Group) AttachVCPU(mpidr uint64, pcpu *PCPU) *VCPU {
	v := newVCPU(mpidr, pcpu)
	pcpu.PM.add(v)
	g.mu.Lock()
	g.vcpus = append(g.vcpus, v)
	g.mu.Unlock()
	return v
}

// BindVirq attaches the group's system-suspend notification source.
func (g *Group) BindVirq(virq *vgic.VIRQ) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suspendVirq = virq
}

func (g *Group) findByMPIDR(mpidr uint64) *VCPU {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, v := range g.vcpus {
		if v.MPIDR == mpidr {
			return v
		}
	}
	return nil
}

// CpuOn is PSCI_CPU_ON: it looks the target VCPU up by MPIDR via a
// linear scan of the group and powers it on at entry with x0=contextID.
func (g *Group) CpuOn(mpidr, entry, contextID uint64) ReturnCode {
	target := g.findByMPIDR(mpidr)
	if target == nil {
		return InvalidParameters
	}
	target.mu.Lock()
	if target.poweredOn {
		target.mu.Unlock()
		return AlreadyOn
	}
	target.poweredOn = true
	target.entry = entry
	target.context = contextID
	target.mu.Unlock()

	target.setInactive(reasonOff, false)
	debug.Writef("psci cpu_on", "mpidr=%#x entry=%#x x0=%#x", mpidr, entry, contextID)

	g.mu.Lock()
	sched := g.scheduler
	g.mu.Unlock()
	if sched != nil {
		sched.Reschedule(target)
	}
	return Success
}

// CpuOff is PSCI_CPU_OFF for the calling VCPU.
func (g *Group) CpuOff(self *VCPU) ReturnCode {
	self.mu.Lock()
	if !self.poweredOn {
		self.mu.Unlock()
		return Denied
	}
	self.poweredOn = false
	self.mu.Unlock()

	self.setInactive(reasonOff, true)
	debug.Writef("psci cpu_off", "mpidr=%#x", self.MPIDR)
	return Success
}

// AffinityInfo is PSCI_AFFINITY_INFO.
func (g *Group) AffinityInfo(mpidr uint64) (AffinityState, ReturnCode) {
	target := g.findByMPIDR(mpidr)
	if target == nil {
		return 0, InvalidParameters
	}
	if target.isPoweredOn() {
		return AffinityOn, Success
	}
	return AffinityOff, Success
}

// CpuSuspend is PSCI_CPU_SUSPEND for the calling VCPU. In ModePC the
// request always succeeds locally; the shallowest-state aggregation
// across the pCPU's power-managed list happens in Idle, called by the
// scheduler's idle path, not here. In ModeOSI a cluster-level request
// is denied if any sibling VCPU in the group is still awake and not
// itself suspended.
func (g *Group) CpuSuspend(self *VCPU, state PowerState) ReturnCode {
	if g.mode == ModeOSI && state.Cluster {
		g.mu.Lock()
		for _, sibling := range g.vcpus {
			if sibling == self {
				continue
			}
			if sibling.isPoweredOn() && sibling.InactiveCount() == 0 {
				g.mu.Unlock()
				return Denied
			}
		}
		g.mu.Unlock()
	}

	self.mu.Lock()
	self.suspendState = state
	self.mu.Unlock()
	self.setInactive(reasonSuspend, true)

	if g.allSuspended() && g.suspendVirq != nil {
		debug.Writef("psci system suspend", "group entering system suspend")
	}
	return Success
}

// Resume clears a VCPU's suspend-inactive flag, matching a wake from
// PSCI_CPU_SUSPEND by an IRQ or PSCI_CPU_ON (spec.md §8's "PSCI off-on
// cycle" also routes through this on the CPU_OFF/CPU_ON path).
func (g *Group) Resume(self *VCPU) {
	self.setInactive(reasonSuspend, false)

	g.mu.Lock()
	sched := g.scheduler
	g.mu.Unlock()
	if sched != nil {
		sched.Reschedule(self)
	}
}

// allSuspended reports whether every VCPU in the group currently has a
// nonzero inactive count, for any reason (powered off, suspended or
// otherwise) — the "last VCPU of a VPM group enters suspend" check of
// spec.md §4.5.
func (g *Group) allSuspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, v := range g.vcpus {
		if v.InactiveCount() == 0 {
			return false
		}
	}
	return len(g.vcpus) > 0
}

// Idle is the scheduler idle-path hook CpuSuspend's ModePC comment
// refers to: it aggregates pcpu's power-managed list and reports the
// shallowest power state the pCPU may safely enter, or false if one of
// its VCPUs is still active and the pCPU must only WFI.
func (g *Group) Idle(pcpu *PCPU) (PowerState, bool) {
	return pcpu.PM.Idle()
}

// Version is PSCI_VERSION: this port implements PSCI 1.1.
func (g *Group) Version() uint32 {
	const major, minor = 1, 1
	return major<<16 | minor
}

// Features is PSCI_FEATURES(functionID): Success (with no extra feature
// flags advertised) for the Fn* function IDs declared above, and
// NotSupported for any other ID. SET_SUSPEND_MODE and CPU_DEFAULT_SUSPEND
// have no Fn* constant, so Features reports NotSupported for them even
// though Group implements both.
func (g *Group) Features(functionID uint32) ReturnCode {
	switch functionID {
	case FnVersion, FnCPUSuspend, FnCPUOff, FnCPUOn, FnAffinityInfo,
		FnSystemOff, FnSystemReset, FnFeatures, FnSystemReset2:
		return Success
	default:
		return NotSupported
	}
}

// SystemOff is PSCI_SYSTEM_OFF: it calls into the attached Platform and
// does not return to the guest on success. NotSupported if no Platform
// is attached; InternalFailure if the platform call itself fails.
func (g *Group) SystemOff() ReturnCode {
	g.mu.Lock()
	p := g.platform
	g.mu.Unlock()
	if p == nil {
		return NotSupported
	}
	debug.Writef("psci system_off", "system power-off requested")
	if err := p.SystemOff(); err != nil {
		return InternalFailure
	}
	return Success
}

// SystemReset is PSCI_SYSTEM_RESET: a cold reset with no reset-specific
// cookie.
func (g *Group) SystemReset() ReturnCode {
	return g.systemReset(ResetTypeCold, 0)
}

// SystemReset2 is PSCI_SYSTEM_RESET2, letting the caller pick a warm or
// vendor-specific reset kind and pass an architecture-defined cookie.
func (g *Group) SystemReset2(kind SystemResetType, cookie uint64) ReturnCode {
	return g.systemReset(kind, cookie)
}

func (g *Group) systemReset(kind SystemResetType, cookie uint64) ReturnCode {
	g.mu.Lock()
	p := g.platform
	g.mu.Unlock()
	if p == nil {
		return NotSupported
	}
	debug.Writef("psci system_reset", "kind=%d cookie=%#x", kind, cookie)
	if err := p.SystemReset(kind, cookie); err != nil {
		return InvalidParameters
	}
	return Success
}

// SetSuspendMode is PSCI_SET_SUSPEND_MODE: switches the group's
// aggregation policy between PC and OSI. Permitted only while the
// group is quiescent — every VCPU either powered off or already
// suspended — matching `psci_pc_set_suspend_mode`'s requirement that a
// mode flip never race an in-flight aggregation decision.
func (g *Group) SetSuspendMode(mode Mode) ReturnCode {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, v := range g.vcpus {
		if v.isPoweredOn() && v.InactiveCount() == 0 {
			return Denied
		}
	}
	g.mode = mode
	debug.Writef("psci set_suspend_mode", "mode=%d", mode)
	return Success
}

// CPUDefaultSuspend is PSCI_CPU_DEFAULT_SUSPEND: CpuSuspend using the
// state previously recorded by self.SetDefaultSuspendState instead of
// one supplied directly by the guest.
func (g *Group) CPUDefaultSuspend(self *VCPU) ReturnCode {
	self.mu.Lock()
	state := self.defaultSuspend
	self.mu.Unlock()
	return g.CpuSuspend(self, state)
}

// GetState is vpm_get_state: the aggregated suspend-state summary
// (shallowest recorded state among currently-suspended VCPUs).
func (g *Group) GetState() (PowerState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var (
		best  PowerState
		found bool
	)
	for _, v := range g.vcpus {
		v.mu.Lock()
		suspended := v.inactiveFlags[reasonSuspend]
		s := v.suspendState
		v.mu.Unlock()
		if !suspended {
			continue
		}
		if !found || s.StateID < best.StateID {
			best, found = s, true
		}
	}
	return best, found
}
