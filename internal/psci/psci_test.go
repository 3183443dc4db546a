package psci

import (
	"errors"
	"testing"
)

// TestScenario6_OSIClusterSuspendDenied is spec.md §8 scenario 6: two
// VCPUs share a cluster under OSI; one requests a cluster-off suspend
// state while its sibling is still running, and must be DENIED.
func TestScenario6_OSIClusterSuspendDenied(t *testing.T) {
	group := NewGroup(ModeOSI)
	pcpu0 := &PCPU{Index: 0}
	pcpu1 := &PCPU{Index: 1}
	v0 := group.AttachVCPU(0x0, pcpu0)
	group.AttachVCPU(0x1, pcpu1)

	if code := group.CpuOn(0x0, 0x1000, 0); code != Success {
		t.Fatalf("CpuOn(v0) = %v, want Success", code)
	}
	if code := group.CpuOn(0x1, 0x2000, 0); code != Success {
		t.Fatalf("CpuOn(v1) = %v, want Success", code)
	}

	// v0 requests a cluster-level suspend while v1 is still running.
	code := group.CpuSuspend(v0, PowerState{StateID: 2, Cluster: true})
	if code != Denied {
		t.Fatalf("CpuSuspend on v0 while v1 awake = %v, want Denied", code)
	}
}

// TestOSIClusterSuspendAllowedWhenSiblingsSuspended verifies the
// complement of scenario 6: once every sibling is itself suspended, a
// cluster-level request succeeds.
func TestOSIClusterSuspendAllowedWhenSiblingsSuspended(t *testing.T) {
	group := NewGroup(ModeOSI)
	pcpu0 := &PCPU{Index: 0}
	pcpu1 := &PCPU{Index: 1}
	v0 := group.AttachVCPU(0x0, pcpu0)
	v1 := group.AttachVCPU(0x1, pcpu1)
	group.CpuOn(0x0, 0x1000, 0)
	group.CpuOn(0x1, 0x2000, 0)

	if code := group.CpuSuspend(v1, PowerState{StateID: 1}); code != Success {
		t.Fatalf("CpuSuspend(v1, local) = %v, want Success", code)
	}
	if code := group.CpuSuspend(v0, PowerState{StateID: 2, Cluster: true}); code != Success {
		t.Fatalf("CpuSuspend(v0, cluster) = %v, want Success once siblings suspended", code)
	}
}

// TestPSCIOffOnCycle is spec.md §8's "PSCI off-on cycle" property: a
// VCPU powered off via CPU_OFF reports AFFINITY_INFO=off, a subsequent
// CPU_ON succeeds exactly once, and AFFINITY_INFO then reports on with
// the new entry point visible via ResumeEntry.
func TestPSCIOffOnCycle(t *testing.T) {
	group := NewGroup(ModePC)
	pcpu := &PCPU{Index: 0}
	v := group.AttachVCPU(0x0, pcpu)

	if code := group.CpuOn(0x0, 0x4000, 0xAB); code != Success {
		t.Fatalf("initial CpuOn = %v, want Success", code)
	}
	if code := group.CpuOn(0x0, 0x4000, 0xAB); code != AlreadyOn {
		t.Fatalf("double CpuOn = %v, want AlreadyOn", code)
	}
	if code := group.CpuOff(v); code != Success {
		t.Fatalf("CpuOff = %v, want Success", code)
	}
	if state, code := group.AffinityInfo(0x0); code != Success || state != AffinityOff {
		t.Fatalf("AffinityInfo after off = (%v,%v), want (AffinityOff,Success)", state, code)
	}
	if code := group.CpuOff(v); code != Denied {
		t.Fatalf("double CpuOff = %v, want Denied", code)
	}

	if code := group.CpuOn(0x0, 0x5000, 0xCD); code != Success {
		t.Fatalf("re-CpuOn = %v, want Success", code)
	}
	if state, code := group.AffinityInfo(0x0); code != Success || state != AffinityOn {
		t.Fatalf("AffinityInfo after re-on = (%v,%v), want (AffinityOn,Success)", state, code)
	}
	pc, x0 := v.ResumeEntry()
	if pc != 0x5000 || x0 != 0xCD {
		t.Fatalf("ResumeEntry = (%#x,%#x), want (0x5000,0xcd)", pc, x0)
	}
}

// TestPSCISuspendAccounting is spec.md §8's "PSCI suspend accounting"
// property: a VCPU's inactive count tracks suspend/resume transitions
// 1:1, and the owning pCPU's active-VCPU counter reflects it.
func TestPSCISuspendAccounting(t *testing.T) {
	group := NewGroup(ModePC)
	pcpu := &PCPU{Index: 0}
	v := group.AttachVCPU(0x0, pcpu)
	group.CpuOn(0x0, 0x1000, 0)

	if got := pcpu.ActiveVCPUs.Load(); got != 1 {
		t.Fatalf("ActiveVCPUs after CpuOn = %d, want 1", got)
	}
	if code := group.CpuSuspend(v, PowerState{StateID: 1}); code != Success {
		t.Fatalf("CpuSuspend = %v, want Success", code)
	}
	if got := pcpu.ActiveVCPUs.Load(); got != 0 {
		t.Fatalf("ActiveVCPUs after suspend = %d, want 0", got)
	}
	if got := v.InactiveCount(); got != 1 {
		t.Fatalf("InactiveCount after suspend = %d, want 1", got)
	}

	group.Resume(v)
	if got := pcpu.ActiveVCPUs.Load(); got != 1 {
		t.Fatalf("ActiveVCPUs after resume = %d, want 1", got)
	}
	if got := v.InactiveCount(); got != 0 {
		t.Fatalf("InactiveCount after resume = %d, want 0", got)
	}
}

// TestGetStateReportsShallowestSuspendedState checks vpm_get_state
// aggregates the shallowest recorded state among suspended VCPUs and
// ignores VCPUs that are still active.
func TestGetStateReportsShallowestSuspendedState(t *testing.T) {
	group := NewGroup(ModePC)
	pcpu0 := &PCPU{Index: 0}
	pcpu1 := &PCPU{Index: 1}
	v0 := group.AttachVCPU(0x0, pcpu0)
	v1 := group.AttachVCPU(0x1, pcpu1)
	group.CpuOn(0x0, 0x1000, 0)
	group.CpuOn(0x1, 0x2000, 0)

	if _, found := group.GetState(); found {
		t.Fatal("expected no aggregated state before any VCPU suspends")
	}

	group.CpuSuspend(v0, PowerState{StateID: 5})
	group.CpuSuspend(v1, PowerState{StateID: 2})

	state, found := group.GetState()
	if !found || state.StateID != 2 {
		t.Fatalf("GetState = (%v,%v), want shallowest StateID=2", state, found)
	}
}

// TestIdleReportsNoSharedStateWhileAnyMemberActive verifies a pCPU's
// PMList.Idle refuses to report a shared power state while one of its
// VCPUs is still powered on and not suspended.
func TestIdleReportsNoSharedStateWhileAnyMemberActive(t *testing.T) {
	group := NewGroup(ModePC)
	pcpu := &PCPU{Index: 0}
	v0 := group.AttachVCPU(0x0, pcpu)
	v1 := group.AttachVCPU(0x1, pcpu)
	group.CpuOn(0x0, 0x1000, 0)
	group.CpuOn(0x1, 0x2000, 0)

	group.CpuSuspend(v0, PowerState{StateID: 3})
	if _, ok := group.Idle(pcpu); ok {
		t.Fatal("Idle reported a shared state while v1 is still active")
	}

	group.CpuSuspend(v1, PowerState{StateID: 1})
	state, ok := group.Idle(pcpu)
	if !ok || state.StateID != 1 {
		t.Fatalf("Idle = (%v,%v), want shallowest StateID=1 once both suspended", state, ok)
	}
}

// fakePlatform records the SystemOff/SystemReset calls routed to it and
// can be configured to fail either one.
type fakePlatform struct {
	offCalled   bool
	resetKind   SystemResetType
	resetCookie uint64
	failOff     bool
	failReset   bool
}

func (p *fakePlatform) SystemOff() error {
	p.offCalled = true
	if p.failOff {
		return errors.New("platform refused power-off")
	}
	return nil
}

func (p *fakePlatform) SystemReset(kind SystemResetType, cookie uint64) error {
	p.resetKind, p.resetCookie = kind, cookie
	if p.failReset {
		return errors.New("platform refused reset")
	}
	return nil
}

// fakeScheduler records every VCPU it was asked to reschedule.
type fakeScheduler struct {
	rescheduled []*VCPU
}

func (s *fakeScheduler) Reschedule(v *VCPU) {
	s.rescheduled = append(s.rescheduled, v)
}

func TestSystemOffAndResetRouteThroughPlatform(t *testing.T) {
	group := NewGroup(ModePC)
	if code := group.SystemOff(); code != NotSupported {
		t.Fatalf("SystemOff with no Platform = %v, want NotSupported", code)
	}

	plat := &fakePlatform{}
	group.SetPlatform(plat)

	if code := group.SystemOff(); code != Success {
		t.Fatalf("SystemOff = %v, want Success", code)
	}
	if !plat.offCalled {
		t.Fatal("Platform.SystemOff was not called")
	}

	if code := group.SystemReset(); code != Success {
		t.Fatalf("SystemReset = %v, want Success", code)
	}
	if plat.resetKind != ResetTypeCold {
		t.Fatalf("SystemReset kind = %v, want ResetTypeCold", plat.resetKind)
	}

	if code := group.SystemReset2(ResetTypeWarm, 0xABCD); code != Success {
		t.Fatalf("SystemReset2 = %v, want Success", code)
	}
	if plat.resetKind != ResetTypeWarm || plat.resetCookie != 0xABCD {
		t.Fatalf("SystemReset2 recorded (%v,%#x), want (ResetTypeWarm,0xabcd)", plat.resetKind, plat.resetCookie)
	}

	plat.failReset = true
	if code := group.SystemReset(); code != InvalidParameters {
		t.Fatalf("SystemReset with failing platform = %v, want InvalidParameters", code)
	}
}

func TestCpuOnAndResumeNotifyScheduler(t *testing.T) {
	group := NewGroup(ModePC)
	sched := &fakeScheduler{}
	group.SetScheduler(sched)
	pcpu := &PCPU{Index: 0}
	v := group.AttachVCPU(0x0, pcpu)

	group.CpuOn(0x0, 0x1000, 0)
	if len(sched.rescheduled) != 1 || sched.rescheduled[0] != v {
		t.Fatalf("CpuOn did not notify scheduler: %v", sched.rescheduled)
	}

	group.CpuSuspend(v, PowerState{StateID: 1})
	group.Resume(v)
	if len(sched.rescheduled) != 2 || sched.rescheduled[1] != v {
		t.Fatalf("Resume did not notify scheduler: %v", sched.rescheduled)
	}
}

func TestVersionFeaturesAndSuspendModeSwitch(t *testing.T) {
	group := NewGroup(ModePC)
	if v := group.Version(); v != (1<<16 | 1) {
		t.Fatalf("Version = %#x, want 0x10001", v)
	}

	if code := group.Features(FnCPUOn); code != Success {
		t.Fatalf("Features(FnCPUOn) = %v, want Success", code)
	}
	if code := group.Features(0xDEADBEEF); code != NotSupported {
		t.Fatalf("Features(unknown) = %v, want NotSupported", code)
	}

	pcpu := &PCPU{Index: 0}
	v := group.AttachVCPU(0x0, pcpu)
	group.CpuOn(0x0, 0x1000, 0)

	if code := group.SetSuspendMode(ModeOSI); code != Denied {
		t.Fatalf("SetSuspendMode while v is active = %v, want Denied", code)
	}

	group.CpuSuspend(v, PowerState{StateID: 1})
	if code := group.SetSuspendMode(ModeOSI); code != Success {
		t.Fatalf("SetSuspendMode once quiescent = %v, want Success", code)
	}
	if group.Mode() != ModeOSI {
		t.Fatalf("Mode() = %v, want ModeOSI", group.Mode())
	}
}

func TestCPUDefaultSuspendUsesRecordedState(t *testing.T) {
	group := NewGroup(ModePC)
	pcpu := &PCPU{Index: 0}
	v := group.AttachVCPU(0x0, pcpu)
	group.CpuOn(0x0, 0x1000, 0)

	v.SetDefaultSuspendState(PowerState{StateID: 7})
	if code := group.CPUDefaultSuspend(v); code != Success {
		t.Fatalf("CPUDefaultSuspend = %v, want Success", code)
	}
	state, found := group.GetState()
	if !found || state.StateID != 7 {
		t.Fatalf("GetState after CPUDefaultSuspend = (%v,%v), want StateID=7", state, found)
	}
}
