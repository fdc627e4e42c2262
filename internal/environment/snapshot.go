package environment

import (
	"context"
	"errors"
	"slices"
)

// CPUState is the recorded state of one CPU. Governor and frequencies are
// only meaningful for CPUs that were enabled.
type CPUState struct {
	Enabled  bool
	Governor string
	MinFreq  int
	MaxFreq  int
}

// Snapshot is the machine state recorded before a profile is applied.
type Snapshot struct {
	ASLR       int
	IntelBoost *bool // nil unless the vendor is Intel and the knob exists
	CPUs       map[int]CPUState
	Swaps      []string
}

// Record captures the current machine state.
func (h *Host) Record() (*Snapshot, error) {
	aslr, err := h.ASLR()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{ASLR: aslr, CPUs: make(map[int]CPUState)}

	if vendor, err := h.Vendor(); err == nil && vendor == VendorIntel && h.HasIntelBoost() {
		if boost, err := h.IntelBoost(); err == nil {
			snap.IntelBoost = &boost
		}
	}

	cpus, err := h.CPUs(Present)
	if err != nil {
		return nil, err
	}
	for _, cpu := range cpus {
		state, err := recordCPU(cpu)
		if err != nil {
			return nil, err
		}
		snap.CPUs[cpu.ID] = state
	}

	if snap.Swaps, err = h.Swaps(); err != nil {
		return nil, err
	}
	return snap, nil
}

func recordCPU(cpu *CPU) (CPUState, error) {
	enabled, err := cpu.Enabled()
	if err != nil || !enabled {
		return CPUState{}, err
	}
	state := CPUState{Enabled: true}
	if state.Governor, err = cpu.Governor(); err != nil {
		return state, err
	}
	if state.MinFreq, err = cpu.MinFreq(); err != nil {
		return state, err
	}
	if state.MaxFreq, err = cpu.MaxFreq(); err != nil {
		return state, err
	}
	return state, nil
}

// Restore writes back every knob that differs from the snapshot. It keeps
// going after failures and returns all of them joined.
func (h *Host) Restore(ctx context.Context, snap *Snapshot) error {
	var errs []error

	if aslr, err := h.ASLR(); err != nil || aslr != snap.ASLR {
		errs = append(errs, h.SetASLR(ctx, snap.ASLR))
	}

	if snap.IntelBoost != nil {
		if boost, err := h.IntelBoost(); err != nil || boost != *snap.IntelBoost {
			errs = append(errs, h.SetIntelBoost(ctx, *snap.IntelBoost))
		}
	}

	cpus, err := h.CPUs(Present)
	errs = append(errs, err)
	for _, cpu := range cpus {
		orig, ok := snap.CPUs[cpu.ID]
		if !ok {
			continue
		}
		errs = append(errs, restoreCPU(ctx, cpu, orig))
	}

	errs = append(errs, h.restoreSwaps(ctx, snap.Swaps))
	return errors.Join(errs...)
}

func restoreCPU(ctx context.Context, cpu *CPU, orig CPUState) error {
	enabled, err := cpu.Enabled()
	if err != nil {
		return err
	}
	if !orig.Enabled {
		if enabled {
			return cpu.SetEnabled(ctx, false)
		}
		return nil
	}

	var errs []error
	if !enabled {
		if err := cpu.SetEnabled(ctx, true); err != nil {
			return err
		}
	}
	if gov, err := cpu.Governor(); err != nil || gov != orig.Governor {
		errs = append(errs, cpu.SetGovernor(ctx, orig.Governor))
	}

	curMin, errMin := cpu.MinFreq()
	curMax, errMax := cpu.MaxFreq()
	setMin := func() error {
		if errMin == nil && curMin == orig.MinFreq {
			return nil
		}
		return cpu.SetMinFreq(ctx, orig.MinFreq)
	}
	setMax := func() error {
		if errMax == nil && curMax == orig.MaxFreq {
			return nil
		}
		return cpu.SetMaxFreq(ctx, orig.MaxFreq)
	}
	// The floor may never rise above the ceiling: raise the ceiling first
	// unless the restored ceiling sits below the current floor.
	if errMin == nil && orig.MaxFreq < curMin {
		errs = append(errs, setMin(), setMax())
	} else {
		errs = append(errs, setMax(), setMin())
	}
	return errors.Join(errs...)
}

func (h *Host) restoreSwaps(ctx context.Context, orig []string) error {
	current, err := h.Swaps()
	if err != nil {
		return err
	}
	var errs []error
	for _, dev := range current {
		if !slices.Contains(orig, dev) {
			errs = append(errs, h.SetSwaps(ctx, false, dev))
		}
	}
	for _, dev := range orig {
		if !slices.Contains(current, dev) {
			errs = append(errs, h.SetSwaps(ctx, true, dev))
		}
	}
	return errors.Join(errs...)
}
