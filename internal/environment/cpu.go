package environment

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"energybench/pkg/benchtypes"
)

const cpuRoot = "sys/devices/system/cpu"

// CPUSet names one of the kernel's CPU lists.
type CPUSet string

const (
	Online   CPUSet = "online"
	Offline  CPUSet = "offline"
	Present  CPUSet = "present"
	Possible CPUSet = "possible"
)

// CPU is one logical processor. Frequencies are in kHz.
type CPU struct {
	ID   int
	host *Host
	dir  string
}

// CPU returns the processor with the given id.
func (h *Host) CPU(id int) (*CPU, error) {
	dir := fmt.Sprintf("%s/cpu%d", cpuRoot, id)
	info, err := os.Stat(h.path(dir))
	if err != nil || !info.IsDir() {
		return nil, benchtypes.ConfigError("CPU %d doesn't exist", id)
	}
	return &CPU{ID: id, host: h, dir: dir}, nil
}

// CPUs returns the processors in the given kernel list.
func (h *Host) CPUs(set CPUSet) ([]*CPU, error) {
	switch set {
	case Online, Offline, Present, Possible:
	default:
		return nil, benchtypes.ConfigError("can only get online, offline, present or possible CPUs")
	}

	content, err := h.read(cpuRoot + "/" + string(set))
	if err != nil {
		return nil, err
	}
	ids, err := ParseCPUList(content)
	if err != nil {
		return nil, err
	}

	cpus := make([]*CPU, 0, len(ids))
	for _, id := range ids {
		cpu, err := h.CPU(id)
		if err != nil {
			return nil, err
		}
		cpus = append(cpus, cpu)
	}
	return cpus, nil
}

// ParseCPUList parses the kernel's list format, e.g. "0-3,5,7-8".
func ParseCPUList(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(strings.TrimSpace(s), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, benchtypes.WrapError(benchtypes.KindIO, err, "invalid CPU list %q", s)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil {
				return nil, benchtypes.WrapError(benchtypes.KindIO, err, "invalid CPU list %q", s)
			}
		}
		for id := start; id <= end; id++ {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Enabled reports whether the CPU is online. CPUs without an online knob
// (usually cpu0) cannot be taken offline and are always enabled.
func (c *CPU) Enabled() (bool, error) {
	p := c.dir + "/online"
	if !c.host.exists(p) {
		return true, nil
	}
	v, err := c.host.read(p)
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// SetEnabled brings the CPU online or offline. cpu0 is left untouched.
func (c *CPU) SetEnabled(ctx context.Context, enabled bool) error {
	if c.ID == 0 {
		return nil
	}
	value := "0"
	if enabled {
		value = "1"
	}
	return c.host.write(ctx, c.dir+"/online", value)
}

// Hyperthread reports whether the CPU is a secondary SMT sibling, i.e. its
// id appears in its sibling list after the lowest entry.
func (c *CPU) Hyperthread() bool {
	content, err := c.host.read(c.dir + "/topology/thread_siblings_list")
	if err != nil {
		return false
	}
	siblings, err := ParseCPUList(content)
	if err != nil || len(siblings) < 2 {
		return false
	}
	slices.Sort(siblings)
	return slices.Contains(siblings[1:], c.ID)
}

// Governor returns the active scaling governor.
func (c *CPU) Governor() (string, error) {
	return c.host.read(c.dir + "/cpufreq/scaling_governor")
}

// AvailableGovernors returns the governors the driver accepts.
func (c *CPU) AvailableGovernors() ([]string, error) {
	v, err := c.host.read(c.dir + "/cpufreq/scaling_available_governors")
	if err != nil {
		return nil, err
	}
	return strings.Fields(v), nil
}

// SetGovernor switches the scaling governor.
func (c *CPU) SetGovernor(ctx context.Context, governor string) error {
	available, err := c.AvailableGovernors()
	if err != nil {
		return err
	}
	if !slices.Contains(available, governor) {
		return benchtypes.ConfigError("governor '%s' not available on CPU %d", governor, c.ID)
	}
	return c.host.write(ctx, c.dir+"/cpufreq/scaling_governor", governor)
}

// MinHW returns the lowest frequency the hardware supports.
func (c *CPU) MinHW() (int, error) {
	return c.host.readInt(c.dir + "/cpufreq/cpuinfo_min_freq")
}

// MaxHW returns the highest frequency the hardware supports.
func (c *CPU) MaxHW() (int, error) {
	return c.host.readInt(c.dir + "/cpufreq/cpuinfo_max_freq")
}

// MinFreq returns the current scaling floor.
func (c *CPU) MinFreq() (int, error) {
	return c.host.readInt(c.dir + "/cpufreq/scaling_min_freq")
}

// MaxFreq returns the current scaling ceiling.
func (c *CPU) MaxFreq() (int, error) {
	return c.host.readInt(c.dir + "/cpufreq/scaling_max_freq")
}

// SetMinFreq sets the scaling floor.
func (c *CPU) SetMinFreq(ctx context.Context, khz int) error {
	return c.setFreq(ctx, "scaling_min_freq", khz)
}

// SetMaxFreq sets the scaling ceiling.
func (c *CPU) SetMaxFreq(ctx context.Context, khz int) error {
	return c.setFreq(ctx, "scaling_max_freq", khz)
}

func (c *CPU) setFreq(ctx context.Context, knob string, khz int) error {
	lo, err := c.MinHW()
	if err != nil {
		return err
	}
	hi, err := c.MaxHW()
	if err != nil {
		return err
	}
	if khz < lo || khz > hi {
		return benchtypes.ConfigError("frequency %d cannot be outside hardware limits [%d, %d]", khz, lo, hi)
	}
	return c.host.write(ctx, c.dir+"/cpufreq/"+knob, strconv.Itoa(khz))
}
