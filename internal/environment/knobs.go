package environment

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"

	"energybench/pkg/benchtypes"
)

const (
	aslrPath       = "proc/sys/kernel/randomize_va_space"
	noTurboPath    = "sys/devices/system/cpu/intel_pstate/no_turbo"
	dropCachesPath = "proc/sys/vm/drop_caches"
	swapsPath      = "proc/swaps"
	cpuinfoPath    = "proc/cpuinfo"
)

// CPU vendors as reported by Vendor.
const (
	VendorIntel   = "intel"
	VendorAMD     = "amd"
	VendorUnknown = "unknown"
)

// ASLR returns the address space layout randomization mode (0, 1 or 2).
func (h *Host) ASLR() (int, error) {
	return h.readInt(aslrPath)
}

// SetASLR sets the address space layout randomization mode.
func (h *Host) SetASLR(ctx context.Context, mode int) error {
	if mode < 0 || mode > 2 {
		return benchtypes.ConfigError("unsupported ASLR mode %d", mode)
	}
	return h.write(ctx, aslrPath, strconv.Itoa(mode))
}

// Vendor identifies the CPU vendor from /proc/cpuinfo.
func (h *Host) Vendor() (string, error) {
	info, err := h.read(cpuinfoPath)
	if err != nil {
		return "", err
	}
	switch {
	case strings.Contains(info, "GenuineIntel"):
		return VendorIntel, nil
	case strings.Contains(info, "AuthenticAMD"):
		return VendorAMD, nil
	default:
		return VendorUnknown, nil
	}
}

// HasIntelBoost reports whether the intel_pstate turbo knob exists.
func (h *Host) HasIntelBoost() bool {
	return h.exists(noTurboPath)
}

// IntelBoost reports whether turbo boost is enabled.
func (h *Host) IntelBoost() (bool, error) {
	v, err := h.read(noTurboPath)
	if err != nil {
		return false, err
	}
	return v != "1", nil
}

// SetIntelBoost enables or disables turbo boost.
func (h *Host) SetIntelBoost(ctx context.Context, enabled bool) error {
	if !h.HasIntelBoost() {
		return benchtypes.NewError(benchtypes.KindIO, "file %s doesn't exist", noTurboPath)
	}
	value := "1"
	if enabled {
		value = "0"
	}
	return h.write(ctx, noTurboPath, value)
}

// DropCaches flushes dirty pages and drops clean caches.
// Mode 1 drops the page cache, 2 dentries and inodes, 3 both.
func (h *Host) DropCaches(ctx context.Context, mode int) error {
	if mode < 1 || mode > 3 {
		return benchtypes.ConfigError("unsupported drop_caches mode %d", mode)
	}
	if err := h.run(ctx, "sync"); err != nil {
		return benchtypes.WrapError(benchtypes.KindConfig, err, "failed while synchronizing")
	}
	return h.write(ctx, dropCachesPath, strconv.Itoa(mode))
}

// Swaps returns the active swap devices.
func (h *Host) Swaps() ([]string, error) {
	f, err := os.Open(h.path(swapsPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, benchtypes.WrapError(benchtypes.KindIO, err, "failed while getting swap")
	}
	defer f.Close()

	var devices []string
	scanner := bufio.NewScanner(f)
	header := true
	for scanner.Scan() {
		if header {
			header = false
			continue
		}
		if fields := strings.Fields(scanner.Text()); len(fields) > 0 {
			devices = append(devices, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, benchtypes.WrapError(benchtypes.KindIO, err, "failed while getting swap")
	}
	return devices, nil
}

// SetSwaps enables or disables the given swap devices, or every configured
// device when none are given.
func (h *Host) SetSwaps(ctx context.Context, enable bool, devices ...string) error {
	verb := "swapoff"
	if enable {
		verb = "swapon"
	}
	if len(devices) == 0 {
		devices = []string{"-a"}
	}
	for _, dev := range devices {
		if err := h.run(ctx, "sudo", verb, dev); err != nil {
			return benchtypes.WrapError(benchtypes.KindConfig, err, "failed while setting swap")
		}
	}
	return nil
}
