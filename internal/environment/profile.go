package environment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"energybench/pkg/benchtypes"
)

// Profile is a named machine configuration.
type Profile int

const (
	// Default leaves the machine as it is.
	Default Profile = iota
	// Lightweight changes nothing but restores any drift on exit.
	Lightweight
	// Production maximises performance.
	Production
	// Lab maximises reproducibility.
	Lab
)

const (
	labMaxCPU          = 3
	productionMinFloor = 1_000_000 // kHz
)

// String returns the name used in results paths.
func (p Profile) String() string {
	switch p {
	case Lightweight:
		return "lightweight"
	case Production:
		return "production"
	case Lab:
		return "lab"
	default:
		return "none"
	}
}

// ParseProfile resolves a profile by name.
func ParseProfile(name string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "default":
		return Default, nil
	case "light", "lightweight":
		return Lightweight, nil
	case "prod", "production":
		return Production, nil
	case "lab":
		return Lab, nil
	default:
		return Default, benchtypes.ConfigError("'%s' is not a known environment", name)
	}
}

// Apply puts the machine into the profile's configuration without recording
// anything to restore.
func (h *Host) Apply(ctx context.Context, p Profile) error {
	switch p {
	case Production:
		return h.applyProduction(ctx)
	case Lab:
		return h.applyLab(ctx)
	default:
		return nil
	}
}

func (h *Host) setBoostIfIntel(ctx context.Context, enabled bool) {
	vendor, err := h.Vendor()
	if err != nil || vendor != VendorIntel {
		return
	}
	if err := h.SetIntelBoost(ctx, enabled); err != nil && h.logger != nil {
		h.logger.Debug("Turbo boost not available", "error", err)
	}
}

func (h *Host) applyProduction(ctx context.Context) error {
	if err := h.SetASLR(ctx, 2); err != nil {
		return err
	}
	h.setBoostIfIntel(ctx, true)
	if err := h.SetSwaps(ctx, true); err != nil {
		return err
	}

	cpus, err := h.CPUs(Present)
	if err != nil {
		return err
	}
	for _, cpu := range cpus {
		if err := cpu.SetEnabled(ctx, true); err != nil {
			return err
		}
		if err := cpu.SetGovernor(ctx, "performance"); err != nil {
			return err
		}
		lo, err := cpu.MinHW()
		if err != nil {
			return err
		}
		hi, err := cpu.MaxHW()
		if err != nil {
			return err
		}
		if err := cpu.SetMaxFreq(ctx, hi); err != nil {
			return err
		}
		if err := cpu.SetMinFreq(ctx, min(max(lo, productionMinFloor), hi)); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) applyLab(ctx context.Context) error {
	if err := h.SetASLR(ctx, 0); err != nil {
		return err
	}
	h.setBoostIfIntel(ctx, false)
	if err := h.SetSwaps(ctx, false); err != nil {
		return err
	}
	if err := h.DropCaches(ctx, 3); err != nil {
		return err
	}

	online, err := h.CPUs(Online)
	if err != nil {
		return err
	}
	for _, cpu := range online {
		if cpu.Hyperthread() {
			if err := cpu.SetEnabled(ctx, false); err != nil {
				return err
			}
		}
	}

	if online, err = h.CPUs(Online); err != nil {
		return err
	}
	for _, cpu := range online {
		if cpu.ID > labMaxCPU {
			if err := cpu.SetEnabled(ctx, false); err != nil {
				return err
			}
		}
	}

	if online, err = h.CPUs(Online); err != nil {
		return err
	}
	for _, cpu := range online {
		if err := cpu.SetGovernor(ctx, "powersave"); err != nil {
			return err
		}
		lo, err := cpu.MinHW()
		if err != nil {
			return err
		}
		if err := cpu.SetMinFreq(ctx, lo); err != nil {
			return err
		}
		if err := cpu.SetMaxFreq(ctx, lo); err != nil {
			return err
		}
	}
	return nil
}

// Controller owns the machine's knobs for the duration of a measurement.
type Controller struct {
	host    *Host
	profile Profile
	logger  *log.Logger
}

// NewController creates a controller that applies profile on Enter.
func NewController(host *Host, profile Profile, logger *log.Logger) *Controller {
	return &Controller{host: host, profile: profile, logger: logger}
}

// Name returns the profile name.
func (c *Controller) Name() string {
	return c.profile.String()
}

// Profile returns the controlled profile.
func (c *Controller) Profile() Profile {
	return c.profile
}

// Enter records the machine state and applies the profile. The returned
// release restores the recorded state; it ignores cancellation of its
// context so that an interrupt cannot leave the machine reconfigured. When
// applying fails the state is restored before Enter returns.
func (c *Controller) Enter(ctx context.Context) (func(context.Context) error, error) {
	if c.profile == Default {
		return func(context.Context) error { return nil }, nil
	}

	snap, err := c.host.Record()
	if err != nil {
		return nil, fmt.Errorf("failed to record %s environment: %w", c.Name(), err)
	}

	release := func(ctx context.Context) error {
		if err := c.host.Restore(context.WithoutCancel(ctx), snap); err != nil {
			if c.logger != nil {
				c.logger.Error("Failed to restore environment", "profile", c.Name(), "error", err)
			}
			return fmt.Errorf("failed to restore environment: %w", err)
		}
		return nil
	}

	if err := c.host.Apply(ctx, c.profile); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to enter %s environment: %w", c.Name(), err), release(ctx))
	}
	if c.logger != nil {
		c.logger.Debug("Entered environment", "profile", c.Name())
	}
	return release, nil
}
