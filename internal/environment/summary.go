package environment

import "fmt"

// Summary describes the state of the online CPUs for the run log.
type Summary struct {
	Governor string
	MinGHz   string
	MaxGHz   string
	CPUsOn   int
	CPUsOff  int
	Swaps    int
}

func (s Summary) String() string {
	return fmt.Sprintf("governor=%s frequencies=%s-%s cpus=%d on/%d off swaps=%d",
		s.Governor, s.MinGHz, s.MaxGHz, s.CPUsOn, s.CPUsOff, s.Swaps)
}

// Describe summarises the current machine state. Knobs that cannot be read
// are shown as "Unknown", differing values across CPUs as "Mixed".
func (h *Host) Describe() Summary {
	s := Summary{Governor: "Unknown", MinGHz: "Unknown", MaxGHz: "Unknown"}

	online, err := h.CPUs(Online)
	if err == nil {
		s.CPUsOn = len(online)
	}
	if offline, err := h.CPUs(Offline); err == nil {
		s.CPUsOff = len(offline)
	}
	if swaps, err := h.Swaps(); err == nil {
		s.Swaps = len(swaps)
	}

	governors := map[string]bool{}
	minFreqs := map[int]bool{}
	maxFreqs := map[int]bool{}
	for _, cpu := range online {
		if g, err := cpu.Governor(); err == nil {
			governors[g] = true
		}
		if f, err := cpu.MinFreq(); err == nil {
			minFreqs[f] = true
		}
		if f, err := cpu.MaxFreq(); err == nil {
			maxFreqs[f] = true
		}
	}

	s.Governor = uniform(governors, func(g string) string { return g }, s.Governor)
	s.MinGHz = uniform(minFreqs, ghz, s.MinGHz)
	s.MaxGHz = uniform(maxFreqs, ghz, s.MaxGHz)
	return s
}

func uniform[T comparable](values map[T]bool, format func(T) string, unknown string) string {
	switch len(values) {
	case 0:
		return unknown
	case 1:
		for v := range values {
			return format(v)
		}
	}
	return "Mixed"
}

func ghz(khz int) string {
	return fmt.Sprintf("%.2fGHz", float64(khz)/1e6)
}
