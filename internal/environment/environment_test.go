package environment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energybench/internal/process"
	"energybench/internal/testutils"
	"energybench/pkg/benchtypes"
)

// fakeCPU describes one CPU of a fake sysfs tree.
type fakeCPU struct {
	id       int
	online   bool
	siblings string
	governor string
	minHW    int
	maxHW    int
	min      int
	max      int
}

// fakeKernel emulates the parts of sysfs/procfs the environment touches. It
// keeps the online/offline lists consistent with per-CPU online writes and
// answers swapon/swapoff through a fake runner.
type fakeKernel struct {
	t        *testing.T
	root     string
	allSwaps []string

	mu     sync.Mutex
	writes []string
	failOn string
}

var cpuOnlinePath = regexp.MustCompile(`cpu(\d+)/online$`)

func newFakeKernel(t *testing.T, vendor string, cpus []fakeCPU, swaps []string) *fakeKernel {
	k := &fakeKernel{t: t, root: t.TempDir(), allSwaps: swaps}

	k.put(cpuinfoPath, "processor\t: 0\nvendor_id\t: "+vendor+"\n")
	k.put(aslrPath, "2")
	k.put(dropCachesPath, "0")
	if vendor == "GenuineIntel" {
		k.put(noTurboPath, "0")
	}
	k.setSwaps(swaps)

	ids := make([]string, 0, len(cpus))
	for _, c := range cpus {
		ids = append(ids, strconv.Itoa(c.id))
		dir := fmt.Sprintf("%s/cpu%d", cpuRoot, c.id)
		if c.id != 0 {
			k.put(dir+"/online", boolString(c.online))
		} else {
			require.NoError(t, os.MkdirAll(filepath.Join(k.root, dir), 0o755))
		}
		if c.siblings != "" {
			k.put(dir+"/topology/thread_siblings_list", c.siblings)
		}
		k.put(dir+"/cpufreq/scaling_governor", c.governor)
		k.put(dir+"/cpufreq/scaling_available_governors", "performance powersave schedutil")
		k.put(dir+"/cpufreq/cpuinfo_min_freq", strconv.Itoa(c.minHW))
		k.put(dir+"/cpufreq/cpuinfo_max_freq", strconv.Itoa(c.maxHW))
		k.put(dir+"/cpufreq/scaling_min_freq", strconv.Itoa(c.min))
		k.put(dir+"/cpufreq/scaling_max_freq", strconv.Itoa(c.max))
	}
	k.put(cpuRoot+"/present", strings.Join(ids, ","))
	k.put(cpuRoot+"/possible", strings.Join(ids, ","))
	k.syncOnlineLists()
	return k
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (k *fakeKernel) put(rel, content string) {
	path := filepath.Join(k.root, rel)
	require.NoError(k.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(k.t, os.WriteFile(path, []byte(content+"\n"), 0o644))
}

func (k *fakeKernel) get(rel string) string {
	data, err := os.ReadFile(filepath.Join(k.root, rel))
	require.NoError(k.t, err)
	return strings.TrimSpace(string(data))
}

func (k *fakeKernel) setSwaps(devices []string) {
	lines := []string{"Filename\tType\tSize\tUsed\tPriority"}
	for _, d := range devices {
		lines = append(lines, d+"\tpartition\t1024\t0\t-2")
	}
	k.put(swapsPath, strings.Join(lines, "\n"))
}

func (k *fakeKernel) syncOnlineLists() {
	present, err := ParseCPUList(k.get(cpuRoot + "/present"))
	require.NoError(k.t, err)
	var online, offline []string
	for _, id := range present {
		p := filepath.Join(k.root, fmt.Sprintf("%s/cpu%d/online", cpuRoot, id))
		data, err := os.ReadFile(p)
		if err != nil || strings.TrimSpace(string(data)) == "1" {
			online = append(online, strconv.Itoa(id))
		} else {
			offline = append(offline, strconv.Itoa(id))
		}
	}
	k.put(cpuRoot+"/online", strings.Join(online, ","))
	k.put(cpuRoot+"/offline", strings.Join(offline, ","))
}

// WritePrivileged implements Writer.
func (k *fakeKernel) WritePrivileged(_ context.Context, path, value string) error {
	rel, err := filepath.Rel(k.root, path)
	require.NoError(k.t, err)

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.failOn != "" && strings.HasSuffix(rel, k.failOn) {
		return benchtypes.ConfigError("write to %s refused", rel)
	}
	k.writes = append(k.writes, rel+"="+value)
	k.put(rel, value)
	if cpuOnlinePath.MatchString(rel) {
		k.syncOnlineLists()
	}
	return nil
}

func (k *fakeKernel) runner() *testutils.FakeRunner {
	return testutils.NewFakeRunner(func(_ context.Context, spec process.Spec) (process.Result, error) {
		argv, err := spec.Command.Argv()
		require.NoError(k.t, err)
		if len(argv) == 3 && argv[0] == "sudo" {
			current := k.currentSwaps()
			switch {
			case argv[1] == "swapoff" && argv[2] == "-a":
				current = nil
			case argv[1] == "swapon" && argv[2] == "-a":
				current = append([]string(nil), k.allSwaps...)
			case argv[1] == "swapoff":
				current = slices.DeleteFunc(current, func(d string) bool { return d == argv[2] })
			case argv[1] == "swapon":
				current = append(current, argv[2])
			}
			k.setSwaps(current)
		}
		return process.Result{}, nil
	})
}

func (k *fakeKernel) currentSwaps() []string {
	h := NewHost(k.root, k, nil, nil)
	swaps, err := h.Swaps()
	require.NoError(k.t, err)
	return swaps
}

func (k *fakeKernel) host() (*Host, *testutils.FakeRunner) {
	r := k.runner()
	return NewHost(k.root, k, r, nil), r
}

func (k *fakeKernel) writeCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.writes)
}

// eightThreads is a 4-core/8-thread Intel machine with siblings (n, n+4).
func eightThreads() []fakeCPU {
	var cpus []fakeCPU
	for id := 0; id < 8; id++ {
		cpus = append(cpus, fakeCPU{
			id:       id,
			online:   true,
			siblings: fmt.Sprintf("%d,%d", id%4, id%4+4),
			governor: "schedutil",
			minHW:    800000,
			maxHW:    4600000,
			min:      1200000,
			max:      4600000,
		})
	}
	return cpus
}

func TestParseCPUList(t *testing.T) {
	tests := []struct {
		input    string
		expected []int
	}{
		{"0-3", []int{0, 1, 2, 3}},
		{"0-1,4,6-7", []int{0, 1, 4, 6, 7}},
		{"5", []int{5}},
		{"", nil},
		{" 2 , 3\n", []int{2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			ids, err := ParseCPUList(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ids)
		})
	}

	_, err := ParseCPUList("a-b")
	assert.Error(t, err)
}

func TestCPU(t *testing.T) {
	k := newFakeKernel(t, "GenuineIntel", eightThreads(), nil)
	h, _ := k.host()
	ctx := context.Background()

	t.Run("lookup", func(t *testing.T) {
		_, err := h.CPU(42)
		assert.True(t, benchtypes.IsKind(err, benchtypes.KindConfig))

		cpus, err := h.CPUs(Present)
		require.NoError(t, err)
		assert.Len(t, cpus, 8)

		_, err = h.CPUs("bogus")
		assert.Error(t, err)
	})

	t.Run("hyperthread siblings", func(t *testing.T) {
		for id, expected := range map[int]bool{0: false, 3: false, 4: true, 7: true} {
			cpu, err := h.CPU(id)
			require.NoError(t, err)
			assert.Equal(t, expected, cpu.Hyperthread(), "cpu%d", id)
		}
	})

	t.Run("hyperthread sibling ranges", func(t *testing.T) {
		k.put(cpuRoot+"/cpu2/topology/thread_siblings_list", "1-2")
		cpu, err := h.CPU(2)
		require.NoError(t, err)
		assert.True(t, cpu.Hyperthread())
		k.put(cpuRoot+"/cpu2/topology/thread_siblings_list", "2,6")
	})

	t.Run("cpu0 is always enabled", func(t *testing.T) {
		cpu, err := h.CPU(0)
		require.NoError(t, err)
		enabled, err := cpu.Enabled()
		require.NoError(t, err)
		assert.True(t, enabled)

		before := k.writeCount()
		require.NoError(t, cpu.SetEnabled(ctx, false))
		assert.Equal(t, before, k.writeCount())
	})

	t.Run("frequency outside hardware limits is rejected without a write", func(t *testing.T) {
		cpu, err := h.CPU(1)
		require.NoError(t, err)

		for _, khz := range []int{799999, 4600001} {
			before := k.writeCount()
			err := cpu.SetMaxFreq(ctx, khz)
			assert.True(t, benchtypes.IsKind(err, benchtypes.KindConfig))
			err = cpu.SetMinFreq(ctx, khz)
			assert.True(t, benchtypes.IsKind(err, benchtypes.KindConfig))
			assert.Equal(t, before, k.writeCount())
		}

		got, err := cpu.MaxFreq()
		require.NoError(t, err)
		assert.Equal(t, 4600000, got)
		got, err = cpu.MinFreq()
		require.NoError(t, err)
		assert.Equal(t, 1200000, got)
	})

	t.Run("unknown governor", func(t *testing.T) {
		cpu, err := h.CPU(1)
		require.NoError(t, err)
		err = cpu.SetGovernor(ctx, "ondemand")
		assert.True(t, benchtypes.IsKind(err, benchtypes.KindConfig))
	})
}

func TestKnobs(t *testing.T) {
	k := newFakeKernel(t, "AuthenticAMD", eightThreads(), []string{"/dev/sda2"})
	h, runner := k.host()
	ctx := context.Background()

	vendor, err := h.Vendor()
	require.NoError(t, err)
	assert.Equal(t, VendorAMD, vendor)
	assert.False(t, h.HasIntelBoost())
	assert.Error(t, h.SetIntelBoost(ctx, true))

	assert.True(t, benchtypes.IsKind(h.SetASLR(ctx, 3), benchtypes.KindConfig))
	require.NoError(t, h.SetASLR(ctx, 1))
	aslr, err := h.ASLR()
	require.NoError(t, err)
	assert.Equal(t, 1, aslr)

	assert.Error(t, h.DropCaches(ctx, 0))
	require.NoError(t, h.DropCaches(ctx, 3))
	assert.Equal(t, "3", k.get(dropCachesPath))
	assert.Equal(t, "sync", runner.Lines()[0], "caches are dropped after sync")

	swaps, err := h.Swaps()
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/sda2"}, swaps)
	require.NoError(t, h.SetSwaps(ctx, false))
	swaps, err = h.Swaps()
	require.NoError(t, err)
	assert.Empty(t, swaps)

	k.put(cpuinfoPath, "vendor_id\t: HygonGenuine")
	vendor, err = h.Vendor()
	require.NoError(t, err)
	assert.Equal(t, VendorUnknown, vendor)
}

type machineState struct {
	aslr    string
	noTurbo string
	online  string
	cpus    map[int][3]string
	swaps   []string
}

func capture(k *fakeKernel) machineState {
	s := machineState{
		aslr:    k.get(aslrPath),
		noTurbo: k.get(noTurboPath),
		online:  k.get(cpuRoot + "/online"),
		cpus:    map[int][3]string{},
		swaps:   k.currentSwaps(),
	}
	for id := 0; id < 8; id++ {
		if id != 0 && k.get(fmt.Sprintf("%s/cpu%d/online", cpuRoot, id)) == "0" {
			continue
		}
		dir := fmt.Sprintf("%s/cpu%d/cpufreq/", cpuRoot, id)
		s.cpus[id] = [3]string{k.get(dir + "scaling_governor"), k.get(dir + "scaling_min_freq"), k.get(dir + "scaling_max_freq")}
	}
	return s
}

func TestLabProfile(t *testing.T) {
	k := newFakeKernel(t, "GenuineIntel", eightThreads(), []string{"/dev/sda2", "/swapfile"})
	h, _ := k.host()
	ctx := context.Background()
	before := capture(k)

	ctrl := NewController(h, Lab, nil)
	assert.Equal(t, "lab", ctrl.Name())

	release, err := ctrl.Enter(ctx)
	require.NoError(t, err)

	assert.Equal(t, "0", k.get(aslrPath))
	assert.Equal(t, "1", k.get(noTurboPath))
	assert.Equal(t, "0,1,2,3", k.get(cpuRoot+"/online"))
	assert.Empty(t, k.currentSwaps())
	assert.Equal(t, "3", k.get(dropCachesPath))
	for id := 0; id < 4; id++ {
		dir := fmt.Sprintf("%s/cpu%d/cpufreq/", cpuRoot, id)
		assert.Equal(t, "powersave", k.get(dir+"scaling_governor"))
		assert.Equal(t, "800000", k.get(dir+"scaling_min_freq"))
		assert.Equal(t, "800000", k.get(dir+"scaling_max_freq"))
	}

	// The body fails, the scope is still released.
	bodyErr := func() (err error) {
		defer func() { err = errors.Join(err, release(ctx)) }()
		return errors.New("measurement failed")
	}()
	require.EqualError(t, bodyErr, "measurement failed")

	assert.Equal(t, before, capture(k))
}

func TestLabProfileRestoresAfterCancellation(t *testing.T) {
	k := newFakeKernel(t, "GenuineIntel", eightThreads(), nil)
	h, _ := k.host()
	before := capture(k)

	ctx, cancel := context.WithCancel(context.Background())
	release, err := NewController(h, Lab, nil).Enter(ctx)
	require.NoError(t, err)

	cancel()
	require.NoError(t, release(ctx))
	assert.Equal(t, before, capture(k))
}

func TestEnterRestoresWhenApplyFails(t *testing.T) {
	k := newFakeKernel(t, "GenuineIntel", eightThreads(), nil)
	h, _ := k.host()
	before := capture(k)

	k.failOn = "cpu2/cpufreq/scaling_governor"
	release, err := NewController(h, Lab, nil).Enter(context.Background())
	require.Error(t, err)
	assert.Nil(t, release)
	assert.Contains(t, err.Error(), "failed to enter lab environment")

	// Everything except the refused knob, which never changed, is back.
	assert.Equal(t, before, capture(k))
}

func TestProductionProfile(t *testing.T) {
	cpus := eightThreads()
	cpus[5].online = false
	k := newFakeKernel(t, "GenuineIntel", cpus, []string{"/dev/sda2"})
	k.setSwaps(nil)
	k.put(aslrPath, "0")
	k.put(noTurboPath, "1")
	h, _ := k.host()
	before := capture(k)

	release, err := NewController(h, Production, nil).Enter(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "2", k.get(aslrPath))
	assert.Equal(t, "0", k.get(noTurboPath))
	assert.Equal(t, []string{"/dev/sda2"}, k.currentSwaps())
	for id := 0; id < 8; id++ {
		dir := fmt.Sprintf("%s/cpu%d/cpufreq/", cpuRoot, id)
		assert.Equal(t, "performance", k.get(dir+"scaling_governor"))
		assert.Equal(t, "1000000", k.get(dir+"scaling_min_freq"))
		assert.Equal(t, "4600000", k.get(dir+"scaling_max_freq"))
	}
	summary := h.Describe()
	assert.Equal(t, 8, summary.CPUsOn)
	assert.Equal(t, "performance", summary.Governor)
	assert.Equal(t, "4.60GHz", summary.MaxGHz)

	require.NoError(t, release(context.Background()))
	assert.Equal(t, before, capture(k))
}

func TestDefaultAndLightweight(t *testing.T) {
	k := newFakeKernel(t, "GenuineIntel", eightThreads(), nil)
	h, _ := k.host()
	ctx := context.Background()

	release, err := NewController(h, Default, nil).Enter(ctx)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
	assert.Zero(t, k.writeCount())

	release, err = NewController(h, Lightweight, nil).Enter(ctx)
	require.NoError(t, err)
	// Something else changes a knob while the scope is held.
	k.put(aslrPath, "0")
	require.NoError(t, release(ctx))
	assert.Equal(t, "2", k.get(aslrPath))
	assert.Equal(t, 1, k.writeCount(), "only drifted knobs are written")
}

func TestRestoreLowersFloorBeforeCeiling(t *testing.T) {
	cpus := eightThreads()[:1]
	k := newFakeKernel(t, "AuthenticAMD", cpus, nil)
	h, _ := k.host()

	snap, err := h.Record()
	require.NoError(t, err)
	snap.CPUs[0] = CPUState{Enabled: true, Governor: "schedutil", MinFreq: 800000, MaxFreq: 1000000}

	require.NoError(t, h.Restore(context.Background(), snap))
	assert.Equal(t, []string{
		cpuRoot + "/cpu0/cpufreq/scaling_min_freq=800000",
		cpuRoot + "/cpu0/cpufreq/scaling_max_freq=1000000",
	}, k.writes)
}

func TestParseProfile(t *testing.T) {
	for name, expected := range map[string]Profile{"lab": Lab, "Prod": Production, "light": Lightweight, "": Default} {
		p, err := ParseProfile(name)
		require.NoError(t, err)
		assert.Equal(t, expected, p)
	}
	_, err := ParseProfile("turbo")
	assert.Error(t, err)
}

func TestSudoWriter(t *testing.T) {
	var stdin string
	runner := testutils.NewFakeRunner(func(_ context.Context, spec process.Spec) (process.Result, error) {
		data, err := io.ReadAll(spec.Stdin)
		require.NoError(t, err)
		stdin = string(data)
		if strings.Contains(spec.Command.Shell(), "/forbidden") {
			return process.Result{}, &process.ExitError{Code: 1, Stderr: "permission denied"}
		}
		return process.Result{}, nil
	})
	w := SudoWriter{Runner: runner}

	require.NoError(t, w.WritePrivileged(context.Background(), "/proc/sys/kernel/randomize_va_space", "0"))
	assert.Equal(t, "sudo tee /proc/sys/kernel/randomize_va_space", runner.Lines()[0])
	assert.Equal(t, "0", stdin)

	err := w.WritePrivileged(context.Background(), "/forbidden", "1")
	assert.True(t, benchtypes.IsKind(err, benchtypes.KindConfig))
	assert.Contains(t, err.Error(), "permission denied")
}
