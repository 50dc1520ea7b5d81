package cuda

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
)

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// DefaultMinFreeMemoryPct is the free-memory floor below which a device is
// considered too loaded to host a new session.
const DefaultMinFreeMemoryPct = 10

// Prefs filters and steers device selection. Entries in Enabled/Disabled
// match a device ordinal ("0"), its name, or its PCI bus id.
type Prefs struct {
	// Enabled, when non-empty, whitelists devices. The special value
	// "all" keeps every device, "none" disables them all.
	Enabled []string
	// Disabled blacklists devices.
	Disabled []string
	// PreferredName steers selection to the first device whose name
	// contains this substring.
	PreferredName string
	// MinFreeMemoryPct overrides DefaultMinFreeMemoryPct when > 0.
	MinFreeMemoryPct int
}

func (p Prefs) minFree() int {
	if p.MinFreeMemoryPct > 0 {
		return p.MinFreeMemoryPct
	}
	return DefaultMinFreeMemoryPct
}

func matchDevice(list []string, d DeviceInfo) bool {
	return slices.ContainsFunc(list, func(s string) bool {
		return s == strconv.Itoa(d.Ordinal) || s == d.Name || s == d.PCIBusID
	})
}

func (p Prefs) allows(d DeviceInfo) bool {
	if slices.Contains(p.Enabled, "none") {
		return false
	}
	if len(p.Enabled) > 0 && !slices.Contains(p.Enabled, "all") && !matchDevice(p.Enabled, d) {
		return false
	}
	return !matchDevice(p.Disabled, d)
}

// Registry is the process-wide device catalog. Enumeration runs once, on
// first use, behind an init-once guard; the resulting list is read-only and
// safe to share. Selection health (per-device success/failure history) is
// the only mutable state and is guarded separately.
type Registry struct {
	api   API
	prefs Prefs
	log   *slog.Logger

	once    sync.Once
	devices []DeviceInfo
	initErr error

	healthMu sync.Mutex
	health   map[int]bool
}

// NewRegistry creates a device registry over the given driver API.
func NewRegistry(api API, prefs Prefs, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{api: api, prefs: prefs, log: log, health: make(map[int]bool)}
}

// Devices returns the encode-capable devices that pass the configured
// preferences. The driver is queried exactly once per registry.
func (r *Registry) Devices() ([]DeviceInfo, error) {
	r.once.Do(r.enumerate)
	return r.devices, r.initErr
}

func (r *Registry) enumerate() {
	if err := r.api.Init(); err != nil {
		r.initErr = fmt.Errorf("initializing driver: %w", err)
		return
	}
	n, err := r.api.DeviceCount()
	if err != nil {
		r.initErr = fmt.Errorf("counting devices: %w", err)
		return
	}
	if n == 0 {
		r.initErr = ErrNoDevice
		return
	}
	for i := 0; i < n; i++ {
		info, err := r.api.DeviceInfo(i)
		if err != nil {
			r.log.Error("querying device failed",
				slog.Int("device", i),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !r.prefs.allows(info) {
			r.log.Debug("device disabled by preferences", slog.Int("device", i))
			continue
		}
		if !info.CanMapHostMem {
			r.log.Warn("skipping device, cannot map host memory", slog.String("device", info.String()))
			continue
		}
		if info.Compute() < MinCompute {
			r.log.Debug("skipping device, compute capability too old",
				slog.String("device", info.String()),
				slog.Int("compute", info.Compute()),
			)
			continue
		}
		r.log.Info("compute device found",
			slog.Int("ordinal", info.Ordinal),
			slog.String("name", info.Name),
			slog.String("pci_bus_id", info.PCIBusID),
			slog.Bool("can_encode", info.CanEncode),
		)
		r.devices = append(r.devices, info)
	}
	if len(r.devices) == 0 {
		r.initErr = ErrAllDevicesDisabled
	}
}

// RecordFailure marks a device as having failed a session, demoting it in
// subsequent selections.
func (r *Registry) RecordFailure(ordinal int) {
	r.healthMu.Lock()
	r.health[ordinal] = false
	r.healthMu.Unlock()
}

// RecordSuccess marks a device as healthy again.
func (r *Registry) RecordSuccess(ordinal int) {
	r.healthMu.Lock()
	r.health[ordinal] = true
	r.healthMu.Unlock()
}

func (r *Registry) healthy(ordinal int) bool {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	ok, seen := r.health[ordinal]
	return !seen || ok
}

// Select picks the device to open a session on. An explicit ordinal >= 0
// wins outright (failing if it is out of range or filtered out). Otherwise
// devices that have not failed before are preferred, a preferred-name match
// wins within each group, and the tie-breaker is the highest free-memory
// percentage at or above the configured floor.
func (r *Registry) Select(ordinal int) (DeviceInfo, error) {
	devices, err := r.Devices()
	if err != nil {
		return DeviceInfo{}, err
	}
	if ordinal >= 0 {
		for _, d := range devices {
			if d.Ordinal == ordinal {
				return d, nil
			}
		}
		return DeviceInfo{}, fmt.Errorf("device %d: %w", ordinal, ErrDeviceOutOfRange)
	}

	var healthy, failing []DeviceInfo
	for _, d := range devices {
		if r.healthy(d.Ordinal) {
			healthy = append(healthy, d)
		} else {
			failing = append(failing, d)
		}
	}
	for _, group := range [][]DeviceInfo{healthy, failing} {
		if d, ok := r.selectFrom(group); ok {
			return d, nil
		}
	}
	return DeviceInfo{}, ErrNoDevice
}

func (r *Registry) selectFrom(devices []DeviceInfo) (DeviceInfo, bool) {
	var (
		best     DeviceInfo
		bestFree = -1
	)
	for _, d := range devices {
		free, total, err := r.api.MemInfo(d.Ordinal)
		if err != nil || total == 0 {
			continue
		}
		pct := int(100 * free / total)
		if r.prefs.PreferredName != "" && containsFold(d.Name, r.prefs.PreferredName) {
			return d, true
		}
		if pct >= r.prefs.minFree() && pct > bestFree {
			best = d
			bestFree = pct
		}
	}
	if bestFree < 0 {
		return DeviceInfo{}, false
	}
	r.log.Debug("selected device",
		slog.Int("ordinal", best.Ordinal),
		slog.Int("free_pct", bestFree),
	)
	return best, true
}
