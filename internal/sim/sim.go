// Package sim is the reference encode driver: a deterministic, in-process
// implementation of the device and encoder ABI slices. It backs the
// diagnostics commands and the test suite, modelling the protocol the real
// hardware enforces - context currency, lock ownership, enumeration
// counts - strictly enough that client bugs surface as vendor-style status
// codes. Fault injection (busy streaks, forced statuses) and resource
// accounting are built in.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/streamforge/hwenc/internal/cuda"
	"github.com/streamforge/hwenc/internal/nvenc"
)

// DriverName is the name the reference driver registers under.
const DriverName = "sim"

func init() {
	nvenc.RegisterDriver(DriverName, func() (nvenc.Driver, error) {
		return New(DefaultConfig()), nil
	})
}

// DeviceConfig describes one simulated GPU.
type DeviceConfig struct {
	Name         string
	PCIBusID     string
	Memory       uint64
	ComputeMajor int
	ComputeMinor int
	CanEncode    bool
}

// Config tunes the simulated driver.
type Config struct {
	Devices []DeviceConfig
	// APIVersion the driver reports; zero means the client version.
	APIVersion uint32
	// DriverVersion reported by the device API.
	DriverVersion int

	// DisableLowLatencyPresets removes the low-latency preset family
	// from enumeration.
	DisableLowLatencyPresets bool
	// InputLockBusy / BitstreamLockBusy / EncodeBusy make the next N
	// calls of each kind fail with the matching busy status.
	InputLockBusy     int
	BitstreamLockBusy int
	EncodeBusy        int
	// NeedMoreInputEvery makes every Nth picture submission return the
	// need-more-input status instead of producing output.
	NeedMoreInputEvery int
	// ForceEncodeStatus, when non-zero, fails every picture submission
	// with this status.
	ForceEncodeStatus nvenc.Status
	// EnumerationSkew makes fill calls report one element fewer than the
	// preceding count call, to exercise consistency checking.
	EnumerationSkew bool
}

// DefaultConfig simulates a single encode-capable device.
func DefaultConfig() Config {
	return Config{
		Devices: []DeviceConfig{{
			Name:         "SimGPU 2000",
			PCIBusID:     "0000:01:00.0",
			Memory:       8 << 30,
			ComputeMajor: 8,
			ComputeMinor: 6,
			CanEncode:    true,
		}},
		DriverVersion: 570,
	}
}

// Counters is a snapshot of the driver's resource accounting.
type Counters struct {
	ContextsCreated           int
	ContextsDestroyed         int
	SessionsOpened            int
	SessionsDestroyed         int
	InputBuffersCreated       int
	InputBuffersDestroyed     int
	BitstreamBuffersCreated   int
	BitstreamBuffersDestroyed int
	InputLocks                int
	InputUnlocks              int
	BitstreamLocks            int
	BitstreamUnlocks          int
	PicturesSubmitted         int
	FlushesSubmitted          int
}

// Active returns the number of live driver-side resources.
func (c Counters) Active() int {
	return (c.ContextsCreated - c.ContextsDestroyed) +
		(c.SessionsOpened - c.SessionsDestroyed) +
		(c.InputBuffersCreated - c.InputBuffersDestroyed) +
		(c.BitstreamBuffersCreated - c.BitstreamBuffersDestroyed)
}

type simContext struct {
	device int
	pushed int
}

type simInputBuffer struct {
	session nvenc.SessionHandle
	data    []byte
	pitch   int
	locked  bool
}

type simOutputBuffer struct {
	session  nvenc.SessionHandle
	capacity int
	locked   bool
}

type simSession struct {
	ctx         cuda.ContextHandle
	initialized bool
	params      nvenc.InitParams
	frameIndex  uint64
	pending     *pendingOutput
}

type pendingOutput struct {
	data        []byte
	pictureType nvenc.PictureType
	frameIndex  uint64
}

// Driver implements nvenc.Driver, cuda.API and nvenc.EncodeAPI over
// in-process state. All methods are safe for concurrent use.
type Driver struct {
	cfg Config

	mu         sync.Mutex
	nextHandle uintptr
	contexts   map[cuda.ContextHandle]*simContext
	sessions   map[nvenc.SessionHandle]*simSession
	inputs     map[nvenc.InputHandle]*simInputBuffer
	outputs    map[nvenc.OutputHandle]*simOutputBuffer
	counters   Counters
	submits    int
}

// New creates a simulated driver.
func New(cfg Config) *Driver {
	if cfg.APIVersion == 0 {
		cfg.APIVersion = nvenc.APIVersion
	}
	return &Driver{
		cfg:        cfg,
		nextHandle: 1,
		contexts:   make(map[cuda.ContextHandle]*simContext),
		sessions:   make(map[nvenc.SessionHandle]*simSession),
		inputs:     make(map[nvenc.InputHandle]*simInputBuffer),
		outputs:    make(map[nvenc.OutputHandle]*simOutputBuffer),
	}
}

// Name implements nvenc.Driver.
func (d *Driver) Name() string { return DriverName }

// Device implements nvenc.Driver.
func (d *Driver) Device() cuda.API { return d }

// Encode implements nvenc.Driver.
func (d *Driver) Encode() nvenc.EncodeAPI { return d }

// Counters returns a snapshot of the resource accounting.
func (d *Driver) Counters() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters
}

func (d *Driver) handle() uintptr {
	h := d.nextHandle
	d.nextHandle++
	return h
}

// --- cuda.API ---

// Init implements cuda.API.
func (d *Driver) Init() error { return nil }

// DriverVersion implements cuda.API.
func (d *Driver) DriverVersion() (int, error) {
	if d.cfg.DriverVersion == 0 {
		return 0, errors.New("driver not loaded")
	}
	return d.cfg.DriverVersion, nil
}

// DeviceCount implements cuda.API.
func (d *Driver) DeviceCount() (int, error) { return len(d.cfg.Devices), nil }

// DeviceInfo implements cuda.API.
func (d *Driver) DeviceInfo(ordinal int) (cuda.DeviceInfo, error) {
	if ordinal < 0 || ordinal >= len(d.cfg.Devices) {
		return cuda.DeviceInfo{}, fmt.Errorf("device %d: %w", ordinal, cuda.ErrDeviceOutOfRange)
	}
	dev := d.cfg.Devices[ordinal]
	return cuda.DeviceInfo{
		Ordinal:       ordinal,
		Name:          dev.Name,
		PCIBusID:      dev.PCIBusID,
		TotalMemory:   dev.Memory,
		ComputeMajor:  dev.ComputeMajor,
		ComputeMinor:  dev.ComputeMinor,
		CanEncode:     dev.CanEncode,
		CanMapHostMem: true,
	}, nil
}

// MemInfo implements cuda.API. Free memory shrinks by a fixed slab per live
// context so selection policies see load.
func (d *Driver) MemInfo(ordinal int) (uint64, uint64, error) {
	if ordinal < 0 || ordinal >= len(d.cfg.Devices) {
		return 0, 0, fmt.Errorf("device %d: %w", ordinal, cuda.ErrDeviceOutOfRange)
	}
	total := d.cfg.Devices[ordinal].Memory
	d.mu.Lock()
	defer d.mu.Unlock()
	var used uint64
	for _, c := range d.contexts {
		if c.device == ordinal {
			used += contextSlab
		}
	}
	if used > total {
		used = total
	}
	return total - used, total, nil
}

// CreateContext implements cuda.API.
func (d *Driver) CreateContext(ordinal int) (cuda.ContextHandle, error) {
	if ordinal < 0 || ordinal >= len(d.cfg.Devices) {
		return 0, fmt.Errorf("device %d: %w", ordinal, cuda.ErrDeviceOutOfRange)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h := cuda.ContextHandle(d.handle())
	d.contexts[h] = &simContext{device: ordinal}
	d.counters.ContextsCreated++
	return h, nil
}

// PushContext implements cuda.API.
func (d *Driver) PushContext(h cuda.ContextHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, ok := d.contexts[h]
	if !ok {
		return cuda.ErrContextDestroyed
	}
	ctx.pushed++
	return nil
}

// PopContext implements cuda.API.
func (d *Driver) PopContext(h cuda.ContextHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, ok := d.contexts[h]
	if !ok {
		return cuda.ErrContextDestroyed
	}
	if ctx.pushed == 0 {
		return errors.New("context not current")
	}
	ctx.pushed--
	return nil
}

// DestroyContext implements cuda.API.
func (d *Driver) DestroyContext(h cuda.ContextHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.contexts[h]; !ok {
		return cuda.ErrContextDestroyed
	}
	for _, s := range d.sessions {
		if s.ctx == h {
			return errors.New("context still referenced by an encode session")
		}
	}
	delete(d.contexts, h)
	d.counters.ContextsDestroyed++
	return nil
}

// current reports whether the session's context is current.
func (d *Driver) current(s *simSession) bool {
	ctx, ok := d.contexts[s.ctx]
	return ok && ctx.pushed > 0
}
