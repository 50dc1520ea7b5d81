// Package cuda manages GPU compute devices and the per-session compute
// context every encode call must hold current. The driver itself sits
// behind the API interface; platform bindings implement it, and the
// reference driver in internal/sim implements it for diagnostics and tests.
package cuda

import (
	"errors"
	"fmt"
)

// ContextHandle is an opaque driver-side compute context handle.
type ContextHandle uintptr

// DeviceInfo describes one GPU as reported by the driver.
type DeviceInfo struct {
	Ordinal        int    `json:"ordinal"`
	Name           string `json:"name"`
	PCIBusID       string `json:"pci_bus_id"`
	TotalMemory    uint64 `json:"total_memory"`
	ComputeMajor   int    `json:"compute_major"`
	ComputeMinor   int    `json:"compute_minor"`
	CanEncode      bool   `json:"can_encode"`
	CanMapHostMem  bool   `json:"can_map_host_memory"`
}

// Compute packs the compute capability the way driver tooling reports it
// (major nibble-shifted over minor).
func (d DeviceInfo) Compute() int {
	return d.ComputeMajor<<4 + d.ComputeMinor
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s @ %s", d.Name, d.PCIBusID)
}

// API is the device-side slice of the vendor driver ABI. Every method maps
// onto one driver entry point; implementations must be safe for concurrent
// use.
type API interface {
	// Init initializes the driver. Idempotent.
	Init() error
	// DriverVersion returns the installed driver version.
	DriverVersion() (int, error)
	// DeviceCount returns the number of devices the driver sees.
	DeviceCount() (int, error)
	// DeviceInfo describes the device at the given ordinal.
	DeviceInfo(ordinal int) (DeviceInfo, error)
	// MemInfo returns free and total device memory in bytes.
	MemInfo(ordinal int) (free, total uint64, err error)
	// CreateContext allocates a compute context on the device.
	CreateContext(ordinal int) (ContextHandle, error)
	// PushContext makes the context current on the calling thread.
	PushContext(h ContextHandle) error
	// PopContext removes the context from the calling thread.
	PopContext(h ContextHandle) error
	// DestroyContext releases the context and its GPU-side resources.
	DestroyContext(h ContextHandle) error
}

// Errors surfaced at device and context creation time. None of them is
// recoverable by retry.
var (
	ErrNoDevice           = errors.New("no compute device found")
	ErrDeviceOutOfRange   = errors.New("device ordinal out of range")
	ErrNoEncodeSupport    = errors.New("device lacks the encode feature")
	ErrComputeTooOld      = errors.New("device compute capability too old")
	ErrContextBusy        = errors.New("device context is held by another goroutine")
	ErrContextDestroyed   = errors.New("device context already destroyed")
	ErrAllDevicesDisabled = errors.New("all compute devices are disabled by configuration")
)
