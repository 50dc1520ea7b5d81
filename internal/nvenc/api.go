// Package nvenc wraps a vendor hardware video-encode ABI behind a stateful
// session: capability discovery, session negotiation, buffer management and
// the per-frame encode protocol. The vendor entry points themselves sit
// behind the EncodeAPI interface; drivers register through RegisterDriver
// and are picked up by name.
package nvenc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/streamforge/hwenc/internal/cuda"
)

// APIVersion is the encode API version this client was written against.
// Drivers reporting an older maximum are rejected at session open.
const APIVersion uint32 = 0x09_0000

// SessionHandle is an opaque driver-side encoder session handle.
type SessionHandle uintptr

// InputHandle is an opaque driver-side input (raw pixel) buffer handle.
type InputHandle uintptr

// OutputHandle is an opaque driver-side bitstream buffer handle.
type OutputHandle uintptr

// BufferFormat identifies an input pixel layout. Values match the vendor
// ABI bitmask constants.
type BufferFormat uint32

const (
	FormatUndefined BufferFormat = 0
	FormatNV12      BufferFormat = 0x1
	FormatYV12      BufferFormat = 0x10
	FormatIYUV      BufferFormat = 0x100
	FormatYUV444    BufferFormat = 0x1000
	FormatARGB      BufferFormat = 0x01000000
)

func (f BufferFormat) String() string {
	switch f {
	case FormatNV12:
		return "NV12"
	case FormatYV12:
		return "YV12"
	case FormatIYUV:
		return "IYUV"
	case FormatYUV444:
		return "YUV444"
	case FormatARGB:
		return "ARGB"
	default:
		return fmt.Sprintf("format(%#x)", uint32(f))
	}
}

// FrameSize returns the number of bytes a frame of this format occupies at
// the given dimensions, or 0 for unknown formats.
func (f BufferFormat) FrameSize(width, height int) int {
	switch f {
	case FormatNV12, FormatYV12, FormatIYUV:
		return width * height * 3 / 2
	case FormatYUV444:
		return width * height * 3
	case FormatARGB:
		return width * height * 4
	default:
		return 0
	}
}

// ParseFormat resolves a pixel format name.
func ParseFormat(s string) (BufferFormat, error) {
	switch s {
	case "NV12", "nv12":
		return FormatNV12, nil
	case "YV12", "yv12":
		return FormatYV12, nil
	case "IYUV", "iyuv", "I420", "i420":
		return FormatIYUV, nil
	case "YUV444", "yuv444":
		return FormatYUV444, nil
	case "ARGB", "argb":
		return FormatARGB, nil
	}
	return FormatUndefined, fmt.Errorf("%w: unknown pixel format %q", ErrConfiguration, s)
}

// CapsParam names a scalar capability of a codec on the open session.
type CapsParam int

const (
	CapsWidthMax CapsParam = iota
	CapsHeightMax
	CapsMaxRefFrames
	CapsAsyncEncode
)

func (c CapsParam) String() string {
	switch c {
	case CapsWidthMax:
		return "width_max"
	case CapsHeightMax:
		return "height_max"
	case CapsMaxRefFrames:
		return "max_ref_frames"
	case CapsAsyncEncode:
		return "async_encode"
	default:
		return fmt.Sprintf("caps(%d)", int(c))
	}
}

// allCaps is the set of capabilities the catalog snapshots per codec.
var allCaps = []CapsParam{CapsWidthMax, CapsHeightMax, CapsMaxRefFrames, CapsAsyncEncode}

// BitstreamLock is the view of a locked output buffer: the encoded bytes
// the hardware produced for one frame plus its metadata.
type BitstreamLock struct {
	Data        []byte
	PictureType PictureType
	FrameIndex  uint64
}

// InitParams configures an encoder session at open time.
type InitParams struct {
	Codec        GUID
	Profile      GUID
	Preset       GUID
	Width        int
	Height       int
	FrameRateNum int
	FrameRateDen int
	// EnableAsync requests event-driven completion. This client always
	// passes false: completion is polled synchronously for portability.
	EnableAsync bool
	RateControl RateControl
	CodecConfig CodecConfig
}

// EncodeAPI is the encoder-side slice of the vendor ABI. The two-call
// enumeration idiom (count, then exact-size fill returning the count again)
// is preserved verbatim so a binding can map each method onto one entry
// point. Methods return raw Status codes; translation into the error
// taxonomy happens in this package, not in drivers.
type EncodeAPI interface {
	// MaxSupportedVersion reports the newest API version the installed
	// driver implements.
	MaxSupportedVersion() (uint32, Status)

	OpenSession(ctx cuda.ContextHandle, version uint32) (SessionHandle, Status)
	DestroySession(s SessionHandle) Status

	EncodeGUIDCount(s SessionHandle) (int, Status)
	EncodeGUIDs(s SessionHandle, dst []GUID) (int, Status)
	ProfileGUIDCount(s SessionHandle, codec GUID) (int, Status)
	ProfileGUIDs(s SessionHandle, codec GUID, dst []GUID) (int, Status)
	PresetGUIDCount(s SessionHandle, codec GUID) (int, Status)
	PresetGUIDs(s SessionHandle, codec GUID, dst []GUID) (int, Status)
	InputFormatCount(s SessionHandle, codec GUID) (int, Status)
	InputFormats(s SessionHandle, codec GUID, dst []BufferFormat) (int, Status)
	Caps(s SessionHandle, codec GUID, param CapsParam) (int, Status)

	Initialize(s SessionHandle, params InitParams) Status

	CreateInputBuffer(s SessionHandle, width, height int, format BufferFormat) (InputHandle, Status)
	DestroyInputBuffer(s SessionHandle, h InputHandle) Status
	CreateBitstreamBuffer(s SessionHandle, capacity int) (OutputHandle, Status)
	DestroyBitstreamBuffer(s SessionHandle, h OutputHandle) Status

	// LockInputBuffer returns a writable view of the raw pixel memory and
	// its row pitch, which may exceed the logical width.
	LockInputBuffer(s SessionHandle, h InputHandle, wait bool) ([]byte, int, Status)
	UnlockInputBuffer(s SessionHandle, h InputHandle) Status
	// LockBitstream returns a readable view of the encoded bytes.
	LockBitstream(s SessionHandle, h OutputHandle, wait bool) (BitstreamLock, Status)
	UnlockBitstream(s SessionHandle, h OutputHandle) Status

	EncodePicture(s SessionHandle, pic PictureParams) Status
}

// Driver bundles the device and encoder sides of one vendor binding.
type Driver interface {
	Name() string
	Device() cuda.API
	Encode() EncodeAPI
}

var (
	driversMu sync.Mutex
	drivers   = make(map[string]func() (Driver, error))
)

// RegisterDriver registers a driver factory under a name. Bindings call
// this from init; duplicate names panic.
func RegisterDriver(name string, factory func() (Driver, error)) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic(fmt.Sprintf("nvenc: driver %q registered twice", name))
	}
	drivers[name] = factory
}

// OpenDriver instantiates the named driver.
func OpenDriver(name string) (Driver, error) {
	driversMu.Lock()
	factory, ok := drivers[name]
	driversMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrDriverUnavailable, name, DriverNames())
	}
	return factory()
}

// DriverNames lists the registered driver names, sorted.
func DriverNames() []string {
	driversMu.Lock()
	defer driversMu.Unlock()
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
