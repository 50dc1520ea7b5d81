package nvenc

import "fmt"

// PictureType matches the vendor ABI picture type codes.
type PictureType int

const (
	PictureTypeP   PictureType = 0
	PictureTypeB   PictureType = 1
	PictureTypeI   PictureType = 2
	PictureTypeIDR PictureType = 3
)

func (p PictureType) String() string {
	switch p {
	case PictureTypeP:
		return "P"
	case PictureTypeB:
		return "B"
	case PictureTypeI:
		return "I"
	case PictureTypeIDR:
		return "IDR"
	default:
		return fmt.Sprintf("picture(%d)", int(p))
	}
}

// Keyframe reports whether the picture type is decodable without reference
// to prior frames.
func (p PictureType) Keyframe() bool {
	return p == PictureTypeI || p == PictureTypeIDR
}

// PictureFlags are per-submission flags, matching the vendor ABI bits.
type PictureFlags uint32

const (
	FlagForceIntra   PictureFlags = 0x1
	FlagForceIDR     PictureFlags = 0x2
	FlagOutputSPSPPS PictureFlags = 0x4
	FlagEOS          PictureFlags = 0x8
)

// RateControlMode selects the bitrate-governing policy.
type RateControlMode int

const (
	RateControlConstQP RateControlMode = 0
	RateControlVBR     RateControlMode = 1
	RateControlCBR     RateControlMode = 2
)

func (m RateControlMode) String() string {
	switch m {
	case RateControlConstQP:
		return "constqp"
	case RateControlVBR:
		return "vbr"
	case RateControlCBR:
		return "cbr"
	default:
		return fmt.Sprintf("rc(%d)", int(m))
	}
}

// RateControl carries the bitrate policy for a session or a single frame.
type RateControl struct {
	Mode           RateControlMode
	AverageBitrate uint32
	MaxBitrate     uint32
}

// H264Config is the H.264-specific slice of the session configuration.
type H264Config struct {
	IDRPeriod       uint32
	MaxNumRefFrames uint32
	// SliceMode/SliceModeData: 3 means "number of slices per frame".
	SliceMode     uint32
	SliceModeData uint32
	OutputAUD     bool
}

// HEVCConfig is the HEVC-specific slice of the session configuration.
type HEVCConfig struct {
	IDRPeriod            uint32
	MaxNumRefFramesInDPB uint32
	SliceMode            uint32
	SliceModeData        uint32
}

// CodecConfig is the per-codec parameter block. The vendor ABI aliases this
// storage as a union; here the active codec GUID tags which payload is
// meaningful and only that payload is populated.
type CodecConfig struct {
	Codec GUID
	H264  *H264Config
	HEVC  *HEVCConfig
}

// NewCodecConfig builds the parameter block for the given codec with the
// defaults this client always uses: infinite IDR period (frame 0 is the
// only scheduled keyframe), one reference frame, one slice per frame.
func NewCodecConfig(codec GUID) (CodecConfig, error) {
	switch codec {
	case CodecH264:
		return CodecConfig{Codec: codec, H264: &H264Config{
			IDRPeriod:       idrPeriodInfinite,
			MaxNumRefFrames: 1,
			SliceMode:       3,
			SliceModeData:   1,
		}}, nil
	case CodecHEVC:
		return CodecConfig{Codec: codec, HEVC: &HEVCConfig{
			IDRPeriod:            idrPeriodInfinite,
			MaxNumRefFramesInDPB: 1,
			SliceMode:            3,
			SliceModeData:        1,
		}}, nil
	default:
		return CodecConfig{}, fmt.Errorf("%w: no parameter block for codec %s", ErrConfiguration, codec.Name())
	}
}

const idrPeriodInfinite = 0xFFFFFFFF

// PictureParams is the per-frame submission record. It is constructed fresh
// for every encode call and never retained.
type PictureParams struct {
	Input       InputHandle
	Output      OutputHandle
	Width       int
	Height      int
	Pitch       int
	Format      BufferFormat
	Type        PictureType
	Flags       PictureFlags
	FrameIndex  uint64
	RateControl RateControl
	Codec       CodecConfig
}
