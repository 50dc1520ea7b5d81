package nvenc

import (
	"fmt"

	"github.com/google/uuid"
)

// GUID is the 128-bit identifier the encode API uses to name codecs,
// profiles and presets. Values are discovered through enumeration; the only
// GUIDs a caller may construct are the well-known constants below or a
// textual form accepted by ParseGUID.
type GUID uuid.UUID

// ParseGUID parses the canonical textual form of a GUID
// (8-4-4-4-12 lower-case hex, e.g. "6bc82762-4e63-4ca4-aa85-1e50f321f6bf").
// Anything else - braces, URN prefixes, upper-case hex, wrong length - is
// rejected. The encode API compares GUIDs bitwise, so a sloppy parse that
// "helpfully" accepts variant spellings would let typos through.
func ParseGUID(s string) (GUID, error) {
	if len(s) != 36 {
		return GUID{}, fmt.Errorf("guid %q: %w", s, ErrMalformedGUID)
	}
	for i, c := range s {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return GUID{}, fmt.Errorf("guid %q: %w", s, ErrMalformedGUID)
			}
		default:
			if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
				return GUID{}, fmt.Errorf("guid %q: %w", s, ErrMalformedGUID)
			}
		}
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return GUID{}, fmt.Errorf("guid %q: %w", s, ErrMalformedGUID)
	}
	return GUID(u), nil
}

// MustGUID is ParseGUID for the package-level constants.
func MustGUID(s string) GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}
	return g
}

// String returns the canonical textual form.
func (g GUID) String() string {
	return uuid.UUID(g).String()
}

// IsZero reports whether g is the all-zero GUID.
func (g GUID) IsZero() bool {
	return g == GUID{}
}

// Name returns the human-readable name of a well-known GUID, or the
// canonical textual form when the GUID is not in the lookup table.
func (g GUID) Name() string {
	if n, ok := guidNames[g]; ok {
		return n
	}
	return g.String()
}

// Codec GUIDs, as published by the vendor encode API headers.
var (
	CodecH264 = MustGUID("6bc82762-4e63-4ca4-aa85-1e50f321f6bf")
	CodecHEVC = MustGUID("790cdc88-4522-4d7b-9425-bda9975f7603")
)

// Profile GUIDs.
var (
	ProfileAutoselect   = MustGUID("bfd6f8e7-233c-4341-8b3e-4818523803f4")
	ProfileH264Baseline = MustGUID("0727bcaa-78c4-4c83-8c2f-ef3dff267c6a")
	ProfileH264Main     = MustGUID("60b5c1d4-67fe-4790-94d5-c4726d7b6e6d")
	ProfileH264High     = MustGUID("e7cbc309-4f7a-4b89-af2a-d537c92be310")
	ProfileHEVCMain     = MustGUID("b514c39a-b55b-40fa-878f-f1253b4dfdec")
)

// Preset GUIDs. The low-latency presets are the only ones the session will
// select; the rest are kept so enumeration results resolve to names.
var (
	PresetDefault        = MustGUID("b2dfb705-4ebd-4c49-9b5f-24a777d3e587")
	PresetHP             = MustGUID("60e4c59f-e846-4484-a56d-cd45be9fddf6")
	PresetHQ             = MustGUID("34dba71d-a77b-4b8f-9c3e-b6d5da24c012")
	PresetLowLatency     = MustGUID("49df21c5-6dfa-4feb-9787-6acc9effb726")
	PresetLowLatencyHQ   = MustGUID("c5f733b9-ea97-4cf9-bec2-bf78a74fd105")
	PresetLowLatencyHP   = MustGUID("67082a44-4bad-48fa-98ea-93056d150a58")
	PresetLossless       = MustGUID("d5bfb716-c604-44e7-9bb8-dea5510fc3ac")
	PresetLosslessHP     = MustGUID("149998e7-2364-411d-82ef-179888093409")
)

var guidNames = map[GUID]string{
	CodecH264:           "h264",
	CodecHEVC:           "hevc",
	ProfileAutoselect:   "autoselect",
	ProfileH264Baseline: "baseline",
	ProfileH264Main:     "main",
	ProfileH264High:     "high",
	ProfileHEVCMain:     "hevc-main",
	PresetDefault:       "default",
	PresetHP:            "hp",
	PresetHQ:            "hq",
	PresetLowLatency:    "low-latency",
	PresetLowLatencyHQ:  "low-latency-hq",
	PresetLowLatencyHP:  "low-latency-hp",
	PresetLossless:      "lossless",
	PresetLosslessHP:    "lossless-hp",
}

// ParseCodec resolves a codec name ("h264", "hevc") or canonical GUID text
// to a codec GUID.
func ParseCodec(s string) (GUID, error) {
	switch s {
	case "h264", "avc":
		return CodecH264, nil
	case "hevc", "h265":
		return CodecHEVC, nil
	}
	g, err := ParseGUID(s)
	if err != nil {
		return GUID{}, fmt.Errorf("unknown codec %q: %w", s, ErrMalformedGUID)
	}
	return g, nil
}
