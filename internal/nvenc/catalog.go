package nvenc

import (
	"fmt"
	"slices"
)

// enumerate implements the vendor API's two-call enumeration idiom: query a
// count, then fill an array of exactly that size. The driver returns the
// count again on the fill call; a mismatch between the two is a consistency
// failure in the driver and is fatal, not retryable.
func enumerate[T any](what string, count func() (int, Status), fill func([]T) (int, Status)) ([]T, error) {
	n, st := count()
	if err := statusErr("counting "+what, st); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	dst := make([]T, n)
	filled, st := fill(dst)
	if err := statusErr("enumerating "+what, st); err != nil {
		return nil, err
	}
	if filled != n {
		return nil, fmt.Errorf("%s: got %d of %d: %w", what, filled, n, ErrEnumerationMismatch)
	}
	return dst, nil
}

// codecCaps is everything the catalog records about one codec.
type codecCaps struct {
	profiles []GUID
	presets  []GUID
	formats  []BufferFormat
	limits   map[CapsParam]int
}

// Catalog is the capability catalog of one device/driver combination:
// which codecs exist, and per codec the profiles, presets, input formats
// and scalar limits. It is built once against an open session and is
// read-only afterward, so it may be shared freely across goroutines.
// Every profile and preset it returns is valid to pass back into session
// initialization for the same codec.
type Catalog struct {
	codecs []GUID
	caps   map[GUID]*codecCaps
}

// BuildCatalog enumerates the full capability set through the given open
// session. The session's device context must be current on the calling
// goroutine.
func BuildCatalog(api EncodeAPI, sess SessionHandle) (*Catalog, error) {
	codecs, err := enumerate("codecs",
		func() (int, Status) { return api.EncodeGUIDCount(sess) },
		func(dst []GUID) (int, Status) { return api.EncodeGUIDs(sess, dst) },
	)
	if err != nil {
		return nil, err
	}
	c := &Catalog{codecs: codecs, caps: make(map[GUID]*codecCaps, len(codecs))}
	for _, codec := range codecs {
		codec := codec
		cc := &codecCaps{limits: make(map[CapsParam]int, len(allCaps))}
		cc.profiles, err = enumerate("profiles for "+codec.Name(),
			func() (int, Status) { return api.ProfileGUIDCount(sess, codec) },
			func(dst []GUID) (int, Status) { return api.ProfileGUIDs(sess, codec, dst) },
		)
		if err != nil {
			return nil, err
		}
		cc.presets, err = enumerate("presets for "+codec.Name(),
			func() (int, Status) { return api.PresetGUIDCount(sess, codec) },
			func(dst []GUID) (int, Status) { return api.PresetGUIDs(sess, codec, dst) },
		)
		if err != nil {
			return nil, err
		}
		cc.formats, err = enumerate("input formats for "+codec.Name(),
			func() (int, Status) { return api.InputFormatCount(sess, codec) },
			func(dst []BufferFormat) (int, Status) { return api.InputFormats(sess, codec, dst) },
		)
		if err != nil {
			return nil, err
		}
		for _, p := range allCaps {
			v, st := api.Caps(sess, codec, p)
			if err := statusErr(fmt.Sprintf("querying %s for %s", p, codec.Name()), st); err != nil {
				return nil, err
			}
			cc.limits[p] = v
		}
		c.caps[codec] = cc
	}
	return c, nil
}

// Codecs returns the codec descriptors the device supports.
func (c *Catalog) Codecs() []GUID {
	return slices.Clone(c.codecs)
}

// HasCodec reports whether the codec is supported.
func (c *Catalog) HasCodec(codec GUID) bool {
	_, ok := c.caps[codec]
	return ok
}

// Profiles returns the profile descriptors for a codec.
func (c *Catalog) Profiles(codec GUID) []GUID {
	if cc, ok := c.caps[codec]; ok {
		return slices.Clone(cc.profiles)
	}
	return nil
}

// Presets returns the preset descriptors for a codec.
func (c *Catalog) Presets(codec GUID) []GUID {
	if cc, ok := c.caps[codec]; ok {
		return slices.Clone(cc.presets)
	}
	return nil
}

// InputFormats returns the input pixel formats accepted for a codec.
func (c *Catalog) InputFormats(codec GUID) []BufferFormat {
	if cc, ok := c.caps[codec]; ok {
		return slices.Clone(cc.formats)
	}
	return nil
}

// Limit returns a scalar capability for a codec, 0 when unknown.
func (c *Catalog) Limit(codec GUID, param CapsParam) int {
	if cc, ok := c.caps[codec]; ok {
		return cc.limits[param]
	}
	return 0
}

// SupportsProfile reports whether the codec/profile pair was enumerated.
func (c *Catalog) SupportsProfile(codec, profile GUID) bool {
	return slices.Contains(c.Profiles(codec), profile)
}

// SupportsFormat reports whether the codec accepts the input format.
func (c *Catalog) SupportsFormat(codec GUID, format BufferFormat) bool {
	return slices.Contains(c.InputFormats(codec), format)
}

// lowLatencyPresets is the fixed preference order for preset selection.
// Quality first, then the balanced preset, then performance.
var lowLatencyPresets = []GUID{
	PresetLowLatencyHQ,
	PresetLowLatency,
	PresetLowLatencyHP,
}

// SelectPreset picks the best low-latency preset the codec offers. There is
// deliberately no fallback to a non-low-latency preset: substituting one
// would silently change the latency contract the caller depends on, so the
// absence of all three is ErrNoLowLatencyPreset.
func (c *Catalog) SelectPreset(codec GUID) (GUID, error) {
	available := c.Presets(codec)
	for _, p := range lowLatencyPresets {
		if slices.Contains(available, p) {
			return p, nil
		}
	}
	return GUID{}, fmt.Errorf("codec %s: %w", codec.Name(), ErrNoLowLatencyPreset)
}
