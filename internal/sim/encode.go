package sim

import (
	"github.com/streamforge/hwenc/internal/cuda"
	"github.com/streamforge/hwenc/internal/nvenc"
)

const (
	maxDimension = 4096
	pitchSlack   = 64
	contextSlab  = 256 << 20
)

func (d *Driver) codecs() []nvenc.GUID {
	return []nvenc.GUID{nvenc.CodecH264, nvenc.CodecHEVC}
}

func (d *Driver) profiles(codec nvenc.GUID) []nvenc.GUID {
	switch codec {
	case nvenc.CodecH264:
		return []nvenc.GUID{nvenc.ProfileH264Baseline, nvenc.ProfileH264Main, nvenc.ProfileH264High}
	case nvenc.CodecHEVC:
		return []nvenc.GUID{nvenc.ProfileHEVCMain}
	default:
		return nil
	}
}

func (d *Driver) presets(codec nvenc.GUID) []nvenc.GUID {
	switch codec {
	case nvenc.CodecH264, nvenc.CodecHEVC:
	default:
		return nil
	}
	presets := []nvenc.GUID{nvenc.PresetDefault, nvenc.PresetHQ, nvenc.PresetHP}
	if !d.cfg.DisableLowLatencyPresets {
		presets = append(presets,
			nvenc.PresetLowLatency, nvenc.PresetLowLatencyHQ, nvenc.PresetLowLatencyHP)
	}
	return presets
}

func (d *Driver) formats(codec nvenc.GUID) []nvenc.BufferFormat {
	switch codec {
	case nvenc.CodecH264, nvenc.CodecHEVC:
		return []nvenc.BufferFormat{nvenc.FormatNV12, nvenc.FormatYV12, nvenc.FormatIYUV, nvenc.FormatARGB}
	default:
		return nil
	}
}

// fillCount adjusts a fill call's returned element count for the configured
// enumeration skew.
func (d *Driver) fillCount(n int) int {
	if d.cfg.EnumerationSkew && n > 0 {
		return n - 1
	}
	return n
}

// --- nvenc.EncodeAPI ---

// MaxSupportedVersion implements nvenc.EncodeAPI.
func (d *Driver) MaxSupportedVersion() (uint32, nvenc.Status) {
	return d.cfg.APIVersion, nvenc.StatusSuccess
}

// OpenSession implements nvenc.EncodeAPI.
func (d *Driver) OpenSession(ctx cuda.ContextHandle, version uint32) (nvenc.SessionHandle, nvenc.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contexts[ctx]
	if !ok {
		return 0, nvenc.StatusInvalidDevice
	}
	if c.pushed == 0 {
		return 0, nvenc.StatusInvalidDevice
	}
	if version > d.cfg.APIVersion {
		return 0, nvenc.StatusInvalidVersion
	}
	h := nvenc.SessionHandle(d.handle())
	d.sessions[h] = &simSession{ctx: ctx}
	d.counters.SessionsOpened++
	return h, nvenc.StatusSuccess
}

// DestroySession implements nvenc.EncodeAPI.
func (d *Driver) DestroySession(s nvenc.SessionHandle) nvenc.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[s]; !ok {
		return nvenc.StatusEncoderNotInitialized
	}
	for _, b := range d.inputs {
		if b.session == s {
			return nvenc.StatusInvalidCall
		}
	}
	for _, b := range d.outputs {
		if b.session == s {
			return nvenc.StatusInvalidCall
		}
	}
	delete(d.sessions, s)
	d.counters.SessionsDestroyed++
	return nvenc.StatusSuccess
}

func (d *Driver) session(s nvenc.SessionHandle) (*simSession, nvenc.Status) {
	sess, ok := d.sessions[s]
	if !ok {
		return nil, nvenc.StatusEncoderNotInitialized
	}
	return sess, nvenc.StatusSuccess
}

// EncodeGUIDCount implements nvenc.EncodeAPI.
func (d *Driver) EncodeGUIDCount(s nvenc.SessionHandle) (int, nvenc.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, st := d.session(s); st != nvenc.StatusSuccess {
		return 0, st
	}
	return len(d.codecs()), nvenc.StatusSuccess
}

// EncodeGUIDs implements nvenc.EncodeAPI.
func (d *Driver) EncodeGUIDs(s nvenc.SessionHandle, dst []nvenc.GUID) (int, nvenc.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, st := d.session(s); st != nvenc.StatusSuccess {
		return 0, st
	}
	n := copy(dst, d.codecs())
	return d.fillCount(n), nvenc.StatusSuccess
}

// ProfileGUIDCount implements nvenc.EncodeAPI.
func (d *Driver) ProfileGUIDCount(s nvenc.SessionHandle, codec nvenc.GUID) (int, nvenc.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, st := d.session(s); st != nvenc.StatusSuccess {
		return 0, st
	}
	return len(d.profiles(codec)), nvenc.StatusSuccess
}

// ProfileGUIDs implements nvenc.EncodeAPI.
func (d *Driver) ProfileGUIDs(s nvenc.SessionHandle, codec nvenc.GUID, dst []nvenc.GUID) (int, nvenc.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, st := d.session(s); st != nvenc.StatusSuccess {
		return 0, st
	}
	n := copy(dst, d.profiles(codec))
	return d.fillCount(n), nvenc.StatusSuccess
}

// PresetGUIDCount implements nvenc.EncodeAPI.
func (d *Driver) PresetGUIDCount(s nvenc.SessionHandle, codec nvenc.GUID) (int, nvenc.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, st := d.session(s); st != nvenc.StatusSuccess {
		return 0, st
	}
	return len(d.presets(codec)), nvenc.StatusSuccess
}

// PresetGUIDs implements nvenc.EncodeAPI.
func (d *Driver) PresetGUIDs(s nvenc.SessionHandle, codec nvenc.GUID, dst []nvenc.GUID) (int, nvenc.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, st := d.session(s); st != nvenc.StatusSuccess {
		return 0, st
	}
	n := copy(dst, d.presets(codec))
	return d.fillCount(n), nvenc.StatusSuccess
}

// InputFormatCount implements nvenc.EncodeAPI.
func (d *Driver) InputFormatCount(s nvenc.SessionHandle, codec nvenc.GUID) (int, nvenc.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, st := d.session(s); st != nvenc.StatusSuccess {
		return 0, st
	}
	return len(d.formats(codec)), nvenc.StatusSuccess
}

// InputFormats implements nvenc.EncodeAPI.
func (d *Driver) InputFormats(s nvenc.SessionHandle, codec nvenc.GUID, dst []nvenc.BufferFormat) (int, nvenc.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, st := d.session(s); st != nvenc.StatusSuccess {
		return 0, st
	}
	n := copy(dst, d.formats(codec))
	return d.fillCount(n), nvenc.StatusSuccess
}

// Caps implements nvenc.EncodeAPI.
func (d *Driver) Caps(s nvenc.SessionHandle, codec nvenc.GUID, param nvenc.CapsParam) (int, nvenc.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, st := d.session(s); st != nvenc.StatusSuccess {
		return 0, st
	}
	if len(d.profiles(codec)) == 0 {
		return 0, nvenc.StatusInvalidParam
	}
	switch param {
	case nvenc.CapsWidthMax, nvenc.CapsHeightMax:
		return maxDimension, nvenc.StatusSuccess
	case nvenc.CapsMaxRefFrames:
		return 4, nvenc.StatusSuccess
	case nvenc.CapsAsyncEncode:
		return 1, nvenc.StatusSuccess
	default:
		return 0, nvenc.StatusUnsupportedParam
	}
}

// Initialize implements nvenc.EncodeAPI.
func (d *Driver) Initialize(s nvenc.SessionHandle, params nvenc.InitParams) nvenc.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, st := d.session(s)
	if st != nvenc.StatusSuccess {
		return st
	}
	if len(d.profiles(params.Codec)) == 0 {
		return nvenc.StatusUnsupportedParam
	}
	if params.Width <= 0 || params.Height <= 0 ||
		params.Width > maxDimension || params.Height > maxDimension {
		return nvenc.StatusInvalidParam
	}
	if params.EnableAsync {
		// The simulated hardware advertises async caps but has no event
		// plumbing to honour them.
		return nvenc.StatusUnsupportedParam
	}
	sess.initialized = true
	sess.params = params
	return nvenc.StatusSuccess
}
