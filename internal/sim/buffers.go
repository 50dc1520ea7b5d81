package sim

import (
	"github.com/streamforge/hwenc/internal/nvenc"
)

// regionRows returns the number of pitch-sized rows the locked input region
// holds for a format at the (already aligned) buffer height.
func regionRows(format nvenc.BufferFormat, height int) int {
	switch format {
	case nvenc.FormatNV12:
		return height * 3 / 2
	case nvenc.FormatYV12, nvenc.FormatIYUV:
		return height * 2
	case nvenc.FormatYUV444:
		return height * 3
	default: // ARGB
		return height
	}
}

func rowBytes(format nvenc.BufferFormat, width int) int {
	if format == nvenc.FormatARGB {
		return width * 4
	}
	return width
}

// CreateInputBuffer implements nvenc.EncodeAPI. The row pitch deliberately
// exceeds the logical row width so clients that assume pitch == width break
// here before they break on hardware.
func (d *Driver) CreateInputBuffer(s nvenc.SessionHandle, width, height int, format nvenc.BufferFormat) (nvenc.InputHandle, nvenc.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, st := d.session(s)
	if st != nvenc.StatusSuccess {
		return 0, st
	}
	if !d.current(sess) {
		return 0, nvenc.StatusInvalidDevice
	}
	if width <= 0 || height <= 0 {
		return 0, nvenc.StatusInvalidParam
	}
	if rowBytes(format, width) == 0 {
		return 0, nvenc.StatusUnsupportedParam
	}
	pitch := rowBytes(format, width) + pitchSlack
	h := nvenc.InputHandle(d.handle())
	d.inputs[h] = &simInputBuffer{
		session: s,
		data:    make([]byte, pitch*regionRows(format, height)),
		pitch:   pitch,
	}
	d.counters.InputBuffersCreated++
	return h, nvenc.StatusSuccess
}

// DestroyInputBuffer implements nvenc.EncodeAPI.
func (d *Driver) DestroyInputBuffer(s nvenc.SessionHandle, h nvenc.InputHandle) nvenc.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.inputs[h]
	if !ok || buf.session != s {
		return nvenc.StatusInvalidParam
	}
	if buf.locked {
		return nvenc.StatusLockBusy
	}
	delete(d.inputs, h)
	d.counters.InputBuffersDestroyed++
	return nvenc.StatusSuccess
}

// CreateBitstreamBuffer implements nvenc.EncodeAPI.
func (d *Driver) CreateBitstreamBuffer(s nvenc.SessionHandle, capacity int) (nvenc.OutputHandle, nvenc.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, st := d.session(s)
	if st != nvenc.StatusSuccess {
		return 0, st
	}
	if !d.current(sess) {
		return 0, nvenc.StatusInvalidDevice
	}
	if capacity <= 0 {
		return 0, nvenc.StatusInvalidParam
	}
	h := nvenc.OutputHandle(d.handle())
	d.outputs[h] = &simOutputBuffer{session: s, capacity: capacity}
	d.counters.BitstreamBuffersCreated++
	return h, nvenc.StatusSuccess
}

// DestroyBitstreamBuffer implements nvenc.EncodeAPI.
func (d *Driver) DestroyBitstreamBuffer(s nvenc.SessionHandle, h nvenc.OutputHandle) nvenc.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.outputs[h]
	if !ok || buf.session != s {
		return nvenc.StatusInvalidParam
	}
	if buf.locked {
		return nvenc.StatusLockBusy
	}
	delete(d.outputs, h)
	d.counters.BitstreamBuffersDestroyed++
	return nvenc.StatusSuccess
}

// LockInputBuffer implements nvenc.EncodeAPI.
func (d *Driver) LockInputBuffer(s nvenc.SessionHandle, h nvenc.InputHandle, wait bool) ([]byte, int, nvenc.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.inputs[h]
	if !ok || buf.session != s {
		return nil, 0, nvenc.StatusInvalidParam
	}
	if d.cfg.InputLockBusy > 0 && !wait {
		d.cfg.InputLockBusy--
		return nil, 0, nvenc.StatusLockBusy
	}
	if buf.locked {
		return nil, 0, nvenc.StatusLockBusy
	}
	buf.locked = true
	d.counters.InputLocks++
	return buf.data, buf.pitch, nvenc.StatusSuccess
}

// UnlockInputBuffer implements nvenc.EncodeAPI.
func (d *Driver) UnlockInputBuffer(s nvenc.SessionHandle, h nvenc.InputHandle) nvenc.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.inputs[h]
	if !ok || buf.session != s || !buf.locked {
		return nvenc.StatusInvalidParam
	}
	buf.locked = false
	d.counters.InputUnlocks++
	return nvenc.StatusSuccess
}

// LockBitstream implements nvenc.EncodeAPI.
func (d *Driver) LockBitstream(s nvenc.SessionHandle, h nvenc.OutputHandle, wait bool) (nvenc.BitstreamLock, nvenc.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.outputs[h]
	if !ok || buf.session != s {
		return nvenc.BitstreamLock{}, nvenc.StatusInvalidParam
	}
	sess, st := d.session(s)
	if st != nvenc.StatusSuccess {
		return nvenc.BitstreamLock{}, st
	}
	if d.cfg.BitstreamLockBusy > 0 && !wait {
		d.cfg.BitstreamLockBusy--
		return nvenc.BitstreamLock{}, nvenc.StatusLockBusy
	}
	if buf.locked {
		return nvenc.BitstreamLock{}, nvenc.StatusLockBusy
	}
	if sess.pending == nil {
		return nvenc.BitstreamLock{}, nvenc.StatusInvalidParam
	}
	buf.locked = true
	d.counters.BitstreamLocks++
	p := sess.pending
	sess.pending = nil
	return nvenc.BitstreamLock{
		Data:        p.data,
		PictureType: p.pictureType,
		FrameIndex:  p.frameIndex,
	}, nvenc.StatusSuccess
}

// UnlockBitstream implements nvenc.EncodeAPI.
func (d *Driver) UnlockBitstream(s nvenc.SessionHandle, h nvenc.OutputHandle) nvenc.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.outputs[h]
	if !ok || buf.session != s || !buf.locked {
		return nvenc.StatusInvalidParam
	}
	buf.locked = false
	d.counters.BitstreamUnlocks++
	return nvenc.StatusSuccess
}

// EncodePicture implements nvenc.EncodeAPI.
func (d *Driver) EncodePicture(s nvenc.SessionHandle, pic nvenc.PictureParams) nvenc.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, st := d.session(s)
	if st != nvenc.StatusSuccess {
		return st
	}
	if !sess.initialized {
		return nvenc.StatusEncoderNotInitialized
	}
	if !d.current(sess) {
		return nvenc.StatusInvalidDevice
	}
	if pic.Flags&nvenc.FlagEOS != 0 {
		sess.pending = nil
		d.counters.FlushesSubmitted++
		return nvenc.StatusSuccess
	}
	if d.cfg.ForceEncodeStatus != nvenc.StatusSuccess {
		return d.cfg.ForceEncodeStatus
	}
	if d.cfg.EncodeBusy > 0 {
		d.cfg.EncodeBusy--
		return nvenc.StatusEncoderBusy
	}
	in, ok := d.inputs[pic.Input]
	if !ok || in.session != s {
		return nvenc.StatusInvalidParam
	}
	if in.locked {
		// The client must hand ownership back before submitting.
		return nvenc.StatusInvalidCall
	}
	out, ok := d.outputs[pic.Output]
	if !ok || out.session != s || out.locked {
		return nvenc.StatusInvalidParam
	}
	d.counters.PicturesSubmitted++
	d.submits++
	if n := d.cfg.NeedMoreInputEvery; n > 0 && d.submits%n == 0 {
		sess.frameIndex++
		return nvenc.StatusNeedMoreInput
	}

	idr := pic.Type == nvenc.PictureTypeIDR ||
		pic.Flags&nvenc.FlagForceIDR != 0 ||
		sess.frameIndex == 0
	fps := sess.params.FrameRateNum
	if fps <= 0 {
		fps = 30
	}
	sliceBytes := int(pic.RateControl.AverageBitrate) / 8 / fps
	data, err := synthAccessUnit(sess.params.Codec, idr, pic.FrameIndex, sliceBytes)
	if err != nil {
		return nvenc.StatusGeneric
	}
	if len(data) > out.capacity {
		return nvenc.StatusNotEnoughBuffer
	}
	pt := nvenc.PictureTypeP
	if idr {
		pt = nvenc.PictureTypeIDR
	}
	sess.pending = &pendingOutput{data: data, pictureType: pt, frameIndex: pic.FrameIndex}
	sess.frameIndex++
	return nvenc.StatusSuccess
}
