package nvenc

import "fmt"

// bufferAlignment is the hardware alignment boundary input dimensions are
// rounded up to.
const bufferAlignment = 32

// DefaultOutputCapacity is the practical ceiling for one encoded frame.
const DefaultOutputCapacity = 1024 * 1024

// alignUp rounds n up to the next multiple of bufferAlignment.
func alignUp(n int) int {
	return (n + bufferAlignment - 1) &^ (bufferAlignment - 1)
}

// InputBuffer is the single raw-pixel buffer of a session. The memory is
// only reachable between a matched Lock/Unlock pair; the lock state is
// tracked so a missing or doubled unlock fails loudly instead of corrupting
// hardware state.
type InputBuffer struct {
	api     EncodeAPI
	sess    SessionHandle
	handle  InputHandle
	width   int // aligned
	height  int // aligned
	format  BufferFormat
	locked  bool
	freed   bool
}

// allocateInput creates the session's input buffer, sized to the encode
// dimensions rounded up to the hardware alignment boundary.
func allocateInput(api EncodeAPI, sess SessionHandle, width, height int, format BufferFormat) (*InputBuffer, error) {
	w, h := alignUp(width), alignUp(height)
	handle, st := api.CreateInputBuffer(sess, w, h, format)
	if err := statusErr("creating input buffer", st); err != nil {
		return nil, err
	}
	return &InputBuffer{api: api, sess: sess, handle: handle, width: w, height: h, format: format}, nil
}

// Lock returns the writable pixel region and its row pitch. With wait=false
// the call fails with ErrLockBusy while the hardware still owns the buffer.
func (b *InputBuffer) Lock(wait bool) ([]byte, int, error) {
	if b.locked {
		return nil, 0, fmt.Errorf("input buffer already locked: %w", ErrBufferLockState)
	}
	data, pitch, st := b.api.LockInputBuffer(b.sess, b.handle, wait)
	if err := statusErr("locking input buffer", st); err != nil {
		return nil, 0, err
	}
	b.locked = true
	return data, pitch, nil
}

// Unlock releases the lock. Must be called exactly once per successful
// Lock, on every exit path.
func (b *InputBuffer) Unlock() error {
	if !b.locked {
		return fmt.Errorf("input buffer not locked: %w", ErrBufferLockState)
	}
	b.locked = false
	return statusErr("unlocking input buffer", b.api.UnlockInputBuffer(b.sess, b.handle))
}

// Free destroys the buffer. Only valid with no lock outstanding, and must
// happen before the owning session's device context is destroyed.
func (b *InputBuffer) Free() error {
	if b.freed {
		return nil
	}
	if b.locked {
		return fmt.Errorf("freeing locked input buffer: %w", ErrBufferLockState)
	}
	b.freed = true
	return statusErr("destroying input buffer", b.api.DestroyInputBuffer(b.sess, b.handle))
}

// Width returns the aligned buffer width.
func (b *InputBuffer) Width() int { return b.width }

// Height returns the aligned buffer height.
func (b *InputBuffer) Height() int { return b.height }

// Handle returns the driver handle for picture submission.
func (b *InputBuffer) Handle() InputHandle { return b.handle }

// OutputBuffer is the single fixed-capacity bitstream buffer of a session.
type OutputBuffer struct {
	api      EncodeAPI
	sess     SessionHandle
	handle   OutputHandle
	capacity int
	locked   bool
	freed    bool
}

// allocateOutput creates the session's bitstream buffer.
func allocateOutput(api EncodeAPI, sess SessionHandle, capacity int) (*OutputBuffer, error) {
	if capacity <= 0 {
		capacity = DefaultOutputCapacity
	}
	handle, st := api.CreateBitstreamBuffer(sess, capacity)
	if err := statusErr("creating bitstream buffer", st); err != nil {
		return nil, err
	}
	return &OutputBuffer{api: api, sess: sess, handle: handle, capacity: capacity}, nil
}

// Lock returns the encoded bytes for the last submitted frame.
func (b *OutputBuffer) Lock(wait bool) (BitstreamLock, error) {
	if b.locked {
		return BitstreamLock{}, fmt.Errorf("bitstream buffer already locked: %w", ErrBufferLockState)
	}
	lock, st := b.api.LockBitstream(b.sess, b.handle, wait)
	if err := statusErr("locking bitstream buffer", st); err != nil {
		return BitstreamLock{}, err
	}
	b.locked = true
	return lock, nil
}

// Unlock releases the lock. Same obligation as InputBuffer.Unlock.
func (b *OutputBuffer) Unlock() error {
	if !b.locked {
		return fmt.Errorf("bitstream buffer not locked: %w", ErrBufferLockState)
	}
	b.locked = false
	return statusErr("unlocking bitstream buffer", b.api.UnlockBitstream(b.sess, b.handle))
}

// Free destroys the buffer. Only valid with no lock outstanding.
func (b *OutputBuffer) Free() error {
	if b.freed {
		return nil
	}
	if b.locked {
		return fmt.Errorf("freeing locked bitstream buffer: %w", ErrBufferLockState)
	}
	b.freed = true
	return statusErr("destroying bitstream buffer", b.api.DestroyBitstreamBuffer(b.sess, b.handle))
}

// Capacity returns the buffer capacity in bytes.
func (b *OutputBuffer) Capacity() int { return b.capacity }

// Handle returns the driver handle for picture submission.
func (b *OutputBuffer) Handle() OutputHandle { return b.handle }
