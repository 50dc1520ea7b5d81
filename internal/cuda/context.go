package cuda

import (
	"fmt"
	"log/slog"
	"sync"
)

// MinCompute is the minimum compute capability (3.0) a device must report
// before a context is created on it.
const MinCompute = 0x30

// Context owns one driver compute context. Exactly one encoder session uses
// a Context at a time, and every driver call the session makes must be
// bracketed by Push/Pop on the calling goroutine. A plain mutex enforces
// single-goroutine use; Push fails fast with ErrContextBusy instead of
// queueing, matching the "never drive one session from two threads"
// contract.
type Context struct {
	api    API
	device DeviceInfo
	log    *slog.Logger

	mu        sync.Mutex
	handle    ContextHandle
	destroyed bool
}

// NewContext creates a compute context on the given device. The device must
// carry the encode feature and a recent enough compute capability; both
// checks are fatal at creation time.
func NewContext(api API, dev DeviceInfo, log *slog.Logger) (*Context, error) {
	if log == nil {
		log = slog.Default()
	}
	if !dev.CanEncode {
		return nil, fmt.Errorf("device %d (%s): %w", dev.Ordinal, dev.Name, ErrNoEncodeSupport)
	}
	if dev.Compute() < MinCompute {
		return nil, fmt.Errorf("device %d compute %#x: %w", dev.Ordinal, dev.Compute(), ErrComputeTooOld)
	}
	h, err := api.CreateContext(dev.Ordinal)
	if err != nil {
		return nil, fmt.Errorf("creating context on device %d: %w", dev.Ordinal, err)
	}
	log.Debug("compute context created",
		slog.Int("device", dev.Ordinal),
		slog.String("name", dev.Name),
	)
	return &Context{api: api, device: dev, log: log, handle: h}, nil
}

// Device returns the device this context was created on.
func (c *Context) Device() DeviceInfo { return c.device }

// Handle returns the raw driver handle, for handing to the encode API.
func (c *Context) Handle() ContextHandle { return c.handle }

// Push makes the context current on the calling goroutine. It fails with
// ErrContextBusy when another goroutine holds the context.
func (c *Context) Push() error {
	if !c.mu.TryLock() {
		return ErrContextBusy
	}
	if c.destroyed {
		c.mu.Unlock()
		return ErrContextDestroyed
	}
	if err := c.api.PushContext(c.handle); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("pushing context: %w", err)
	}
	return nil
}

// Pop removes the context from the calling goroutine. Must pair with a
// successful Push.
func (c *Context) Pop() {
	if err := c.api.PopContext(c.handle); err != nil {
		c.log.Warn("popping compute context failed", slog.String("error", err.Error()))
	}
	c.mu.Unlock()
}

// With runs fn with the context current, popping on every exit path.
func (c *Context) With(fn func() error) error {
	if err := c.Push(); err != nil {
		return err
	}
	defer c.Pop()
	return fn()
}

// Free destroys the context. Valid only once no session or buffer created
// against it remains live. Idempotent.
func (c *Context) Free() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil
	}
	c.destroyed = true
	if err := c.api.DestroyContext(c.handle); err != nil {
		return fmt.Errorf("destroying context on device %d: %w", c.device.Ordinal, err)
	}
	c.log.Debug("compute context destroyed", slog.Int("device", c.device.Ordinal))
	return nil
}
