package nvenc

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/streamforge/hwenc/internal/cuda"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateCreated State = iota
	StateInitialized
	StateEncoding
	StateFlushed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateEncoding:
		return "encoding"
	case StateFlushed:
		return "flushed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Default retry policy for busy statuses.
const (
	DefaultRetryAttempts = 8
	DefaultRetryDelay    = 2 * time.Millisecond
)

// Options configures InitContext. The zero value selects an H.264 session
// on the best available device with VBR rate control.
type Options struct {
	// Device pins a device ordinal; negative selects automatically.
	Device int
	// Codec is "h264" (default), "hevc", or a canonical codec GUID.
	Codec string
	// Profile optionally pins a profile by well-known name or canonical
	// GUID text; empty picks the first profile the catalog offers.
	Profile string
	// Bitrate / MaxBitrate in bits per second; zero uses a default
	// derived from the frame dimensions.
	Bitrate    uint32
	MaxBitrate uint32
	// FPS defaults to 30.
	FPS int
	// OutputCapacity bounds one encoded frame; zero means
	// DefaultOutputCapacity.
	OutputCapacity int
	// RetryAttempts / RetryDelay bound the busy-retry loop; zero means
	// the package defaults.
	RetryAttempts int
	RetryDelay    time.Duration

	// Registry supplies device selection; nil builds a fresh one with no
	// preferences.
	Registry *cuda.Registry
	Prefs    cuda.Prefs
	Logger   *slog.Logger
}

// Output is the result of one CompressImage call.
type Output struct {
	// Data is the encoded bitstream for one frame. Nil with a nil error
	// means the hardware absorbed the input without producing output
	// (only possible with frame reordering, which is disabled).
	Data       []byte
	Keyframe   bool
	FrameIndex uint64
	Size       int
	Duration   time.Duration
}

// SessionInfo is the read-only description of an open session.
type SessionInfo struct {
	ID      string `json:"id"`
	Device  int    `json:"device"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Format  string `json:"format"`
	Codec   string `json:"codec"`
	Profile string `json:"profile"`
	Preset  string `json:"preset"`
	State   string `json:"state"`
	Frames  uint64 `json:"frames"`
}

// Session drives one hardware encoder: Created, Initialized, Encoding,
// Flushed, Closed. Encode calls are strictly serialized; the session owns
// its device context, its input buffer and its output buffer exclusively.
type Session struct {
	id      ulid.ULID
	log     *slog.Logger
	api     EncodeAPI
	ctx     *cuda.Context
	ownsCtx bool

	handle  SessionHandle
	catalog *Catalog
	codec   GUID
	profile GUID
	preset  GUID
	format  BufferFormat

	width, height int
	in            *InputBuffer
	out           *OutputBuffer
	rc            RateControl
	codecCfg      CodecConfig

	retryAttempts int
	retryDelay    time.Duration

	mu         sync.Mutex
	state      State
	frameCount uint64
}

// InitContext selects a device, creates its compute context, negotiates
// codec/profile/preset against the capability catalog, opens the vendor
// session and allocates both buffers. Any failure along the way unwinds
// completely: the caller either gets an Encoding-ready session or no
// residual state at all.
func InitContext(drv Driver, width, height int, format BufferFormat, opts Options) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "nvenc"))

	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrConfiguration, width, height)
	}
	codec := CodecH264
	if opts.Codec != "" {
		var err error
		if codec, err = ParseCodec(opts.Codec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}

	reg := opts.Registry
	if reg == nil {
		reg = cuda.NewRegistry(drv.Device(), opts.Prefs, log)
	}
	device, err := reg.Select(opts.Device)
	if err != nil {
		return nil, err
	}

	ctx, err := cuda.NewContext(drv.Device(), device, log)
	if err != nil {
		reg.RecordFailure(device.Ordinal)
		return nil, err
	}

	s := &Session{
		id:            ulid.Make(),
		log:           log.With(slog.Int("device", device.Ordinal)),
		api:           drv.Encode(),
		ctx:           ctx,
		ownsCtx:       true,
		codec:         codec,
		format:        format,
		width:         width,
		height:        height,
		retryAttempts: opts.RetryAttempts,
		retryDelay:    opts.RetryDelay,
		state:         StateCreated,
	}
	s.log = s.log.With(slog.String("session", s.id.String()))
	if s.retryAttempts <= 0 {
		s.retryAttempts = DefaultRetryAttempts
	}
	if s.retryDelay <= 0 {
		s.retryDelay = DefaultRetryDelay
	}

	if err := ctx.With(func() error { return s.initialize(opts) }); err != nil {
		s.teardown()
		reg.RecordFailure(device.Ordinal)
		return nil, err
	}
	reg.RecordSuccess(device.Ordinal)
	s.log.Info("encoder session opened",
		slog.Int("width", width),
		slog.Int("height", height),
		slog.String("codec", s.codec.Name()),
		slog.String("profile", s.profile.Name()),
		slog.String("preset", s.preset.Name()),
		slog.String("format", s.format.String()),
	)
	return s, nil
}

// initialize runs the Created -> Initialized transition with the device
// context already current.
func (s *Session) initialize(opts Options) error {
	maxVer, st := s.api.MaxSupportedVersion()
	if err := statusErr("querying api version", st); err != nil {
		return err
	}
	if maxVer < APIVersion {
		return fmt.Errorf("%w: driver supports api %#x, need %#x", ErrConfiguration, maxVer, APIVersion)
	}

	handle, st := s.api.OpenSession(s.ctx.Handle(), APIVersion)
	if err := statusErr("opening encode session", st); err != nil {
		return err
	}
	s.handle = handle

	catalog, err := BuildCatalog(s.api, s.handle)
	if err != nil {
		return err
	}
	s.catalog = catalog

	if !catalog.HasCodec(s.codec) {
		return fmt.Errorf("%w: codec %s not supported by device", ErrConfiguration, s.codec.Name())
	}
	if err := s.pickProfile(opts.Profile); err != nil {
		return err
	}
	if s.preset, err = catalog.SelectPreset(s.codec); err != nil {
		return err
	}
	if !catalog.SupportsFormat(s.codec, s.format) {
		return fmt.Errorf("%w: input format %s not supported for %s",
			ErrConfiguration, s.format, s.codec.Name())
	}
	if maxW, maxH := catalog.Limit(s.codec, CapsWidthMax), catalog.Limit(s.codec, CapsHeightMax); s.width > maxW || s.height > maxH {
		return fmt.Errorf("%w: %dx%d exceeds device limit %dx%d",
			ErrConfiguration, s.width, s.height, maxW, maxH)
	}

	fps := opts.FPS
	if fps <= 0 {
		fps = 30
	}
	s.rc = rateControlFor(s.width, s.height, fps, opts.Bitrate, opts.MaxBitrate)
	if s.codecCfg, err = NewCodecConfig(s.codec); err != nil {
		return err
	}

	// Async completion is deliberately never requested, even when the
	// device advertises it: synchronous polling keeps the protocol
	// portable across platforms without event plumbing.
	st = s.api.Initialize(s.handle, InitParams{
		Codec:        s.codec,
		Profile:      s.profile,
		Preset:       s.preset,
		Width:        s.width,
		Height:       s.height,
		FrameRateNum: fps,
		FrameRateDen: 1,
		EnableAsync:  false,
		RateControl:  s.rc,
		CodecConfig:  s.codecCfg,
	})
	if err := statusErr("initializing encoder", st); err != nil {
		return err
	}

	if s.in, err = allocateInput(s.api, s.handle, s.width, s.height, s.format); err != nil {
		return err
	}
	if s.out, err = allocateOutput(s.api, s.handle, opts.OutputCapacity); err != nil {
		return err
	}
	s.state = StateInitialized
	return nil
}

// pickProfile validates a caller-supplied profile against the catalog, or
// picks the first enumerated profile when none is given. A combination the
// catalog does not list fails here; nothing is ever substituted silently.
func (s *Session) pickProfile(name string) error {
	profiles := s.catalog.Profiles(s.codec)
	if len(profiles) == 0 {
		return fmt.Errorf("%w: codec %s has no profiles", ErrConfiguration, s.codec.Name())
	}
	if name == "" {
		s.profile = profiles[0]
		return nil
	}
	want, err := parseProfile(name)
	if err != nil {
		return err
	}
	if !s.catalog.SupportsProfile(s.codec, want) {
		return fmt.Errorf("%w: profile %s not supported for codec %s",
			ErrConfiguration, want.Name(), s.codec.Name())
	}
	s.profile = want
	return nil
}

func parseProfile(s string) (GUID, error) {
	switch s {
	case "baseline":
		return ProfileH264Baseline, nil
	case "main":
		return ProfileH264Main, nil
	case "high":
		return ProfileH264High, nil
	case "hevc-main":
		return ProfileHEVCMain, nil
	case "auto":
		return ProfileAutoselect, nil
	}
	g, err := ParseGUID(s)
	if err != nil {
		return GUID{}, fmt.Errorf("%w: unknown profile %q", ErrConfiguration, s)
	}
	return g, nil
}

// rateControlFor derives a VBR policy: explicit bitrates win, otherwise the
// average scales with the pixel rate.
func rateControlFor(width, height, fps int, avg, max uint32) RateControl {
	if avg == 0 {
		// ~0.1 bit per pixel per frame, a sane interactive default.
		avg = uint32(width * height * fps / 10)
	}
	if max == 0 {
		max = avg * 2
	}
	return RateControl{Mode: RateControlVBR, AverageBitrate: avg, MaxBitrate: max}
}

// CompressImage encodes one frame. The caller supplies a tightly packed
// frame in the session's pixel format; the result carries the encoded
// bitstream and its metadata. Calls are strictly serialized per session.
func (s *Session) CompressImage(pixels []byte) (*Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateInitialized, StateEncoding:
	case StateClosed, StateFlushed:
		return nil, fmt.Errorf("compress on %s session: %w", s.state, ErrEncoderNotInitialized)
	default:
		return nil, fmt.Errorf("compress on %s session: %w", s.state, ErrEncoderNotInitialized)
	}

	start := time.Now()
	var out *Output
	err := s.ctx.With(func() error {
		var err error
		out, err = s.encodeFrame(pixels)
		return err
	})
	if err != nil {
		if IsRetryable(err) || errors.Is(err, cuda.ErrContextBusy) {
			// Promoted busy: the session stays Encoding, the caller may
			// feed the next frame.
			return nil, err
		}
		s.log.Error("fatal encode failure, closing session",
			slog.Uint64("frame", s.frameCount),
			slog.String("error", err.Error()),
		)
		s.closeLocked()
		return nil, err
	}
	s.state = StateEncoding
	if out != nil {
		out.Duration = time.Since(start)
	}
	return out, nil
}

// encodeFrame runs the lock/copy/submit/collect protocol for one frame with
// the device context current and the session mutex held.
func (s *Session) encodeFrame(pixels []byte) (*Output, error) {
	region, pitch, err := s.lockInputRetry()
	if err != nil {
		return nil, err
	}
	copyErr := copyFrame(region, pitch, pixels, s.format, s.width, s.height, s.in.Height())
	if err := s.in.Unlock(); err != nil {
		return nil, err
	}
	if copyErr != nil {
		return nil, copyErr
	}

	pic := PictureParams{
		Input:       s.in.Handle(),
		Output:      s.out.Handle(),
		Width:       s.width,
		Height:      s.height,
		Pitch:       pitch,
		Format:      s.format,
		Type:        PictureTypeP,
		FrameIndex:  s.frameCount,
		RateControl: s.rc,
		Codec:       s.codecCfg,
	}
	if s.frameCount == 0 {
		// The first frame of a session is always an IDR carrying its
		// parameter sets; every later frame predicts off the frame
		// immediately before it.
		pic.Type = PictureTypeIDR
		pic.Flags = FlagForceIDR | FlagOutputSPSPPS
	}

	err = s.retryBusy("submitting picture", func() error {
		return statusErr("submitting picture", s.api.EncodePicture(s.handle, pic))
	})
	if errors.Is(err, ErrNeedMoreInput) {
		// Only reachable when frame reordering is enabled, which this
		// client disables; treated as success with no output.
		s.frameCount++
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var lock BitstreamLock
	err = s.retryBusy("locking bitstream", func() error {
		var lerr error
		lock, lerr = s.out.Lock(false)
		return lerr
	})
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(lock.Data))
	copy(data, lock.Data)
	if err := s.out.Unlock(); err != nil {
		return nil, err
	}

	out := &Output{
		Data:       data,
		Keyframe:   lock.PictureType.Keyframe(),
		FrameIndex: s.frameCount,
		Size:       len(data),
	}
	s.frameCount++
	return out, nil
}

// lockInputRetry locks the input buffer without waiting, retrying busy
// statuses under the session retry policy.
func (s *Session) lockInputRetry() (region []byte, pitch int, err error) {
	err = s.retryBusy("locking input", func() error {
		var lerr error
		region, pitch, lerr = s.in.Lock(false)
		return lerr
	})
	return region, pitch, err
}

// retryBusy retries fn while it fails with a retryable status, up to the
// session's attempt bound with a small jittered delay. The last busy error
// is returned (promoted) once the bound is exhausted.
func (s *Session) retryBusy(op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		delay := s.retryDelay + time.Duration(rand.Int63n(int64(s.retryDelay)))
		s.log.Debug("encoder busy, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)
		time.Sleep(delay)
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, err)
}

// Flush submits the end-of-stream marker so the hardware drains buffered
// state. No further CompressImage calls are valid afterwards.
func (s *Session) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateInitialized, StateEncoding:
	case StateFlushed:
		return nil
	default:
		return fmt.Errorf("flush on %s session: %w", s.state, ErrEncoderNotInitialized)
	}
	err := s.ctx.With(func() error {
		return statusErr("flushing encoder", s.api.EncodePicture(s.handle, PictureParams{Flags: FlagEOS}))
	})
	if err != nil {
		return err
	}
	s.state = StateFlushed
	s.log.Debug("encoder flushed", slog.Uint64("frames", s.frameCount))
	return nil
}

// Clean tears the session down: output buffer, input buffer, vendor
// session, then the device context, in that order. Teardown is best-effort;
// individual release failures are logged and the remaining resources are
// still released. Safe to call any number of times.
func (s *Session) Clean() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.state == StateClosed {
		return
	}
	s.teardown()
	s.state = StateClosed
	s.log.Info("encoder session closed", slog.Uint64("frames", s.frameCount))
}

// teardown releases whatever was acquired, in reverse dependency order.
func (s *Session) teardown() {
	release := func(what string, err error) {
		if err != nil {
			s.log.Warn("teardown: releasing "+what+" failed", slog.String("error", err.Error()))
		}
	}
	if s.out != nil || s.in != nil || s.handle != 0 {
		err := s.ctx.With(func() error {
			if s.out != nil {
				release("bitstream buffer", s.out.Free())
				s.out = nil
			}
			if s.in != nil {
				release("input buffer", s.in.Free())
				s.in = nil
			}
			if s.handle != 0 {
				release("encode session", statusErr("destroying encode session", s.api.DestroySession(s.handle)))
				s.handle = 0
			}
			return nil
		})
		release("device context push", err)
	}
	if s.ownsCtx && s.ctx != nil {
		release("device context", s.ctx.Free())
	}
}

// Info returns the session description.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:      s.id.String(),
		Device:  s.ctx.Device().Ordinal,
		Width:   s.width,
		Height:  s.height,
		Format:  s.format.String(),
		Codec:   s.codec.Name(),
		Profile: s.profile.Name(),
		Preset:  s.preset.Name(),
		State:   s.state.String(),
		Frames:  s.frameCount,
	}
}

// Catalog exposes the capability catalog negotiated at open time. Read-only
// and safe to share.
func (s *Session) Catalog() *Catalog { return s.catalog }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
