package nvenc_test

import (
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/hwenc/internal/cuda"
	"github.com/streamforge/hwenc/internal/nvenc"
	"github.com/streamforge/hwenc/internal/sim"
)

const (
	testWidth  = 320
	testHeight = 240
)

func testFrame(t *testing.T, format nvenc.BufferFormat, seed byte) []byte {
	t.Helper()
	pixels := make([]byte, format.FrameSize(testWidth, testHeight))
	for i := range pixels {
		pixels[i] = byte(i) + seed
	}
	return pixels
}

func openSession(t *testing.T, drv *sim.Driver, opts nvenc.Options) *nvenc.Session {
	t.Helper()
	sess, err := nvenc.InitContext(drv, testWidth, testHeight, nvenc.FormatNV12, opts)
	require.NoError(t, err)
	t.Cleanup(sess.Clean)
	return sess
}

func TestSessionEncodeSequence(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	sess := openSession(t, drv, nvenc.Options{})

	assert.Equal(t, nvenc.StateInitialized, sess.State())

	for i := 0; i < 5; i++ {
		out, err := sess.CompressImage(testFrame(t, nvenc.FormatNV12, byte(i)))
		require.NoError(t, err, "frame %d", i)
		require.NotNil(t, out)

		assert.Equal(t, uint64(i), out.FrameIndex)
		assert.Equal(t, len(out.Data), out.Size)
		assert.NotEmpty(t, out.Data)

		var au h264.AnnexB
		require.NoError(t, au.Unmarshal(out.Data), "frame %d bitstream", i)

		if i == 0 {
			// First frame: IDR access unit carrying its parameter sets.
			assert.True(t, out.Keyframe)
			require.Len(t, au, 3)
			assert.Equal(t, h264.NALUTypeSPS, h264.NALUType(au[0][0]&0x1F))
			assert.Equal(t, h264.NALUTypePPS, h264.NALUType(au[1][0]&0x1F))
			assert.Equal(t, h264.NALUTypeIDR, h264.NALUType(au[2][0]&0x1F))
			assert.True(t, h264.IsRandomAccess(au))
		} else {
			assert.False(t, out.Keyframe, "frame %d", i)
			require.Len(t, au, 1)
			assert.Equal(t, h264.NALUTypeNonIDR, h264.NALUType(au[0][0]&0x1F))
		}
	}

	assert.Equal(t, nvenc.StateEncoding, sess.State())
	require.NoError(t, sess.Flush())
	assert.Equal(t, nvenc.StateFlushed, sess.State())

	// Flushed sessions accept no further frames.
	_, err := sess.CompressImage(testFrame(t, nvenc.FormatNV12, 0))
	assert.ErrorIs(t, err, nvenc.ErrEncoderNotInitialized)

	// Flush is idempotent.
	require.NoError(t, sess.Flush())

	sess.Clean()
	assert.Equal(t, nvenc.StateClosed, sess.State())
	sess.Clean() // no-op

	c := drv.Counters()
	assert.Zero(t, c.Active(), "driver resources leaked: %+v", c)
	assert.Equal(t, c.InputLocks, c.InputUnlocks)
	assert.Equal(t, c.BitstreamLocks, c.BitstreamUnlocks)
	assert.Equal(t, 5, c.BitstreamLocks)
	assert.Equal(t, 1, c.FlushesSubmitted)
}

func TestSessionHEVC(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	sess, err := nvenc.InitContext(drv, testWidth, testHeight, nvenc.FormatNV12, nvenc.Options{
		Codec: "hevc",
	})
	require.NoError(t, err)
	defer sess.Clean()

	out, err := sess.CompressImage(testFrame(t, nvenc.FormatNV12, 0))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.Keyframe)
	assert.Equal(t, []byte{0, 0, 0, 1}, out.Data[:4])

	info := sess.Info()
	assert.Equal(t, "hevc", info.Codec)
	assert.Equal(t, "hevc-main", info.Profile)
}

func TestSessionInfo(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	sess := openSession(t, drv, nvenc.Options{Profile: "high"})

	info := sess.Info()
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, 0, info.Device)
	assert.Equal(t, testWidth, info.Width)
	assert.Equal(t, testHeight, info.Height)
	assert.Equal(t, "NV12", info.Format)
	assert.Equal(t, "h264", info.Codec)
	assert.Equal(t, "high", info.Profile)
	assert.Equal(t, "low-latency-hq", info.Preset)
	assert.Equal(t, "initialized", info.State)
}

func TestSessionCatalog(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	sess := openSession(t, drv, nvenc.Options{})

	cat := sess.Catalog()
	assert.Len(t, cat.Codecs(), 2)
	assert.True(t, cat.HasCodec(nvenc.CodecH264))
	assert.True(t, cat.HasCodec(nvenc.CodecHEVC))
	assert.Len(t, cat.Profiles(nvenc.CodecH264), 3)
	assert.True(t, cat.SupportsProfile(nvenc.CodecH264, nvenc.ProfileH264Baseline))
	assert.False(t, cat.SupportsProfile(nvenc.CodecH264, nvenc.ProfileHEVCMain))
	assert.True(t, cat.SupportsFormat(nvenc.CodecH264, nvenc.FormatNV12))
	assert.False(t, cat.SupportsFormat(nvenc.CodecH264, nvenc.FormatYUV444))
	assert.Equal(t, 4096, cat.Limit(nvenc.CodecH264, nvenc.CapsWidthMax))
	assert.Equal(t, 4096, cat.Limit(nvenc.CodecH264, nvenc.CapsHeightMax))

	// Preset policy prefers the low-latency HQ preset.
	preset, err := cat.SelectPreset(nvenc.CodecH264)
	require.NoError(t, err)
	assert.Equal(t, nvenc.PresetLowLatencyHQ, preset)
}

func TestSessionConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*sim.Config)
		opts nvenc.Options
		dims [2]int
		want error
	}{
		{
			name: "mismatched profile",
			opts: nvenc.Options{Profile: "hevc-main"},
			want: nvenc.ErrConfiguration,
		},
		{
			name: "unknown profile",
			opts: nvenc.Options{Profile: "imaginary"},
			want: nvenc.ErrConfiguration,
		},
		{
			name: "unknown codec",
			opts: nvenc.Options{Codec: "av1"},
			want: nvenc.ErrConfiguration,
		},
		{
			name: "device out of range",
			opts: nvenc.Options{Device: 7},
			want: cuda.ErrDeviceOutOfRange,
		},
		{
			name: "dimensions exceed device limit",
			dims: [2]int{8192, 64},
			want: nvenc.ErrConfiguration,
		},
		{
			name: "driver api too old",
			cfg:  func(c *sim.Config) { c.APIVersion = 0x08_0000 },
			want: nvenc.ErrConfiguration,
		},
		{
			name: "no low latency preset",
			cfg:  func(c *sim.Config) { c.DisableLowLatencyPresets = true },
			want: nvenc.ErrNoLowLatencyPreset,
		},
		{
			name: "enumeration skew",
			cfg:  func(c *sim.Config) { c.EnumerationSkew = true },
			want: nvenc.ErrEnumerationMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := sim.DefaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			w, h := testWidth, testHeight
			if tt.dims != [2]int{} {
				w, h = tt.dims[0], tt.dims[1]
			}
			drv := sim.New(cfg)
			_, err := nvenc.InitContext(drv, w, h, nvenc.FormatNV12, tt.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			// A failed open never leaves driver-side state behind.
			assert.Zero(t, drv.Counters().Active())
		})
	}
}

func TestSessionUnsupportedInputFormat(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	_, err := nvenc.InitContext(drv, testWidth, testHeight, nvenc.FormatYUV444, nvenc.Options{})
	assert.ErrorIs(t, err, nvenc.ErrConfiguration)
	assert.Zero(t, drv.Counters().Active())
}

func TestSessionWrongFrameSize(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	sess := openSession(t, drv, nvenc.Options{})

	_, err := sess.CompressImage(make([]byte, 16))
	assert.ErrorIs(t, err, nvenc.ErrConfiguration)
}

func TestSessionBusyRetrySucceeds(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.InputLockBusy = 2
	cfg.EncodeBusy = 3
	drv := sim.New(cfg)
	sess := openSession(t, drv, nvenc.Options{RetryDelay: time.Microsecond})

	out, err := sess.CompressImage(testFrame(t, nvenc.FormatNV12, 0))
	require.NoError(t, err)
	assert.True(t, out.Keyframe)
}

func TestSessionBusyPromotedAfterRetriesExhausted(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.EncodeBusy = 3
	drv := sim.New(cfg)
	sess := openSession(t, drv, nvenc.Options{
		RetryAttempts: 2,
		RetryDelay:    time.Microsecond,
	})

	// Two attempts against three injected busy results: promoted to the
	// caller, but the session survives.
	_, err := sess.CompressImage(testFrame(t, nvenc.FormatNV12, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, nvenc.ErrEncoderBusy)
	assert.True(t, nvenc.IsRetryable(err))
	assert.NotEqual(t, nvenc.StateClosed, sess.State())

	// The next call absorbs the last busy result and completes the frame.
	out, err := sess.CompressImage(testFrame(t, nvenc.FormatNV12, 1))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.Keyframe)
	assert.Equal(t, uint64(0), out.FrameIndex)
}

func TestSessionFatalStatusClosesSession(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.ForceEncodeStatus = nvenc.StatusMapFailed
	drv := sim.New(cfg)
	sess := openSession(t, drv, nvenc.Options{})

	_, err := sess.CompressImage(testFrame(t, nvenc.FormatNV12, 0))
	require.Error(t, err)
	assert.False(t, nvenc.IsRetryable(err))
	assert.Equal(t, nvenc.StateClosed, sess.State())

	_, err = sess.CompressImage(testFrame(t, nvenc.FormatNV12, 1))
	assert.ErrorIs(t, err, nvenc.ErrEncoderNotInitialized)

	assert.Zero(t, drv.Counters().Active())
}

func TestSessionOutputBufferTooSmall(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	sess := openSession(t, drv, nvenc.Options{OutputCapacity: 32})

	_, err := sess.CompressImage(testFrame(t, nvenc.FormatNV12, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, nvenc.ErrOutOfMemory)
	assert.Equal(t, nvenc.StateClosed, sess.State())
	assert.Zero(t, drv.Counters().Active())
}

func TestSessionNeedMoreInput(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.NeedMoreInputEvery = 2
	drv := sim.New(cfg)
	sess := openSession(t, drv, nvenc.Options{})

	var produced int
	for i := 0; i < 4; i++ {
		out, err := sess.CompressImage(testFrame(t, nvenc.FormatNV12, byte(i)))
		require.NoError(t, err, "frame %d", i)
		if out != nil {
			produced++
		}
	}
	// Every second submission is absorbed without output.
	assert.Equal(t, 2, produced)
	assert.Equal(t, nvenc.StateEncoding, sess.State())
}

func TestSessionCleanWithoutEncode(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	sess := openSession(t, drv, nvenc.Options{})
	sess.Clean()
	assert.Zero(t, drv.Counters().Active())
}

func TestSessionSubmissionsReachDriverSession(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	sess := openSession(t, drv, nvenc.Options{})

	for i := 0; i < 2; i++ {
		out, err := sess.CompressImage(testFrame(t, nvenc.FormatNV12, byte(i)))
		require.NoError(t, err)
		require.NotNil(t, out)
	}
	require.NoError(t, sess.Flush())

	// The driver accounts per-session: every submission and the EOS marker
	// must have arrived on the session this client opened.
	c := drv.Counters()
	assert.Equal(t, 2, c.PicturesSubmitted)
	assert.Equal(t, 1, c.FlushesSubmitted)
}
