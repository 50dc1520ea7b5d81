package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/streamforge/hwenc/internal/config"
	"github.com/streamforge/hwenc/internal/nvenc"
	"github.com/streamforge/hwenc/internal/observability"
)

var (
	encodeWidth  int
	encodeHeight int
	encodeFrames int
	encodeInput  string
	encodeOutput string
)

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Encode raw frames through a hardware encoder session",
	Long: `Encode opens an encoder session and feeds it raw frames, writing the
resulting Annex-B bitstream to the output file.

Frames are read from --input as tightly packed frames in the configured
pixel format. Without --input, synthetic test frames are generated, which is
useful for exercising a driver end to end:

  hwenc encode --width 1280 --height 720 --frames 300 -o out.h264`,
	RunE: runEncode,
}

func init() {
	encodeCmd.Flags().IntVar(&encodeWidth, "width", 1280, "frame width in pixels")
	encodeCmd.Flags().IntVar(&encodeHeight, "height", 720, "frame height in pixels")
	encodeCmd.Flags().IntVar(&encodeFrames, "frames", 30, "number of synthetic frames when no input file is given")
	encodeCmd.Flags().StringVarP(&encodeInput, "input", "i", "", "raw frame input file (packed frames, no headers)")
	encodeCmd.Flags().StringVarP(&encodeOutput, "output", "o", "-", "bitstream output file, - for stdout")

	encodeCmd.Flags().String("driver", "sim", "encode driver")
	encodeCmd.Flags().String("codec", "h264", "codec (h264, hevc)")
	encodeCmd.Flags().String("profile", "", "codec profile, empty picks the first the device offers")
	encodeCmd.Flags().String("pixel-format", "NV12", "input pixel format (NV12, YV12, IYUV, ARGB)")
	encodeCmd.Flags().Int("bitrate", 0, "average bitrate in bits per second, 0 derives from dimensions")
	encodeCmd.Flags().Int("fps", 30, "frames per second")
	encodeCmd.Flags().Int("device", -1, "device ordinal, negative selects automatically")
	mustBindPFlag("encoder.driver", encodeCmd.Flags().Lookup("driver"))
	mustBindPFlag("encoder.codec", encodeCmd.Flags().Lookup("codec"))
	mustBindPFlag("encoder.profile", encodeCmd.Flags().Lookup("profile"))
	mustBindPFlag("encoder.pixel_format", encodeCmd.Flags().Lookup("pixel-format"))
	mustBindPFlag("encoder.bitrate", encodeCmd.Flags().Lookup("bitrate"))
	mustBindPFlag("encoder.fps", encodeCmd.Flags().Lookup("fps"))
	mustBindPFlag("device.ordinal", encodeCmd.Flags().Lookup("device"))

	rootCmd.AddCommand(encodeCmd)
}

func runEncode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	log := observability.WithComponent(slog.Default(), "encode")

	format, err := nvenc.ParseFormat(cfg.Encoder.PixelFormat)
	if err != nil {
		return err
	}
	drv, err := nvenc.OpenDriver(cfg.Encoder.Driver)
	if err != nil {
		return err
	}

	sess, err := nvenc.InitContext(drv, encodeWidth, encodeHeight, format, nvenc.Options{
		Device:         cfg.Device.Ordinal,
		Codec:          cfg.Encoder.Codec,
		Profile:        cfg.Encoder.Profile,
		Bitrate:        uint32(cfg.Encoder.Bitrate),
		MaxBitrate:     uint32(cfg.Encoder.MaxBitrate),
		FPS:            cfg.Encoder.FPS,
		OutputCapacity: int(cfg.Encoder.OutputBufferSize.Bytes()),
		RetryAttempts:  cfg.Encoder.RetryAttempts,
		RetryDelay:     cfg.Encoder.RetryDelay,
		Prefs:          devicePrefs(cfg),
		Logger:         log,
	})
	if err != nil {
		return err
	}
	defer sess.Clean()

	out := os.Stdout
	if encodeOutput != "-" {
		if out, err = os.Create(encodeOutput); err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer out.Close()
	}

	next, closeInput, err := frameSource(format)
	if err != nil {
		return err
	}
	defer closeInput()

	start := time.Now()
	var frames, keyframes int
	var written int64
	for {
		pixels, err := next(frames)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		res, err := sess.CompressImage(pixels)
		if err != nil {
			return fmt.Errorf("frame %d: %w", frames, err)
		}
		frames++
		if res == nil {
			continue
		}
		if res.Keyframe {
			keyframes++
		}
		n, err := out.Write(res.Data)
		if err != nil {
			return fmt.Errorf("writing bitstream: %w", err)
		}
		written += int64(n)
	}

	if err := sess.Flush(); err != nil {
		return err
	}
	log.Info("encode finished",
		slog.Int("frames", frames),
		slog.Int("keyframes", keyframes),
		slog.Int64("bytes", written),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// frameSource returns a function yielding one packed frame per call: frames
// from the input file when one is given, synthetic frames otherwise.
func frameSource(format nvenc.BufferFormat) (func(i int) ([]byte, error), func(), error) {
	size := format.FrameSize(encodeWidth, encodeHeight)

	if encodeInput == "" {
		buf := make([]byte, size)
		return func(i int) ([]byte, error) {
			if i >= encodeFrames {
				return nil, io.EOF
			}
			// A sliding ramp, so consecutive frames differ.
			for p := range buf {
				buf[p] = byte(p + i*7)
			}
			return buf, nil
		}, func() {}, nil
	}

	f, err := os.Open(encodeInput)
	if err != nil {
		return nil, nil, fmt.Errorf("opening input file: %w", err)
	}
	buf := make([]byte, size)
	return func(int) ([]byte, error) {
		if _, err := io.ReadFull(f, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("reading input frame: %w", err)
		}
		return buf, nil
	}, func() { f.Close() }, nil
}
