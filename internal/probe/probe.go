// Package probe inspects the host and every usable compute device: it
// enumerates capabilities, runs a short trial encode per device and turns the
// result into a report the CLI can print and the store can persist.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/streamforge/hwenc/internal/cuda"
	"github.com/streamforge/hwenc/internal/nvenc"
	"github.com/streamforge/hwenc/internal/store"
	"github.com/streamforge/hwenc/internal/version"
)

// CodecReport summarizes one codec's capability catalog entries.
type CodecReport struct {
	Name      string   `json:"name"`
	Profiles  []string `json:"profiles"`
	Presets   []string `json:"presets"`
	Formats   []string `json:"formats"`
	MaxWidth  int      `json:"max_width"`
	MaxHeight int      `json:"max_height"`
}

// DeviceReport is the probe result for one device.
type DeviceReport struct {
	Ordinal     int           `json:"ordinal"`
	Name        string        `json:"name"`
	PCIBusID    string        `json:"pci_bus_id"`
	Compute     string        `json:"compute"`
	TotalMemory uint64        `json:"total_memory"`
	FreeMemory  uint64        `json:"free_memory"`
	Codecs      []CodecReport `json:"codecs,omitempty"`
	// Healthy is set when the trial encode produced a keyframe.
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// HostReport describes the machine the probe ran on.
type HostReport struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	KernelVersion   string `json:"kernel_version"`
	TotalMemory     uint64 `json:"total_memory"`
	AvailableMemory uint64 `json:"available_memory"`
}

// Report is a full probe run.
type Report struct {
	Timestamp     time.Time      `json:"timestamp"`
	Version       string         `json:"version"`
	Driver        string         `json:"driver"`
	DriverVersion int            `json:"driver_version"`
	Host          HostReport     `json:"host"`
	Devices       []DeviceReport `json:"devices"`
}

// Healthy reports whether at least one device passed its trial encode.
func (r *Report) Healthy() bool {
	for _, d := range r.Devices {
		if d.Healthy {
			return true
		}
	}
	return false
}

// Trial encode geometry. Small enough to be instant, large enough to cross
// the pitch alignment boundary.
const (
	trialWidth  = 320
	trialHeight = 240
	trialFrames = 3
)

// Run probes the host and every device the preferences allow.
func Run(ctx context.Context, drv nvenc.Driver, prefs cuda.Prefs, log *slog.Logger) (*Report, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "probe"))

	report := &Report{
		Timestamp: time.Now().UTC(),
		Version:   version.Version,
		Driver:    drv.Name(),
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		report.Host.Hostname = info.Hostname
		report.Host.OS = info.OS
		report.Host.Platform = fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
		report.Host.KernelVersion = info.KernelVersion
	} else {
		log.Warn("host info unavailable", slog.String("error", err.Error()))
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report.Host.TotalMemory = vm.Total
		report.Host.AvailableMemory = vm.Available
	} else {
		log.Warn("host memory info unavailable", slog.String("error", err.Error()))
	}

	api := drv.Device()
	if err := api.Init(); err != nil {
		return nil, fmt.Errorf("%w: %v", nvenc.ErrDriverUnavailable, err)
	}
	if ver, err := api.DriverVersion(); err == nil {
		report.DriverVersion = ver
	}

	reg := cuda.NewRegistry(api, prefs, log)
	devices, err := reg.Devices()
	if err != nil {
		return nil, err
	}

	for _, dev := range devices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dr := DeviceReport{
			Ordinal:     dev.Ordinal,
			Name:        dev.Name,
			PCIBusID:    dev.PCIBusID,
			Compute:     fmt.Sprintf("%d.%d", dev.ComputeMajor, dev.ComputeMinor),
			TotalMemory: dev.TotalMemory,
		}
		if free, _, err := api.MemInfo(dev.Ordinal); err == nil {
			dr.FreeMemory = free
		}

		if err := probeDevice(drv, reg, dev.Ordinal, log, &dr); err != nil {
			dr.Error = err.Error()
			log.Warn("device failed trial encode",
				slog.Int("device", dev.Ordinal),
				slog.String("error", err.Error()),
			)
		} else {
			dr.Healthy = true
		}
		report.Devices = append(report.Devices, dr)
	}

	log.Info("probe finished",
		slog.Int("devices", len(report.Devices)),
		slog.Bool("healthy", report.Healthy()),
	)
	return report, nil
}

// probeDevice opens a short-lived session on the device, captures its
// capability catalog and encodes a few synthetic frames. The first frame must
// come back as a keyframe; that is the health criterion.
func probeDevice(drv nvenc.Driver, reg *cuda.Registry, ordinal int, log *slog.Logger, dr *DeviceReport) error {
	sess, err := nvenc.InitContext(drv, trialWidth, trialHeight, nvenc.FormatNV12, nvenc.Options{
		Device:   ordinal,
		Registry: reg,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	defer sess.Clean()

	dr.Codecs = catalogReport(sess.Catalog())

	pixels := make([]byte, nvenc.FormatNV12.FrameSize(trialWidth, trialHeight))
	for i := range pixels {
		pixels[i] = byte(i)
	}
	for i := 0; i < trialFrames; i++ {
		out, err := sess.CompressImage(pixels)
		if err != nil {
			return fmt.Errorf("trial frame %d: %w", i, err)
		}
		if i == 0 && (out == nil || !out.Keyframe) {
			return fmt.Errorf("trial encode produced no keyframe")
		}
	}
	return sess.Flush()
}

func catalogReport(cat *nvenc.Catalog) []CodecReport {
	var out []CodecReport
	for _, codec := range cat.Codecs() {
		cr := CodecReport{
			Name:      codec.Name(),
			MaxWidth:  cat.Limit(codec, nvenc.CapsWidthMax),
			MaxHeight: cat.Limit(codec, nvenc.CapsHeightMax),
		}
		for _, p := range cat.Profiles(codec) {
			cr.Profiles = append(cr.Profiles, p.Name())
		}
		for _, p := range cat.Presets(codec) {
			cr.Presets = append(cr.Presets, p.Name())
		}
		for _, f := range cat.InputFormats(codec) {
			cr.Formats = append(cr.Formats, f.String())
		}
		out = append(out, cr)
	}
	return out
}

// Records converts a report into store rows, one per device.
func Records(r *Report) []store.ProbeRecord {
	recs := make([]store.ProbeRecord, 0, len(r.Devices))
	for _, d := range r.Devices {
		names := make([]string, 0, len(d.Codecs))
		for _, c := range d.Codecs {
			names = append(names, c.Name)
		}
		recs = append(recs, store.ProbeRecord{
			Hostname:      r.Host.Hostname,
			DeviceOrdinal: d.Ordinal,
			DeviceName:    d.Name,
			PCIBusID:      d.PCIBusID,
			TotalMemory:   d.TotalMemory,
			FreeMemory:    d.FreeMemory,
			Compute:       d.Compute,
			DriverVersion: r.DriverVersion,
			Codecs:        strings.Join(names, ","),
			Healthy:       d.Healthy,
			Error:         d.Error,
		})
	}
	return recs
}
