package probe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/hwenc/internal/cuda"
	"github.com/streamforge/hwenc/internal/nvenc"
	"github.com/streamforge/hwenc/internal/sim"
)

func TestRunHealthyDevice(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())

	report, err := Run(context.Background(), drv, cuda.Prefs{}, nil)
	require.NoError(t, err)

	assert.Equal(t, "sim", report.Driver)
	assert.Equal(t, 570, report.DriverVersion)
	assert.False(t, report.Timestamp.IsZero())
	require.Len(t, report.Devices, 1)
	assert.True(t, report.Healthy())

	dev := report.Devices[0]
	assert.True(t, dev.Healthy)
	assert.Empty(t, dev.Error)
	assert.Equal(t, "SimGPU 2000", dev.Name)
	assert.Equal(t, "8.6", dev.Compute)

	require.Len(t, dev.Codecs, 2)
	names := []string{dev.Codecs[0].Name, dev.Codecs[1].Name}
	assert.Contains(t, names, "h264")
	assert.Contains(t, names, "hevc")
	for _, c := range dev.Codecs {
		assert.NotEmpty(t, c.Profiles)
		assert.NotEmpty(t, c.Presets)
		assert.NotEmpty(t, c.Formats)
		assert.Equal(t, 4096, c.MaxWidth)
		assert.Equal(t, 4096, c.MaxHeight)
	}

	// The trial session must have released every driver resource.
	assert.Equal(t, 0, drv.Counters().Active())
}

func TestRunUnhealthyDevice(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.ForceEncodeStatus = nvenc.StatusMapFailed
	drv := sim.New(cfg)

	report, err := Run(context.Background(), drv, cuda.Prefs{}, nil)
	require.NoError(t, err)

	require.Len(t, report.Devices, 1)
	assert.False(t, report.Healthy())
	assert.False(t, report.Devices[0].Healthy)
	assert.NotEmpty(t, report.Devices[0].Error)
	assert.Equal(t, 0, drv.Counters().Active())
}

func TestRunAllDevicesDisabled(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	_, err := Run(context.Background(), drv, cuda.Prefs{Enabled: []string{"none"}}, nil)
	assert.ErrorIs(t, err, cuda.ErrAllDevicesDisabled)
}

func TestRunCancelledContext(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, drv, cuda.Prefs{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecords(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	report, err := Run(context.Background(), drv, cuda.Prefs{}, nil)
	require.NoError(t, err)

	recs := Records(report)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, report.Host.Hostname, rec.Hostname)
	assert.Equal(t, 0, rec.DeviceOrdinal)
	assert.Equal(t, "SimGPU 2000", rec.DeviceName)
	assert.Equal(t, "0000:01:00.0", rec.PCIBusID)
	assert.Equal(t, uint64(8<<30), rec.TotalMemory)
	assert.Equal(t, "8.6", rec.Compute)
	assert.Equal(t, 570, rec.DriverVersion)
	assert.Equal(t, "h264,hevc", rec.Codecs)
	assert.True(t, rec.Healthy)
	assert.Empty(t, rec.Error)
}
