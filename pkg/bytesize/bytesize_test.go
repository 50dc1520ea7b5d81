package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Size
		wantErr  bool
	}{
		// Bytes
		{"bytes numeric only", "1024", 1024, false},
		{"bytes with B", "1024B", 1024, false},
		{"bytes with bytes", "100 bytes", 100, false},

		// Kilobytes
		{"kilobytes K", "5K", 5 * KB, false},
		{"kilobytes KB", "5KB", 5 * KB, false},
		{"kilobytes KiB", "5KiB", 5 * KB, false},
		{"kilobytes with space", "5 KB", 5 * KB, false},

		// Megabytes
		{"megabytes M", "10M", 10 * MB, false},
		{"megabytes MB", "10MB", 10 * MB, false},
		{"megabytes MiB", "10MiB", 10 * MB, false},

		// Gigabytes
		{"gigabytes G", "2G", 2 * GB, false},
		{"gigabytes GB", "2GB", 2 * GB, false},

		// Terabytes
		{"terabytes TB", "1TB", 1 * TB, false},

		// Floating point
		{"float megabytes", "1.5MB", Size(1.5 * float64(MB)), false},
		{"float with space", "1.5 GB", Size(1.5 * float64(GB)), false},

		// Case insensitive
		{"lowercase mb", "5mb", 5 * MB, false},
		{"mixed case Mb", "5Mb", 5 * MB, false},

		// Whitespace
		{"leading whitespace", "  5MB", 5 * MB, false},
		{"trailing whitespace", "5MB  ", 5 * MB, false},

		// Zero
		{"zero", "0", 0, false},
		{"zero with unit", "0MB", 0, false},

		// Errors
		{"invalid format", "invalid", 0, true},
		{"empty", "", 0, true},
		{"unknown unit", "5XB", 0, true},
		{"negative", "-5MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, size, "Parse(%q)", tt.input)
		})
	}
}

func TestMustParse(t *testing.T) {
	assert.NotPanics(t, func() {
		assert.Equal(t, 5*MB, MustParse("5MB"))
	})
	assert.Panics(t, func() {
		MustParse("invalid")
	})
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		size     Size
		expected string
	}{
		{"zero", 0, "0B"},
		{"bytes", 500, "500B"},
		{"one kilobyte", KB, "1KB"},
		{"one megabyte", MB, "1MB"},
		{"megabytes", 10 * MB, "10MB"},
		{"gigabytes", 2 * GB, "2GB"},
		{"one terabyte", TB, "1TB"},
		{"fractional MB", Size(1.5 * float64(MB)), "1.5MB"},
		{"fractional GB", Size(2.25 * float64(GB)), "2.25GB"},
		{"1023 bytes", 1023, "1023B"},
		{"negative", -2 * MB, "-2MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Format(tt.size))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	sizes := []Size{0, B, KB, MB, GB, TB, 5 * MB, 10 * GB}

	for _, s := range sizes {
		formatted := Format(s)
		parsed, err := Parse(formatted)
		require.NoError(t, err, "Parse(Format(%v))", s)
		assert.Equal(t, s, parsed, "round trip for %v via %q", s, formatted)
	}
}
