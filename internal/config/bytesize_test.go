package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"1048576", 1024 * 1024, false},
		{"512KB", 512 * 1024, false},
		{"1MB", 1024 * 1024, false},
		{"2GB", 2 * 1024 * 1024 * 1024, false},
		{"1.5MB", 1536 * 1024, false},
		{"0", 0, false},
		{"", 0, true},
		{"abc", 0, true},
		{"1XB", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Bytes())
		})
	}
}

func TestByteSizeUnmarshalText(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("4MB")))
	assert.Equal(t, int64(4*1024*1024), b.Bytes())

	assert.Error(t, b.UnmarshalText([]byte("many bytes")))
}

func TestByteSizeJSONRoundTrip(t *testing.T) {
	var b ByteSize

	// String form.
	require.NoError(t, json.Unmarshal([]byte(`"1MB"`), &b))
	assert.Equal(t, int64(1024*1024), b.Bytes())

	// Raw byte count.
	require.NoError(t, json.Unmarshal([]byte(`2048`), &b))
	assert.Equal(t, int64(2048), b.Bytes())

	out, err := json.Marshal(ByteSize(1024 * 1024))
	require.NoError(t, err)
	assert.Equal(t, `"1MB"`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`true`), &b))
}
