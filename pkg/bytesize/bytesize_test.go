package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"1MiB", MB, false},
		{"1MB", MB, false},
		{"1.5 GB", GB + GB/2, false},
		{"512k", 512 * KB, false},
		{"2Ti", 2 * TB, false},
		{"", 0, true},
		{"ten", 0, true},
		{"10XB", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"800mbps", 100 * 1000 * 1000},
		{"1gbps", 125 * 1000 * 1000},
		{"100MB/s", 100 * MB},
		{"64KiB/s", 64 * KB},
		{"80bps", 10},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseRate("fast")
	assert.Error(t, err)
	_, err = ParseRate("10 furlongs")
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.00 MB", Format(MB))
	assert.Equal(t, "8.00 Mbps", FormatRate(Mbps*8))
}

func TestSize_UnmarshalYAML(t *testing.T) {
	var v struct {
		A Size `yaml:"a"`
		B Size `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 4096\nb: 1MiB\n"), &v))
	assert.Equal(t, int64(4096), v.A.Bytes())
	assert.Equal(t, MB, v.B.Bytes())

	assert.Error(t, yaml.Unmarshal([]byte("a: lots\n"), &v))
	assert.Error(t, yaml.Unmarshal([]byte("a: [1, 2]\n"), &v))
}

func TestRate_UnmarshalYAML(t *testing.T) {
	var v struct {
		R Rate `yaml:"r"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("r: 100MB/s\n"), &v))
	assert.Equal(t, 100*MB, v.R.BytesPerSecond())

	require.NoError(t, yaml.Unmarshal([]byte("r: 0\n"), &v))
	assert.Zero(t, v.R.BytesPerSecond())

	assert.Error(t, yaml.Unmarshal([]byte("r: 100MB\n"), &v))
}
