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
		{"0", 0, false},
		{"1024", 1024, false},
		{"4KB", 4 * KB, false},
		{"64mb", 64 * MB, false},
		{"1.5GB", GB + GB/2, false},
		{"10Gi", 10 * GB, false},
		{" 2 TB ", 2 * TB, false},
		{"", 0, true},
		{"abc", 0, true},
		{"5XB", 0, true},
		{"-1MB", 0, true},
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

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.00 KB", Format(KB))
	assert.Equal(t, "1.50 MB", Format(MB+MB/2))
	assert.Equal(t, "3.00 GB", Format(3*GB))
}

func TestSizeYAML(t *testing.T) {
	var cfg struct {
		A Size `yaml:"a"`
		B Size `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 64MB\nb: 2048\n"), &cfg))
	assert.Equal(t, 64*MB, cfg.A.Bytes())
	assert.Equal(t, int64(2048), cfg.B.Bytes())

	err := yaml.Unmarshal([]byte("a: lots\n"), &cfg)
	assert.Error(t, err)
}
