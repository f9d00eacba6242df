package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidVersion(t *testing.T) {
	for _, v := range []string{"1.0.0", "0.0.1", "10.20.30", "1.0.0-beta.1", "1.0.0+build.5"} {
		assert.True(t, ValidVersion(v), v)
	}
	for _, v := range []string{"", "1", "1.0", "v1.0.0", "1.0.0.0", "a.b.c"} {
		assert.False(t, ValidVersion(v), v)
	}
}

func TestRangeContains(t *testing.T) {
	tests := []struct {
		rng string
		in  []string
		out []string
	}{
		{"*", []string{"0.0.1", "9.9.9"}, nil},
		{"", []string{"1.0.0"}, nil},
		{"1.2.3", []string{"1.2.3"}, []string{"1.2.4"}},
		{">=1.0.0 <2.0.0", []string{"1.0.0", "1.9.9"}, []string{"0.9.9", "2.0.0"}},
		{"^1.2.0", []string{"1.2.0", "1.9.0"}, []string{"1.1.9", "2.0.0"}},
		{"^0.3.1", []string{"0.3.1", "0.3.9"}, []string{"0.4.0"}},
		{"~1.2.0", []string{"1.2.0", "1.2.7"}, []string{"1.3.0"}},
		{"<1.0.0 || >=3.0.0", []string{"0.5.0", "3.1.0"}, []string{"2.0.0"}},
	}
	for _, tt := range tests {
		t.Run(tt.rng, func(t *testing.T) {
			r, err := ParseRange(tt.rng)
			require.NoError(t, err)
			for _, v := range tt.in {
				assert.True(t, r.Contains(v), "%s in %s", v, tt.rng)
			}
			for _, v := range tt.out {
				assert.False(t, r.Contains(v), "%s not in %s", v, tt.rng)
			}
		})
	}
}

func TestRangeRejectsInvalidVersions(t *testing.T) {
	r, err := ParseRange("*")
	require.NoError(t, err)
	assert.False(t, r.Contains("latest"))
}

func TestParseRangeErrors(t *testing.T) {
	for _, s := range []string{">=x", "^1.0", "1.0.0 ||", "=>1.0.0"} {
		_, err := ParseRange(s)
		assert.ErrorIs(t, err, ErrInvalidRange, s)
	}
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, -1, CompareVersions("1.0.0", "1.0.1"))
	assert.Equal(t, 0, CompareVersions("1.0.0", "1.0.0+meta"))
	assert.Equal(t, 1, CompareVersions("2.0.0", "2.0.0-rc.1"))
}
