package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sample = []string{
	"Alpha (USA).zip",
	"Alpha (Europe).zip",
	"Beta Quest (Japan).zip",
	"Gamma (USA) (Beta).zip",
	"Delta (USA) (Unl).zip",
	"Epsilon (World) (Hack).zip",
	"Zeta (Europe) (Fr,De).zip",
}

func TestApplyRegionAndFlags(t *testing.T) {
	f, err := Compile(Options{
		IncludeRegions:    []string{"USA", "Europe"},
		ExcludePrerelease: true,
		ExcludeUnlicensed: true,
	}, nil)
	require.NoError(t, err)
	got := f.Apply(sample)
	assert.Equal(t, []string{"Alpha (USA).zip", "Alpha (Europe).zip", "Zeta (Europe) (Fr,De).zip"}, got)
}

func TestApplyLanguageUsesInference(t *testing.T) {
	f, err := Compile(Options{IncludeLanguages: []string{"en"}}, nil)
	require.NoError(t, err)
	got := f.Apply(sample)
	assert.NotContains(t, got, "Beta Quest (Japan).zip")
	assert.NotContains(t, got, "Zeta (Europe) (Fr,De).zip")
	assert.Contains(t, got, "Alpha (Europe).zip")

	f, err = Compile(Options{ExcludeLanguages: []string{"japanese"}}, map[string][]string{"jp": {"en"}})
	require.NoError(t, err)
	assert.Contains(t, f.Apply(sample), "Beta Quest (Japan).zip")
}

func TestApplyListPrecedence(t *testing.T) {
	f, err := Compile(Options{
		ExcludeRegions: []string{"jp"},
		ExcludeHacks:   true,
		IncludeList:    []string{"Beta Quest*", "Epsilon (World) (Hack).zip"},
		ExcludeList:    []string{"Epsilon*"},
		OneGameOneRom:  true,
	}, nil)
	require.NoError(t, err)
	got := f.Apply(sample)
	assert.Contains(t, got, "Beta Quest (Japan).zip")
	assert.NotContains(t, got, "Epsilon (World) (Hack).zip")
	assert.Contains(t, got, "Alpha (USA).zip")
	assert.NotContains(t, got, "Alpha (Europe).zip")
	assert.Equal(t, "Alpha (USA).zip", got[0])
}

func TestApplyNamePattern(t *testing.T) {
	f, err := Compile(Options{NamePattern: `^(Alpha|Zeta)\b`}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha (USA).zip", "Alpha (Europe).zip", "Zeta (Europe) (Fr,De).zip"}, f.Apply(sample))
}

func TestCompileErrors(t *testing.T) {
	tests := map[string]Options{
		"bad regex":    {NamePattern: "("},
		"bad glob":     {IncludeList: []string{"["}},
		"bad region":   {IncludeRegions: []string{"atlantis"}},
		"bad language": {ExcludeLanguages: []string{"klingon"}},
	}
	for name, opts := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Compile(opts, nil)
			assert.Error(t, err)
		})
	}
}
