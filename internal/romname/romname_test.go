package romname

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRegionsAndRevision(t *testing.T) {
	name := Classify("Pokemon - Red Version (USA, Europe) (Rev 1).gb")
	assert.Equal(t, "Pokemon - Red Version", name.Title)
	assert.Subset(t, name.Regions, []string{"us", "eu"})
	require.NotNil(t, name.Version)
	assert.Equal(t, VersionRev, name.Version.Kind)
	assert.Equal(t, []int{1}, name.Version.Parts)
	assert.Nil(t, name.Disc)
}

func TestClassifyIsIdempotentOnTitle(t *testing.T) {
	inputs := []string{
		"Pokemon - Red Version (USA, Europe) (Rev 1).gb",
		"Final Fantasy VII (Japan) (Disc 2 of 3) [!].bin",
		"Game (En,Fr,De) (v1.1a) (Beta).zip",
		"Some Title [T+Eng] (Hack).nes",
	}
	for _, in := range inputs {
		first := Classify(in)
		second := Classify(first.Title + Extension(in))
		assert.Equal(t, first.Title, second.Title, in)
		assert.Empty(t, second.Regions, in)
		assert.Empty(t, second.Languages, in)
		assert.Nil(t, second.Version, in)
		assert.Nil(t, second.Disc, in)
	}
}

func TestClassifyDiscAndVersion(t *testing.T) {
	name := Classify("Final Fantasy VII (Japan) (Disc 2 of 3).bin")
	require.NotNil(t, name.Disc)
	assert.Equal(t, "disc", name.Disc.Type)
	assert.Equal(t, "2", name.Disc.Index)
	assert.Equal(t, 3, name.Disc.Total)
	assert.Equal(t, "disc:2", name.DiscKey())
	assert.Equal(t, []string{"jp"}, name.Regions)

	side := Classify("Elite (Europe) (Side A).dsk")
	require.NotNil(t, side.Disc)
	assert.Equal(t, "side:a", side.DiscKey())

	ver := Classify("Tool (World) (v1.2b).zip")
	require.NotNil(t, ver.Version)
	assert.Equal(t, VersionVer, ver.Version.Kind)
	assert.Equal(t, []int{1, 2}, ver.Version.Parts)
	assert.Equal(t, "b", ver.Version.Letter)
}

func TestClassifyKeepsFirstDiscAndVersion(t *testing.T) {
	name := Classify("Game (Disc 1) (Disc 2) (Rev 2) (Rev 3).bin")
	require.NotNil(t, name.Disc)
	assert.Equal(t, "1", name.Disc.Index)
	require.NotNil(t, name.Version)
	assert.Equal(t, []int{2}, name.Version.Parts)
}

func TestClassifyLanguagesAndFlags(t *testing.T) {
	name := Classify("Game (Europe) (En,Fr,De) (Beta) (Unl).zip")
	assert.Equal(t, []string{"de", "en", "fr"}, name.Languages)
	assert.Equal(t, []string{"eu"}, name.Regions)
	assert.True(t, name.Flags.Prerelease)
	assert.True(t, name.Flags.Unlicensed)
	assert.False(t, name.Flags.Hack)
	assert.False(t, name.Flags.Homebrew)

	hb := Classify("Thing (World) (Homebrew) [Hack by Someone].gba")
	assert.True(t, hb.Flags.Homebrew)
	assert.True(t, hb.Flags.Hack)
}

func TestClassifyEscapedComma(t *testing.T) {
	name := Classify(`Game (USA\, Europe).zip`)
	assert.Empty(t, name.Regions)

	name = Classify("Game (USA, Japan, Unknown Tag).zip")
	assert.Equal(t, []string{"jp", "us"}, name.Regions)
}

func TestClassifyNoExtension(t *testing.T) {
	name := Classify("Game v1.1")
	assert.Equal(t, "Game v1.1", name.Title)
	assert.Equal(t, "", Extension("Game v1.1"))
	assert.Equal(t, ".7z", Extension("Game (USA).7z"))
}

func TestNormalizeCodes(t *testing.T) {
	tests := []struct {
		in     string
		region string
		lang   string
	}{
		{"USA", "us", ""},
		{"U.S.A.", "us", ""},
		{"Europe", "eu", ""},
		{"japan", "jp", ""},
		{"World", "wor", ""},
		{"En", "", "en"},
		{"English", "", "en"},
		{"pt-BR", "", "pt"},
		{"de", "de", "de"},
		{"Germany", "de", ""},
		{"nonsense", "", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.region, NormalizeRegionCode(tc.in), tc.in)
		assert.Equal(t, tc.lang, NormalizeLanguageCode(tc.in), tc.in)
	}
}

func TestInferLanguages(t *testing.T) {
	assert.Equal(t, []string{"en", "ja"}, InferLanguages([]string{"us", "jp"}, nil))
	assert.Empty(t, InferLanguages([]string{"asia"}, nil))

	table := MergeRegionLanguages(map[string][]string{"Asia": {"Chinese", "English"}})
	assert.Equal(t, []string{"en", "zh"}, InferLanguages([]string{"asia"}, table))
	assert.Equal(t, []string{"en"}, InferLanguages([]string{"us"}, table))
}

func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, "super mario", NormalizeTitle("  Super   MARIO "))
}

func TestClassifyGoodToolsDumpCodes(t *testing.T) {
	tests := []struct {
		in         string
		hack       bool
		unlicensed bool
	}{
		{in: "Game (U) [!].nes"},
		{in: "Game (U) [a].nes"},
		{in: "Game (U) [a1].nes"},
		{in: "Game (U) [b].nes"},
		{in: "Game (U) [b2].nes"},
		{in: "Game (U) [f].nes"},
		{in: "Game (U) [o1].nes"},
		{in: "Game (U) [t1].nes"},
		{in: "Game (U) [h].nes", hack: true},
		{in: "Game (U) [h1C].nes", hack: true},
		{in: "Game (U) [hM04].nes", hack: true},
		{in: "Game (U) [T+Eng].nes", hack: true},
		{in: "Game (U) [T-Fre1.0].nes", hack: true},
		{in: "Game (U) [p1].nes", unlicensed: true},
	}
	for _, tt := range tests {
		name := Classify(tt.in)
		assert.Equal(t, "Game", name.Title, tt.in)
		assert.Equal(t, []string{"us"}, name.Regions, tt.in)
		assert.Empty(t, name.Languages, tt.in)
		assert.Equal(t, tt.hack, name.Flags.Hack, tt.in)
		assert.Equal(t, tt.unlicensed, name.Flags.Unlicensed, tt.in)
	}
}

func TestClassifySingleLetterRegionsOnlyInParens(t *testing.T) {
	assert.Equal(t, []string{"eu", "jp"}, Classify("Game (J) (E).gb").Regions)
	assert.Empty(t, Classify("Game [J].gb").Regions)
	assert.Equal(t, []string{"jp"}, Classify("Game [Japan].gb").Regions)
}
