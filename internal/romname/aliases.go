package romname

import (
	"sort"
	"strings"
)

var languageAliases = map[string]string{
	"en": "en", "eng": "en", "english": "en",
	"ja": "ja", "japanese": "ja",
	"fr": "fr", "fre": "fr", "fra": "fr", "french": "fr", "francais": "fr",
	"de": "de", "ger": "de", "deu": "de", "german": "de", "deutsch": "de",
	"es": "es", "spa": "es", "spanish": "es", "espanol": "es",
	"it": "it", "ita": "it", "italian": "it", "italiano": "it",
	"nl": "nl", "dut": "nl", "nld": "nl", "dutch": "nl",
	"pt": "pt", "por": "pt", "portuguese": "pt", "pt br": "pt",
	"sv": "sv", "swe": "sv", "swedish": "sv",
	"no": "no", "nor": "no", "norwegian": "no",
	"da": "da", "dan": "da", "danish": "da",
	"fi": "fi", "fin": "fi", "finnish": "fi",
	"zh": "zh", "chi": "zh", "zho": "zh", "chinese": "zh", "zh hans": "zh", "zh hant": "zh",
	"ko": "ko", "kor": "ko", "korean": "ko",
	"ru": "ru", "rus": "ru", "russian": "ru",
	"pl": "pl", "pol": "pl", "polish": "pl",
	"el": "el", "greek": "el",
	"cs": "cs", "czech": "cs",
	"hu": "hu", "hungarian": "hu",
	"tr": "tr", "turkish": "tr",
	"ar": "ar", "arabic": "ar",
	"catalan": "ca",
}

var regionAliases = map[string]string{
	"us": "us", "usa": "us", "u": "us", "united states": "us", "america": "us",
	"eu": "eu", "eur": "eu", "europe": "eu", "e": "eu",
	"jp": "jp", "japan": "jp", "j": "jp",
	"wor": "wor", "world": "wor", "w": "wor",
	"uk": "uk", "united kingdom": "uk", "england": "uk", "great britain": "uk",
	"au": "au", "aus": "au", "australia": "au", "a": "au",
	"ca": "ca", "canada": "ca",
	"br": "br", "bra": "br", "brazil": "br", "b": "br",
	"kr": "kr", "korea": "kr", "south korea": "kr", "k": "kr",
	"cn": "cn", "chn": "cn", "china": "cn", "c": "cn",
	"tw": "tw", "taiwan": "tw",
	"hk": "hk", "hong kong": "hk",
	"asia": "asia", "as": "asia",
	"germany": "de", "g": "de",
	"france": "fr", "f": "fr",
	"spain": "es", "s": "es",
	"italy": "it", "i": "it",
	"netherlands": "nl", "holland": "nl", "h": "nl",
	"sweden": "se", "se": "se",
	"norway": "no",
	"denmark": "dk", "dk": "dk",
	"finland": "fi",
	"russia": "ru",
	"poland": "pl",
	"portugal": "pt",
	"greece": "gr", "gr": "gr",
	"scandinavia": "scandinavia",
	"latin america": "la", "la": "la",
	// canonical codes that are also language codes; Classify tries languages
	// first so "(De)" stays a language tag.
	"de": "de", "fr": "fr", "es": "es", "it": "it", "nl": "nl", "no": "no",
	"fi": "fi", "ru": "ru", "pl": "pl", "pt": "pt",
}

type releaseKind int

const (
	releasePrerelease releaseKind = iota + 1
	releaseUnlicensed
	releaseHack
	releaseHomebrew
)

var releaseKeywords = map[string]releaseKind{
	"beta":       releasePrerelease,
	"demo":       releasePrerelease,
	"proto":      releasePrerelease,
	"prototype":  releasePrerelease,
	"alpha":      releasePrerelease,
	"preview":    releasePrerelease,
	"sample":     releasePrerelease,
	"unl":        releaseUnlicensed,
	"unlicensed": releaseUnlicensed,
	"pirate":     releaseUnlicensed,
	"bootleg":    releaseUnlicensed,
	"hack":       releaseHack,
	"romhack":    releaseHack,
	"homebrew":   releaseHomebrew,
}

// DefaultRegionLanguages maps a region code to the languages a release from
// that region is assumed to carry when the filename has no language tag.
var DefaultRegionLanguages = map[string][]string{
	"us":  {"en"},
	"eu":  {"en"},
	"uk":  {"en"},
	"au":  {"en"},
	"ca":  {"en"},
	"wor": {"en"},
	"jp":  {"ja"},
	"fr":  {"fr"},
	"de":  {"de"},
	"es":  {"es"},
	"it":  {"it"},
	"nl":  {"nl"},
	"se":  {"sv"},
	"br":  {"pt"},
	"pt":  {"pt"},
	"kr":  {"ko"},
	"cn":  {"zh"},
	"tw":  {"zh"},
	"hk":  {"zh"},
	"ru":  {"ru"},
}

func aliasKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, ".", "")
	s = strings.Map(func(r rune) rune {
		switch r {
		case '_', '-':
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeRegionCode maps any known spelling of a region to its canonical
// code. Unknown input yields "".
func NormalizeRegionCode(s string) string {
	return regionAliases[aliasKey(s)]
}

// NormalizeLanguageCode maps any known spelling of a language to its
// canonical code. Unknown input yields "".
func NormalizeLanguageCode(s string) string {
	return languageAliases[aliasKey(s)]
}

// MergeRegionLanguages returns a copy of DefaultRegionLanguages with the
// given overrides applied. Override keys and values are normalized; entries
// that do not normalize are dropped.
func MergeRegionLanguages(overrides map[string][]string) map[string][]string {
	out := make(map[string][]string, len(DefaultRegionLanguages)+len(overrides))
	for k, v := range DefaultRegionLanguages {
		out[k] = append([]string(nil), v...)
	}
	for k, v := range overrides {
		region := NormalizeRegionCode(k)
		if region == "" {
			continue
		}
		langs := make([]string, 0, len(v))
		for _, item := range v {
			if code := NormalizeLanguageCode(item); code != "" {
				langs = append(langs, code)
			}
		}
		out[region] = langs
	}
	return out
}

// InferLanguages derives a language set from region codes using table. A nil
// table means DefaultRegionLanguages.
func InferLanguages(regions []string, table map[string][]string) []string {
	if table == nil {
		table = DefaultRegionLanguages
	}
	set := make(map[string]struct{})
	for _, region := range regions {
		for _, lang := range table[region] {
			set[lang] = struct{}{}
		}
	}
	return sortedSet(set)
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
