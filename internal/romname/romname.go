// Package romname extracts region, language, version, disc and release-type
// attributes from No-Intro / Redump / GoodTools style filenames.
package romname

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// VersionKind distinguishes "Rev N" tags from "vN.N" tags.
type VersionKind string

const (
	VersionRev VersionKind = "rev"
	VersionVer VersionKind = "ver"
)

// Version is a parsed revision or version tag.
type Version struct {
	Kind   VersionKind
	Parts  []int
	Letter string
	Raw    string
}

// Disc describes one part of a multi-part release.
type Disc struct {
	Type  string
	Index string
	Total int
}

// Flags are independent release-type markers.
type Flags struct {
	Prerelease bool
	Unlicensed bool
	Hack       bool
	Homebrew   bool
}

// Name is the classified form of a filename.
type Name struct {
	Title     string
	Regions   []string
	Languages []string
	Version   *Version
	Disc      *Disc
	Flags     Flags
}

// DiscKey identifies the disc/part slot of a release; single-part releases
// share the empty key.
func (n Name) DiscKey() string {
	if n.Disc == nil {
		return ""
	}
	return n.Disc.Type + ":" + n.Disc.Index
}

var (
	groupRegexp   = regexp.MustCompile(`\(([^()]*)\)|\[([^\[\]]*)\]`)
	discRegexp    = regexp.MustCompile(`(?i)^(disc|disk|cd|side|part|tape)\s*([0-9]+|[a-z])(?:\s*of\s*([0-9]+))?$`)
	revRegexp     = regexp.MustCompile(`(?i)^rev(?:ision)?\s*([0-9]+(?:\.[0-9]+)*|[a-z])$`)
	verRegexp     = regexp.MustCompile(`(?i)^v(?:er(?:sion)?)?\s*([0-9]+(?:\.[0-9]+)*)([a-z])?$`)
	spaceCollapse = regexp.MustCompile(`\s+`)
)

// dumpCodeRegexp matches GoodTools dump codes: [!] verified, [a] alternate,
// [b] bad, [f] fixed, [h] hack, [o] overdump, [p] pirate, [t] trainer and
// [T+Eng] translation.
var dumpCodeRegexp = regexp.MustCompile(`^(?:!|([abfhopt])[0-9]*(?:[A-Z][A-Za-z0-9]*)?|(T)[+-].*)$`)

var discTypes = map[string]string{
	"disc": "disc",
	"disk": "disc",
	"cd":   "disc",
	"side": "side",
	"part": "part",
	"tape": "tape",
}

// Classify parses filename. It never fails: tokens it does not recognise are
// dropped.
func Classify(filename string) Name {
	base := StripExtension(baseName(filename))

	name := Name{Title: StripTags(base)}
	regions := make(map[string]struct{})
	languages := make(map[string]struct{})

	for _, m := range groupRegexp.FindAllStringSubmatch(base, -1) {
		body := m[1]
		bracket := strings.HasPrefix(m[0], "[")
		if bracket {
			body = m[2]
			if classifyDumpCode(strings.TrimSpace(body), &name) {
				continue
			}
		}
		for _, token := range splitTokens(body) {
			classifyToken(token, bracket, &name, regions, languages)
		}
	}

	name.Regions = sortedSet(regions)
	name.Languages = sortedSet(languages)
	return name
}

// classifyDumpCode handles a GoodTools bracket flag. Hacks, translations and
// pirate dumps set release flags; the other codes carry no attribute kept here.
func classifyDumpCode(body string, name *Name) bool {
	m := dumpCodeRegexp.FindStringSubmatch(body)
	if m == nil {
		return false
	}
	switch {
	case m[1] == "h", m[2] == "T":
		name.Flags.Hack = true
	case m[1] == "p":
		name.Flags.Unlicensed = true
	}
	return true
}

// classifyToken classifies one tag token. Single-letter region codes such as
// "U" or "E" are only honoured inside parentheses; in brackets those letters
// are dump codes.
func classifyToken(token string, bracket bool, name *Name, regions, languages map[string]struct{}) {
	if token == "" {
		return
	}
	if m := discRegexp.FindStringSubmatch(token); m != nil {
		if name.Disc == nil {
			total, _ := strconv.Atoi(m[3])
			name.Disc = &Disc{
				Type:  discTypes[strings.ToLower(m[1])],
				Index: strings.ToLower(m[2]),
				Total: total,
			}
		}
		return
	}
	if v := parseVersion(token); v != nil {
		if name.Version == nil {
			name.Version = v
		}
		return
	}
	if code := NormalizeLanguageCode(token); code != "" {
		languages[code] = struct{}{}
		return
	}
	if !(bracket && len(strings.TrimSpace(token)) == 1) {
		if code := NormalizeRegionCode(token); code != "" {
			regions[code] = struct{}{}
			return
		}
	}
	fields := strings.Fields(strings.ToLower(token))
	if len(fields) == 0 {
		return
	}
	switch releaseKeywords[fields[0]] {
	case releasePrerelease:
		name.Flags.Prerelease = true
	case releaseUnlicensed:
		name.Flags.Unlicensed = true
	case releaseHack:
		name.Flags.Hack = true
	case releaseHomebrew:
		name.Flags.Homebrew = true
	}
}

func parseVersion(token string) *Version {
	if m := revRegexp.FindStringSubmatch(token); m != nil {
		v := &Version{Kind: VersionRev, Raw: token}
		if isLetter(m[1]) {
			v.Letter = strings.ToLower(m[1])
			return v
		}
		v.Parts = parseParts(m[1])
		return v
	}
	if m := verRegexp.FindStringSubmatch(token); m != nil {
		return &Version{
			Kind:   VersionVer,
			Parts:  parseParts(m[1]),
			Letter: strings.ToLower(m[2]),
			Raw:    token,
		}
	}
	return nil
}

func parseParts(s string) []int {
	items := strings.Split(s, ".")
	parts := make([]int, 0, len(items))
	for _, item := range items {
		n, err := strconv.Atoi(item)
		if err != nil {
			n = 0
		}
		parts = append(parts, n)
	}
	return parts
}

func isLetter(s string) bool {
	return len(s) == 1 && unicode.IsLetter(rune(s[0]))
}

// splitTokens splits a tag body on commas, honouring backslash-escaped commas.
func splitTokens(body string) []string {
	var (
		tokens []string
		buf    strings.Builder
	)
	runes := []rune(body)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\\' && i+1 < len(runes) && runes[i+1] == ',' {
			buf.WriteRune(',')
			i++
			continue
		}
		if r == ',' {
			tokens = append(tokens, strings.TrimSpace(buf.String()))
			buf.Reset()
			continue
		}
		buf.WriteRune(r)
	}
	tokens = append(tokens, strings.TrimSpace(buf.String()))
	return tokens
}

// StripTags removes every trailing "(...)" and "[...]" group from s.
func StripTags(s string) string {
	s = strings.TrimSpace(s)
	for {
		var open byte
		switch {
		case strings.HasSuffix(s, ")"):
			open = '('
		case strings.HasSuffix(s, "]"):
			open = '['
		default:
			return s
		}
		idx := strings.LastIndexByte(s, open)
		if idx < 0 {
			return s
		}
		s = strings.TrimSpace(s[:idx])
	}
}

// StripExtension removes a trailing file extension. Only short alphanumeric
// suffixes containing a letter count, so "Game v1.1" keeps its version.
func StripExtension(name string) string {
	ext := Extension(name)
	return strings.TrimSuffix(name, ext)
}

// Extension returns the file extension of name including the dot, or "".
func Extension(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 || idx == len(name)-1 {
		return ""
	}
	ext := name[idx+1:]
	if len(ext) > 6 {
		return ""
	}
	hasLetter := false
	for _, r := range ext {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return ""
		}
		if unicode.IsLetter(r) {
			hasLetter = true
		}
	}
	if !hasLetter {
		return ""
	}
	return name[idx:]
}

// NormalizeTitle case-folds a title and collapses its whitespace.
func NormalizeTitle(title string) string {
	return strings.TrimSpace(spaceCollapse.ReplaceAllString(strings.ToLower(title), " "))
}

func baseName(p string) string {
	if idx := strings.LastIndexByte(p, '/'); idx >= 0 {
		return p[idx+1:]
	}
	return p
}
