// Package selector implements the "one game, one ROM" policy: among all
// variants of a title it keeps exactly one release, including every disc of a
// multi-disc set.
package selector

import (
	"strings"

	"github.com/xxxsen/romfetch/internal/romname"
)

// DefaultRegionOrder is the built-in region preference, best first.
var DefaultRegionOrder = []string{
	"us", "wor", "eu", "uk", "ca", "au", "jp", "kr", "br", "asia",
	"de", "fr", "es", "it", "nl", "se", "no", "dk", "fi", "scandinavia",
	"pt", "ru", "pl", "gr", "la", "cn", "tw", "hk",
}

// DefaultLanguageOrder is the built-in language preference, best first.
var DefaultLanguageOrder = []string{
	"en", "ja", "fr", "de", "es", "it", "nl", "pt", "sv", "no", "da",
	"fi", "ko", "zh", "ru", "pl", "el", "cs", "hu", "tr", "ar", "ca",
}

// legacyVersionRanks covers letter-only revisions, which old dumps use where
// newer sets use numbers.
var legacyVersionRanks = map[string][]int{
	"rev a": {1},
	"rev b": {2},
	"rev c": {3},
	"rev d": {4},
}

// Priority configures the rank tables used to pick a winner.
type Priority struct {
	PreferredRegion   string   `json:"preferred_region" toml:"preferred_region"`
	Regions           []string `json:"regions" toml:"regions"`
	PreferredLanguage string   `json:"preferred_language" toml:"preferred_language"`
	Languages         []string `json:"languages" toml:"languages"`
	// RegionLanguages infers languages for untagged files; nil means
	// romname.DefaultRegionLanguages.
	RegionLanguages map[string][]string `json:"-" toml:"-"`
}

// RankTable maps a code to its rank. Earlier codes rank higher.
type RankTable map[string]int

// NewRankTable builds a rank table from preferred, then overrides, then
// defaults. Codes are normalized with normalize; duplicates keep their first
// position. Rank is (list length - position).
func NewRankTable(preferred string, overrides, defaults []string, normalize func(string) string) RankTable {
	order := make([]string, 0, 1+len(overrides)+len(defaults))
	seen := make(map[string]struct{})
	push := func(code string) {
		if normalize != nil {
			code = normalize(code)
		}
		if code == "" {
			return
		}
		if _, ok := seen[code]; ok {
			return
		}
		seen[code] = struct{}{}
		order = append(order, code)
	}
	push(preferred)
	for _, c := range overrides {
		push(c)
	}
	for _, c := range defaults {
		push(c)
	}
	table := make(RankTable, len(order))
	for i, code := range order {
		table[code] = len(order) - i
	}
	return table
}

// Best returns the highest rank among codes, 0 when none are ranked.
func (t RankTable) Best(codes []string) int {
	best := 0
	for _, c := range codes {
		if r := t[c]; r > best {
			best = r
		}
	}
	return best
}

// VersionRank folds a version into a single comparable number: up to three
// numeric parts in base 100, then a letter suffix. Files without a version
// rank 0.
func VersionRank(v *romname.Version) int {
	if v == nil {
		return 0
	}
	parts, letter := v.Parts, 0
	if v.Letter != "" {
		letter = int(v.Letter[0]-'a') + 1
	}
	if legacy, ok := legacyVersionRanks[strings.ToLower(strings.Join(strings.Fields(v.Raw), " "))]; ok {
		parts, letter = legacy, 0
	}
	rank := 0
	for i := 0; i < 3; i++ {
		p := 0
		if i < len(parts) {
			p = parts[i]
		}
		if p > 99 {
			p = 99
		}
		rank = rank*100 + p
	}
	return rank*27 + letter + 1
}

type candidate struct {
	filename    string
	versionRank int
}

type variantGroup struct {
	order        int
	discs        map[string]candidate
	regionRank   int
	languageRank int
	versionRank  int
}

func (g *variantGroup) better(o *variantGroup) bool {
	if g.regionRank != o.regionRank {
		return g.regionRank > o.regionRank
	}
	if g.languageRank != o.languageRank {
		return g.languageRank > o.languageRank
	}
	if g.versionRank != o.versionRank {
		return g.versionRank > o.versionRank
	}
	if len(g.discs) != len(o.discs) {
		return len(g.discs) > len(o.discs)
	}
	return g.order < o.order
}

type titleGroups struct {
	groups map[string]*variantGroup
	list   []*variantGroup
}

// Select returns the subset of filenames that survive 1G1R, in input order.
func Select(filenames []string, prio Priority) []string {
	if len(filenames) <= 1 {
		return filenames
	}
	regionRanks := NewRankTable(prio.PreferredRegion, prio.Regions, DefaultRegionOrder, romname.NormalizeRegionCode)
	languageRanks := NewRankTable(prio.PreferredLanguage, prio.Languages, DefaultLanguageOrder, romname.NormalizeLanguageCode)

	titles := make(map[string]*titleGroups)
	titleOrder := make([]string, 0)
	keep := make(map[string]struct{})
	groupCount := 0

	for _, fn := range filenames {
		name := romname.Classify(fn)
		title := romname.NormalizeTitle(name.Title)
		if title == "" {
			keep[fn] = struct{}{}
			continue
		}
		tg, ok := titles[title]
		if !ok {
			tg = &titleGroups{groups: make(map[string]*variantGroup)}
			titles[title] = tg
			titleOrder = append(titleOrder, title)
		}
		key := strings.Join(name.Regions, ",") + "|" + strings.Join(name.Languages, ",")
		g, ok := tg.groups[key]
		if !ok {
			g = &variantGroup{order: groupCount, discs: make(map[string]candidate)}
			groupCount++
			tg.groups[key] = g
			tg.list = append(tg.list, g)
		}

		languages := name.Languages
		if len(languages) == 0 {
			languages = romname.InferLanguages(name.Regions, prio.RegionLanguages)
		}
		vr := VersionRank(name.Version)
		g.regionRank = max(g.regionRank, regionRanks.Best(name.Regions))
		g.languageRank = max(g.languageRank, languageRanks.Best(languages))
		g.versionRank = max(g.versionRank, vr)

		dk := name.DiscKey()
		if cur, ok := g.discs[dk]; !ok || vr > cur.versionRank {
			g.discs[dk] = candidate{filename: fn, versionRank: vr}
		}
	}

	for _, title := range titleOrder {
		tg := titles[title]
		winner := tg.list[0]
		for _, g := range tg.list[1:] {
			if g.better(winner) {
				winner = g
			}
		}
		for _, c := range winner.discs {
			keep[c.filename] = struct{}{}
		}
	}

	out := make([]string, 0, len(keep))
	for _, fn := range filenames {
		if _, ok := keep[fn]; ok {
			out = append(out, fn)
			// duplicate input names are emitted once
			delete(keep, fn)
		}
	}
	return out
}
