// Package filter narrows a remote listing down to the filenames a system
// should download.
//
// Precedence when dimensions disagree:
//
//  1. ExcludeList: a matching name is always dropped.
//  2. IncludeList: a matching name is always kept and bypasses every
//     dimension filter and 1G1R.
//  3. NamePattern, regions, languages and release flags, in that order.
//  4. 1G1R over whatever survived step 3.
package filter

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/xxxsen/romfetch/internal/romname"
	"github.com/xxxsen/romfetch/internal/selector"
)

// Options enumerates every supported filter dimension.
type Options struct {
	NamePattern       string            `json:"name_pattern" toml:"name_pattern"`
	IncludeRegions    []string          `json:"include_regions" toml:"include_regions"`
	ExcludeRegions    []string          `json:"exclude_regions" toml:"exclude_regions"`
	IncludeLanguages  []string          `json:"include_languages" toml:"include_languages"`
	ExcludeLanguages  []string          `json:"exclude_languages" toml:"exclude_languages"`
	ExcludePrerelease bool              `json:"exclude_prerelease" toml:"exclude_prerelease"`
	ExcludeUnlicensed bool              `json:"exclude_unlicensed" toml:"exclude_unlicensed"`
	ExcludeHacks      bool              `json:"exclude_hacks" toml:"exclude_hacks"`
	ExcludeHomebrew   bool              `json:"exclude_homebrew" toml:"exclude_homebrew"`
	IncludeList       []string          `json:"include_list" toml:"include_list"`
	ExcludeList       []string          `json:"exclude_list" toml:"exclude_list"`
	OneGameOneRom     bool              `json:"one_game_one_rom" toml:"one_game_one_rom"`
	Priority          selector.Priority `json:"priority" toml:"priority"`
}

// Filter is a compiled Options value.
type Filter struct {
	opts             Options
	pattern          *regexp.Regexp
	includeRegions   map[string]struct{}
	excludeRegions   map[string]struct{}
	includeLanguages map[string]struct{}
	excludeLanguages map[string]struct{}
	regionLanguages  map[string][]string
}

// Compile validates opts. regionLanguages is the language inference table
// used for files without explicit language tags; nil selects the default.
func Compile(opts Options, regionLanguages map[string][]string) (*Filter, error) {
	f := &Filter{opts: opts, regionLanguages: regionLanguages}
	if p := strings.TrimSpace(opts.NamePattern); p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile name pattern %q: %w", p, err)
		}
		f.pattern = re
	}
	for _, list := range [][]string{opts.IncludeList, opts.ExcludeList} {
		for _, glob := range list {
			if _, err := path.Match(glob, ""); err != nil {
				return nil, fmt.Errorf("invalid list pattern %q: %w", glob, err)
			}
		}
	}
	var err error
	if f.includeRegions, err = codeSet(opts.IncludeRegions, romname.NormalizeRegionCode, "region"); err != nil {
		return nil, err
	}
	if f.excludeRegions, err = codeSet(opts.ExcludeRegions, romname.NormalizeRegionCode, "region"); err != nil {
		return nil, err
	}
	if f.includeLanguages, err = codeSet(opts.IncludeLanguages, romname.NormalizeLanguageCode, "language"); err != nil {
		return nil, err
	}
	if f.excludeLanguages, err = codeSet(opts.ExcludeLanguages, romname.NormalizeLanguageCode, "language"); err != nil {
		return nil, err
	}
	f.opts.Priority.RegionLanguages = regionLanguages
	return f, nil
}

func codeSet(items []string, normalize func(string) string, kind string) (map[string]struct{}, error) {
	if len(items) == 0 {
		return nil, nil
	}
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		code := normalize(item)
		if code == "" {
			return nil, fmt.Errorf("unknown %s %q", kind, item)
		}
		set[code] = struct{}{}
	}
	return set, nil
}

// Apply returns the filenames that pass the filter, in input order.
func (f *Filter) Apply(names []string) []string {
	forced := make(map[string]struct{})
	candidates := make([]string, 0, len(names))
	for _, name := range names {
		if matchAny(f.opts.ExcludeList, name) {
			continue
		}
		if matchAny(f.opts.IncludeList, name) {
			forced[name] = struct{}{}
			continue
		}
		if f.Match(name) {
			candidates = append(candidates, name)
		}
	}
	if f.opts.OneGameOneRom {
		candidates = selector.Select(candidates, f.opts.Priority)
	}
	if len(forced) == 0 {
		return candidates
	}
	selected := make(map[string]struct{}, len(candidates))
	for _, name := range candidates {
		selected[name] = struct{}{}
	}
	out := make([]string, 0, len(candidates)+len(forced))
	for _, name := range names {
		if _, ok := forced[name]; ok {
			out = append(out, name)
			continue
		}
		if _, ok := selected[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Match reports whether a single name passes the dimension filters. List
// membership and 1G1R are not considered.
func (f *Filter) Match(name string) bool {
	if f.pattern != nil && !f.pattern.MatchString(name) {
		return false
	}
	info := romname.Classify(name)
	if f.includeRegions != nil && !intersects(f.includeRegions, info.Regions) {
		return false
	}
	if f.excludeRegions != nil && intersects(f.excludeRegions, info.Regions) {
		return false
	}
	if f.includeLanguages != nil || f.excludeLanguages != nil {
		langs := info.Languages
		if len(langs) == 0 {
			langs = romname.InferLanguages(info.Regions, f.regionLanguages)
		}
		if f.includeLanguages != nil && !intersects(f.includeLanguages, langs) {
			return false
		}
		if f.excludeLanguages != nil && intersects(f.excludeLanguages, langs) {
			return false
		}
	}
	switch {
	case f.opts.ExcludePrerelease && info.Flags.Prerelease:
		return false
	case f.opts.ExcludeUnlicensed && info.Flags.Unlicensed:
		return false
	case f.opts.ExcludeHacks && info.Flags.Hack:
		return false
	case f.opts.ExcludeHomebrew && info.Flags.Homebrew:
		return false
	}
	return true
}

func intersects(set map[string]struct{}, codes []string) bool {
	for _, c := range codes {
		if _, ok := set[c]; ok {
			return true
		}
	}
	return false
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}
