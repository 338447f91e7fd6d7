package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// FilterFile is the top-level YAML configuration for URL filtering.
//
//	exclude:           # items hidden from the control surface
//	  - "*://*.example.com/*"
//	relay_exclude:     # tabs that never get a gain relay
//	  - "https://meet.google.com/*"
//	startup_urls:      # opened when the daemon launches the browser
//	  - "https://www.youtube.com/"
type FilterFile struct {
	Exclude      []string `yaml:"exclude"`
	RelayExclude []string `yaml:"relay_exclude"`
	StartupURLs  []string `yaml:"startup_urls"`
}

// Filters holds compiled URL patterns.
type Filters struct {
	exclude      []glob.Glob
	relayExclude []glob.Glob
	StartupURLs  []string
}

// NoFilters returns an empty filter set that lets every URL through.
func NoFilters() *Filters { return &Filters{} }

// LoadFilters reads and compiles a filter YAML file. A missing file yields
// an empty filter set.
func LoadFilters(path string) (*Filters, error) {
	if path == "" {
		return NoFilters(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NoFilters(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("filter config: %w", err)
	}
	var file FilterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("filter config: %w", err)
	}
	return CompileFilters(file)
}

// CompileFilters validates and compiles the patterns of file.
func CompileFilters(file FilterFile) (*Filters, error) {
	f := &Filters{}
	var err error
	if f.exclude, err = compileAll("exclude", file.Exclude); err != nil {
		return nil, err
	}
	if f.relayExclude, err = compileAll("relay_exclude", file.RelayExclude); err != nil {
		return nil, err
	}
	for i, raw := range file.StartupURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return nil, fmt.Errorf("filter config: startup_urls[%d] is not an absolute url: %q", i, raw)
		}
		f.StartupURLs = append(f.StartupURLs, raw)
	}
	return f, nil
}

func compileAll(field string, patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for i, p := range patterns {
		if p == "" {
			return nil, fmt.Errorf("filter config: %s[%d] is empty", field, i)
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("filter config: %s[%d]: %w", field, i, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Hidden reports whether an item with this URL is excluded from the
// control surface.
func (f *Filters) Hidden(rawURL string) bool {
	return matchAny(f.exclude, rawURL)
}

// RelayAllowed reports whether a tab at this URL may run a gain relay.
func (f *Filters) RelayAllowed(rawURL string) bool {
	return !matchAny(f.relayExclude, rawURL)
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
