// Package filter decides which rules apply to a changed file.
//
// Conditions are evaluated cheapest first and only when present:
//
//  1. paths: the file lies inside one of a colon-separated list of paths
//  2. extensions: the file has one of a colon-separated list of extensions
//  3. ignoredDirs: no component of the path is one of these directory names
//  4. pattern: the whole path matches a regular expression
//  5. size: the file is at least (minimum) or at most (maximum) a size
//
// All present conditions must hold. The size condition is skipped for
// deleted files, which can no longer be stat'ed.
package filter

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
)

// ErrInvalidCondition is returned when filter conditions cannot be compiled.
var ErrInvalidCondition = errors.New("invalid filter condition")

// Size condition types.
const (
	Minimum = "minimum"
	Maximum = "maximum"
)

// SizeCondition compares the file size against a threshold in bytes.
type SizeCondition struct {
	ConditionType string `yaml:"conditionType" toml:"conditionType"`
	Threshold     int64  `yaml:"treshold" toml:"treshold"`
}

// Conditions is the configured form of a filter. Empty fields mean
// "don't care".
type Conditions struct {
	Paths       string         `yaml:"paths,omitempty" toml:"paths,omitempty"`
	Extensions  string         `yaml:"extensions,omitempty" toml:"extensions,omitempty"`
	IgnoredDirs string         `yaml:"ignoredDirs,omitempty" toml:"ignoredDirs,omitempty"`
	Pattern     string         `yaml:"pattern,omitempty" toml:"pattern,omitempty"`
	Size        *SizeCondition `yaml:"size,omitempty" toml:"size,omitempty"`
}

// Filter is a compiled set of Conditions.
type Filter struct {
	fs afero.Fs

	paths       []string
	extensions  map[string]struct{}
	ignoredDirs map[string]struct{}
	pattern     *regexp.Regexp
	size        *SizeCondition
}

// New compiles conditions. A nil fs means the OS file system.
func New(c Conditions, fs afero.Fs) (*Filter, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	f := &Filter{fs: fs}

	for _, p := range splitList(c.Paths) {
		f.paths = append(f.paths, strings.TrimSuffix(p, "/")+"/")
	}

	if exts := splitList(c.Extensions); len(exts) > 0 {
		f.extensions = make(map[string]struct{}, len(exts))
		for _, e := range exts {
			f.extensions[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
		}
	}

	if dirs := splitList(c.IgnoredDirs); len(dirs) > 0 {
		f.ignoredDirs = make(map[string]struct{}, len(dirs))
		for _, d := range dirs {
			f.ignoredDirs[d] = struct{}{}
		}
	}

	if c.Pattern != "" {
		re, err := regexp.Compile("^(?:" + c.Pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidCondition, c.Pattern, err)
		}
		f.pattern = re
	}

	if c.Size != nil {
		switch c.Size.ConditionType {
		case Minimum, Maximum:
		default:
			return nil, fmt.Errorf("%w: size condition type %q (want %q or %q)",
				ErrInvalidCondition, c.Size.ConditionType, Minimum, Maximum)
		}
		if c.Size.Threshold < 0 {
			return nil, fmt.Errorf("%w: negative size threshold %d", ErrInvalidCondition, c.Size.Threshold)
		}
		size := *c.Size
		f.size = &size
	}

	return f, nil
}

// Matches reports whether path satisfies every present condition.
// When deleted is true the size condition is not evaluated.
func (f *Filter) Matches(path string, deleted bool) bool {
	if len(f.paths) > 0 && !f.matchPaths(path) {
		return false
	}
	if f.extensions != nil && !f.matchExtension(path) {
		return false
	}
	if f.ignoredDirs != nil && f.inIgnoredDir(path) {
		return false
	}
	if f.pattern != nil && !f.pattern.MatchString(path) {
		return false
	}
	if f.size != nil && !deleted && !f.matchSize(path) {
		return false
	}
	return true
}

// String describes the compiled filter for logs.
func (f *Filter) String() string {
	var parts []string
	if len(f.paths) > 0 {
		parts = append(parts, fmt.Sprintf("paths=%v", f.paths))
	}
	if f.extensions != nil {
		parts = append(parts, fmt.Sprintf("extensions=%d", len(f.extensions)))
	}
	if f.ignoredDirs != nil {
		parts = append(parts, fmt.Sprintf("ignoredDirs=%d", len(f.ignoredDirs)))
	}
	if f.pattern != nil {
		parts = append(parts, "pattern="+f.pattern.String())
	}
	if f.size != nil {
		parts = append(parts, fmt.Sprintf("size %s %s", f.size.ConditionType, humanize.IBytes(uint64(f.size.Threshold))))
	}
	if len(parts) == 0 {
		return "match-all"
	}
	return strings.Join(parts, " ")
}

func (f *Filter) matchPaths(path string) bool {
	for _, p := range f.paths {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

func (f *Filter) matchExtension(path string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "" {
		return false
	}
	_, ok := f.extensions[ext]
	return ok
}

func (f *Filter) inIgnoredDir(path string) bool {
	dir := filepath.Dir(path)
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if _, ok := f.ignoredDirs[part]; ok {
			return true
		}
	}
	return false
}

func (f *Filter) matchSize(path string) bool {
	fi, err := f.fs.Stat(path)
	if err != nil {
		return false
	}
	switch f.size.ConditionType {
	case Minimum:
		return fi.Size() >= f.size.Threshold
	default:
		return fi.Size() <= f.size.Threshold
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ":") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
