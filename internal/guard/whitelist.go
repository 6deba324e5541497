package guard

import (
	"path/filepath"
	"regexp"

	appErr "syscraft/pkg/errors"
)

// WhitelistEntry declares one executable eligible for execution. Path is
// optional; when set it must be absolute and also admits the executable by
// full path. FlagPattern is an optional regexp that every dash-prefixed
// argument must match in full.
type WhitelistEntry struct {
	Name        string `json:"name"`
	Path        string `json:"path,optional"`
	FlagPattern string `json:"flagPattern,optional"`
}

type compiledEntry struct {
	name      string
	canonical string
	flagRe    *regexp.Regexp
}

// Whitelist is the finite set of executables the validator will ever accept.
// All filesystem resolution happens here, at build time, so that Validate
// stays pure. The set is immutable after construction.
type Whitelist struct {
	byName map[string]*compiledEntry
	byPath map[string]*compiledEntry
}

var executableNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// NewWhitelist compiles the configured entries into lookup tables. Entry
// paths are lexically normalized and, when the file exists, symlink-resolved
// so that the identity checked is the identity spawned.
func NewWhitelist(entries []WhitelistEntry) (*Whitelist, error) {
	wl := &Whitelist{
		byName: make(map[string]*compiledEntry, len(entries)),
		byPath: make(map[string]*compiledEntry),
	}

	for _, entry := range entries {
		if entry.Name == "" {
			return nil, appErr.New(appErr.ConfigInvalid).WithMessage("whitelist entry has no name")
		}
		if !executableNameRe.MatchString(entry.Name) {
			return nil, appErr.Newf(appErr.ConfigInvalid, "whitelist entry %q: invalid executable name", entry.Name)
		}
		if _, dup := wl.byName[entry.Name]; dup {
			return nil, appErr.Newf(appErr.ConfigInvalid, "duplicate whitelist entry %q", entry.Name)
		}

		compiled := &compiledEntry{
			name:      entry.Name,
			canonical: entry.Name,
		}

		if entry.FlagPattern != "" {
			re, err := regexp.Compile("^(?:" + entry.FlagPattern + ")$")
			if err != nil {
				return nil, appErr.Wrapf(err, appErr.ConfigInvalid, "whitelist entry %q: invalid flag pattern", entry.Name)
			}
			compiled.flagRe = re
		}

		if entry.Path != "" {
			if !filepath.IsAbs(entry.Path) {
				return nil, appErr.Newf(appErr.ConfigInvalid, "whitelist entry %q: path must be absolute", entry.Name)
			}
			clean := filepath.Clean(entry.Path)
			compiled.canonical = clean
			wl.byPath[clean] = compiled
			if resolved, err := filepath.EvalSymlinks(clean); err == nil && resolved != clean {
				compiled.canonical = resolved
				wl.byPath[resolved] = compiled
			}
		}

		wl.byName[entry.Name] = compiled
	}

	return wl, nil
}

// lookup maps the first command token to its whitelist entry. Bare names go
// through the name table; tokens containing a separator must be absolute
// paths registered at build time. Everything else misses.
func (wl *Whitelist) lookup(token string) (*compiledEntry, bool) {
	if token == "" {
		return nil, false
	}
	if containsSeparator(token) {
		if !filepath.IsAbs(token) {
			return nil, false
		}
		entry, ok := wl.byPath[filepath.Clean(token)]
		return entry, ok
	}
	entry, ok := wl.byName[token]
	return entry, ok
}

// Len reports the number of configured entries.
func (wl *Whitelist) Len() int {
	return len(wl.byName)
}

func containsSeparator(token string) bool {
	for i := 0; i < len(token); i++ {
		if token[i] == '/' {
			return true
		}
	}
	return false
}
