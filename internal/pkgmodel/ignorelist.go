package pkgmodel

import (
	"strings"

	"github.com/nano-agent/orchestrator/internal/orchtools"
)

// IgnoreAll is the sentinel that disables all updates.
const IgnoreAll = "all"

// IgnoreNone is the sentinel that clears the ignore list.
const IgnoreNone = "none"

// IgnoreList is a set of package names that must never be updated.
type IgnoreList struct {
	names map[string]bool
	all   bool
}

// LoadIgnoreList reads a newline-delimited ignore-packages file. A
// missing file yields an empty list, not an error.
func LoadIgnoreList(path string) (*IgnoreList, error) {
	il := &IgnoreList{names: make(map[string]bool)}
	if !orchtools.FileExists(path) {
		return il, nil
	}
	data, err := orchtools.ReadFile(path)
	if err != nil {
		return nil, err
	}
	il.apply(strings.Split(string(data), "\n"))
	return il, nil
}

// FromProfile builds an ignore list from a profile-setting override,
// which takes precedence over the on-disk file.
func FromProfile(names []string) *IgnoreList {
	il := &IgnoreList{names: make(map[string]bool)}
	il.apply(names)
	return il
}

func (il *IgnoreList) apply(lines []string) {
	for _, line := range lines {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		switch name {
		case IgnoreAll:
			il.all = true
		case IgnoreNone:
			il.all = false
			il.names = make(map[string]bool)
		default:
			il.names[name] = true
		}
	}
}

// All reports whether every package is ignored (the "all" sentinel).
func (il *IgnoreList) All() bool { return il.all }

// Ignored reports whether name is on the ignore list.
func (il *IgnoreList) Ignored(name string) bool {
	return il.all || il.names[name]
}

// Names returns the explicit (non-sentinel) ignored package names.
func (il *IgnoreList) Names() []string {
	out := make([]string, 0, len(il.names))
	for n := range il.names {
		out = append(out, n)
	}
	return out
}

// WriteIgnoreAll rewrites the ignore-packages file to contain only the "all"
// sentinel — used by the NSaaS short-circuit in the manifest controller.
func WriteIgnoreAll(path string) error {
	return orchtools.WriteFileAtomic(path, []byte(IgnoreAll+"\n"))
}
