package vfs

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Path is the chain of folder names leading to an entry, ending with the
// entry's own name.
type Path []string

func (p Path) String() string {
	return path.Join(p...)
}

// Under joins the path below root using the platform separator.
func (p Path) Under(root string) (string, error) {
	rel := filepath.Join(p...)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path %q escapes the output root", p.String())
	}
	return filepath.Join(root, rel), nil
}

func (p Path) child(name string) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = name
	return out
}

// reservedNames are the Windows device names. They stay reserved with any
// extension appended.
var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {}, "COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {}, "LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// validName rejects names that could not be a single path component on
// either Windows or Unix, or that Windows would alias to another name or a
// device.
func validName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty name")
	case name == "." || name == "..":
		return fmt.Errorf("reserved name %q", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("name %q contains a path separator", name)
	case strings.Contains(name, ":"):
		return fmt.Errorf("name %q contains a drive or stream separator", name)
	case strings.HasSuffix(name, ".") || strings.HasSuffix(name, " "):
		return fmt.Errorf("name %q ends with a dot or space", name)
	}
	base, _, _ := strings.Cut(name, ".")
	if _, reserved := reservedNames[strings.ToUpper(strings.TrimRight(base, " "))]; reserved {
		return fmt.Errorf("name %q is a device name", name)
	}
	return nil
}
