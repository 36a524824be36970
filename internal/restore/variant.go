package restore

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// Variant is a packer release family. Each one relocates the original
// headers with its own layout.
type Variant int

const (
	V7_80 Variant = iota + 1
	V9_70
	V10_70
)

// packerSection holds the loader stub and the backup of the original headers.
const (
	packerSection       = ".enigma1"
	packerSectionPrefix = ".enigma"
)

const (
	dirImport    = 1
	dirBaseReloc = 5
	dirTLS       = 9
	dirIAT       = 12
)

// target is a field of the restored optional header. directory < 0 selects
// AddressOfEntryPoint.
type target struct {
	directory int
	size      bool
}

// patchRule writes one optional header field after the copy, either from the
// backup block (src >= 0) or a fixed value.
type patchRule struct {
	dst   target
	src   int
	value uint32
}

func entryPointFrom(src int) patchRule {
	return patchRule{dst: target{directory: -1}, src: src}
}

func directoryFrom(dir, rvaSrc, sizeSrc int) []patchRule {
	return []patchRule{
		{dst: target{directory: dir}, src: rvaSrc},
		{dst: target{directory: dir, size: true}, src: sizeSrc},
	}
}

func clearDirectory(dir int) []patchRule {
	return []patchRule{
		{dst: target{directory: dir}, src: -1},
		{dst: target{directory: dir, size: true}, src: -1},
	}
}

type layout struct {
	signature []byte
	// sigOffset is where the backup block starts inside the packer section.
	sigOffset     int
	sizeField     int
	checksumField int // -1 when the release does not checksum the copy
	entryField    int
	headerOffset  int
	patches       []patchRule
	// trimSections drops the packer's own sections, which some releases
	// back up along with the original ones.
	trimSections bool
}

func join(rules ...[]patchRule) []patchRule {
	var out []patchRule
	for _, r := range rules {
		out = append(out, r...)
	}
	return out
}

var layouts = map[Variant]*layout{
	V10_70: {
		signature:     []byte("EVBPE\x0a\x46\x00"),
		sigOffset:     0x00,
		sizeField:     0x08,
		checksumField: 0x0c,
		entryField:    0x10,
		headerOffset:  0x60,
		patches: join(
			[]patchRule{entryPointFrom(0x10)},
			directoryFrom(dirImport, 0x14, 0x18),
			directoryFrom(dirIAT, 0x1c, 0x20),
			directoryFrom(dirBaseReloc, 0x24, 0x28),
			directoryFrom(dirTLS, 0x2c, 0x30),
		),
	},
	V9_70: {
		signature:     []byte("EVBPE\x09\x46\x00"),
		sigOffset:     0x10,
		sizeField:     0x08,
		checksumField: 0x0c,
		entryField:    0x10,
		headerOffset:  0x40,
		patches: join(
			[]patchRule{entryPointFrom(0x10)},
			directoryFrom(dirImport, 0x14, 0x18),
			directoryFrom(dirBaseReloc, 0x1c, 0x20),
			// the IAT directory still points into the loader; imports resolve without it
			clearDirectory(dirIAT),
		),
	},
	V7_80: {
		signature:     []byte("EVB\x07"),
		sigOffset:     0x00,
		sizeField:     0x04,
		checksumField: -1,
		entryField:    0x08,
		headerOffset:  0x20,
		patches: join(
			[]patchRule{entryPointFrom(0x08)},
			directoryFrom(dirImport, 0x0c, 0x10),
		),
		trimSections: true,
	},
}

var aliases = map[Variant][]string{
	V10_70: {"10_70", "1070", "10.70"},
	V9_70:  {"9_70", "970", "9.70"},
	V7_80:  {"7_80", "780", "7.80"},
}

// Variants lists the known releases in detection order, newest first.
func Variants() []Variant {
	return []Variant{V10_70, V9_70, V7_80}
}

func (v Variant) String() string {
	switch v {
	case V10_70:
		return "10_70"
	case V9_70:
		return "9_70"
	case V7_80:
		return "7_80"
	case 0:
		return "auto"
	default:
		return "UNKNOWN"
	}
}

// ParseVariant accepts the tags printed by String as well as the short forms
// without separator.
func ParseVariant(s string) (Variant, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "v")
	for _, v := range Variants() {
		if slices.Contains(aliases[v], s) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("invalid PE variant %q (expected one of 10_70, 9_70, 7_80)", s)
}

// Set implements pflag.Value. "auto" resets to detection.
func (v *Variant) Set(s string) error {
	if strings.EqualFold(strings.TrimSpace(s), "auto") {
		*v = 0
		return nil
	}
	parsed, err := ParseVariant(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Type implements pflag.Value.
func (v *Variant) Type() string {
	return "variant"
}
