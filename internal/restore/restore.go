package restore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/saferwall/pe"

	"evbunpack/internal/common"
)

var (
	// ErrVariantMismatch is returned when the buffer does not carry the
	// signature of the requested variant.
	ErrVariantMismatch = errors.New("restore: variant does not match")

	// ErrRestore is returned when the backed up headers are unusable.
	ErrRestore = errors.New("restore: cannot restore headers")
)

const (
	peSignature     = 0x00004550
	optionalMagic32 = 0x10b
	optionalMagic64 = 0x20b

	sizeOfFileHeader    = 20
	sizeOfSectionHeader = 40
	minHeaderSize       = 0x40
)

// Context binds a packed image to the variant used to restore it. The
// buffer is modified in place by RestorePE.
type Context struct {
	data []byte

	variant Variant
	layout  *layout
	// block is the file offset of the backup block; sectionEnd bounds it.
	block      int
	sectionEnd int
	machine    uint16

	parsed   bool
	sections []pe.Section
	parseErr error
}

// Report describes a bound context.
type Report struct {
	Variant     Variant
	BlockOffset int
	Arch        common.CPUArch
	EntryPoint  uint32
}

func NewContext(data []byte) *Context {
	return &Context{data: data}
}

func (c *Context) packedSections() ([]pe.Section, error) {
	if c.parsed {
		return c.sections, c.parseErr
	}
	c.parsed = true

	file, err := pe.NewBytes(c.data, &pe.Options{Fast: true})
	if err != nil {
		c.parseErr = fmt.Errorf("unable to open packed image. %v", err)
		return nil, c.parseErr
	}
	if err = file.Parse(); err != nil {
		c.parseErr = fmt.Errorf("unable to parse packed image. %v", err)
		return nil, c.parseErr
	}
	c.sections = file.Sections
	c.machine = uint16(file.NtHeader.FileHeader.Machine)
	return c.sections, nil
}

func sectionName(raw [8]uint8) string {
	return strings.TrimRight(string(raw[:]), "\x00")
}

// locate finds the backup block of v without binding it.
func (c *Context) locate(v Variant) (block, end int, err error) {
	l, ok := layouts[v]
	if !ok {
		return 0, 0, fmt.Errorf("%w: unknown variant %d", ErrVariantMismatch, v)
	}
	sections, err := c.packedSections()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrVariantMismatch, err)
	}

	for _, s := range sections {
		if sectionName(s.Header.Name) != packerSection {
			continue
		}
		start := int(s.Header.PointerToRawData)
		end = min(start+int(s.Header.SizeOfRawData), len(c.data))
		block = start + l.sigOffset
		if block+len(l.signature) > end || !bytes.Equal(c.data[block:block+len(l.signature)], l.signature) {
			return 0, 0, fmt.Errorf("%w: no %s signature in %s", ErrVariantMismatch, v, packerSection)
		}
		return block, end, nil
	}
	return 0, 0, fmt.Errorf("%w: no %s section", ErrVariantMismatch, packerSection)
}

// WithVariant binds v after checking its signature is present.
func (c *Context) WithVariant(v Variant) (*Context, error) {
	block, end, err := c.locate(v)
	if err != nil {
		return nil, err
	}
	c.variant = v
	c.layout = layouts[v]
	c.block = block
	c.sectionEnd = end
	return c, nil
}

// WithVariantAuto binds the first variant, newest first, whose signature is
// present. It reports false when none matches.
func (c *Context) WithVariantAuto() (*Context, bool) {
	for _, v := range Variants() {
		if _, err := c.WithVariant(v); err == nil {
			return c, true
		}
	}
	return nil, false
}

func (c *Context) Variant() Variant {
	return c.variant
}

func (c *Context) field(off int) (uint32, error) {
	pos := c.block + off
	if pos+4 > c.sectionEnd {
		return 0, fmt.Errorf("%w: backup block truncated at field 0x%x", ErrRestore, off)
	}
	return binary.LittleEndian.Uint32(c.data[pos:]), nil
}

func (c *Context) Report() Report {
	r := Report{
		Variant:     c.variant,
		BlockOffset: c.block,
		Arch:        common.ArchFromMachine(c.machine),
	}
	if c.layout != nil {
		r.EntryPoint, _ = c.field(c.layout.entryField)
	}
	return r
}

// RestorePE writes the backed up headers over the start of the image,
// reapplies the fields the packer redirected, and returns the length of the
// standalone image. Running it again on the same buffer changes nothing.
func (c *Context) RestorePE() (int, error) {
	if c.layout == nil {
		return 0, fmt.Errorf("%w: no variant bound", ErrRestore)
	}
	l := c.layout

	size, err := c.field(l.sizeField)
	if err != nil {
		return 0, err
	}
	start := c.block + l.headerOffset
	end := start + int(size)
	if size < minHeaderSize || end > c.sectionEnd {
		return 0, fmt.Errorf("%w: header copy of %d bytes at 0x%x does not fit the packer section", ErrRestore, size, start)
	}
	if int(size) > c.block {
		return 0, fmt.Errorf("%w: header copy of %d bytes would overwrite its own backup at 0x%x", ErrRestore, size, c.block)
	}
	backup := c.data[start:end]

	if l.checksumField >= 0 {
		want, err := c.field(l.checksumField)
		if err != nil {
			return 0, err
		}
		if got := crc32.ChecksumIEEE(backup); got != want {
			return 0, fmt.Errorf("%w: header copy checksum 0x%08x, expected 0x%08x", ErrRestore, got, want)
		}
	}

	hdr, err := parseHeaders(backup)
	if err != nil {
		return 0, err
	}

	type write struct {
		at    int
		value uint32
	}
	writes := make([]write, 0, len(l.patches))
	for _, rule := range l.patches {
		value := rule.value
		if rule.src >= 0 {
			if value, err = c.field(rule.src); err != nil {
				return 0, err
			}
		}
		at, err := hdr.offset(rule.dst)
		if err != nil {
			return 0, err
		}
		writes = append(writes, write{at: at, value: value})
	}

	// nothing is written until every patch resolved
	copy(c.data, backup)
	for _, w := range writes {
		binary.LittleEndian.PutUint32(c.data[w.at:], w.value)
	}
	if l.trimSections {
		hdr.trimSections(c.data, packerSectionPrefix)
	}

	return imageEnd(c.data)
}

// imageEnd is the furthest raw byte any section of the restored image covers.
func imageEnd(data []byte) (int, error) {
	file, err := pe.NewBytes(data, &pe.Options{Fast: true})
	if err != nil {
		return 0, fmt.Errorf("%w: unable to open restored image. %v", ErrRestore, err)
	}
	if err = file.Parse(); err != nil {
		return 0, fmt.Errorf("%w: unable to parse restored image. %v", ErrRestore, err)
	}

	var end uint64
	switch oh := file.NtHeader.OptionalHeader.(type) {
	case pe.ImageOptionalHeader32:
		end = uint64(oh.SizeOfHeaders)
	case *pe.ImageOptionalHeader32:
		end = uint64(oh.SizeOfHeaders)
	case pe.ImageOptionalHeader64:
		end = uint64(oh.SizeOfHeaders)
	case *pe.ImageOptionalHeader64:
		end = uint64(oh.SizeOfHeaders)
	}
	for _, s := range file.Sections {
		if s.Header.SizeOfRawData == 0 {
			continue
		}
		end = max(end, uint64(s.Header.PointerToRawData)+uint64(s.Header.SizeOfRawData))
	}
	if end > uint64(len(data)) {
		return 0, fmt.Errorf("%w: restored sections end at 0x%x beyond the %d byte input", ErrRestore, end, len(data))
	}
	return int(end), nil
}
