package restore

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// headers holds the offsets of the fields the restorer patches. Offsets are
// valid both in the backup copy and at the start of the image, since the
// copy is placed at offset zero.
type headers struct {
	optional    int
	magic       uint16
	directories int
	dirCount    uint32
	sections    int
	numSections int
	size        int
}

// parseHeaders validates a header copy before it is written over the image.
func parseHeaders(b []byte) (*headers, error) {
	if b[0] != 'M' || b[1] != 'Z' {
		return nil, fmt.Errorf("%w: header copy has no DOS signature", ErrRestore)
	}
	lfanew := int(binary.LittleEndian.Uint32(b[0x3c:]))
	if lfanew < minHeaderSize || lfanew+4+sizeOfFileHeader+2 > len(b) {
		return nil, fmt.Errorf("%w: header copy e_lfanew 0x%x out of range", ErrRestore, lfanew)
	}
	if binary.LittleEndian.Uint32(b[lfanew:]) != peSignature {
		return nil, fmt.Errorf("%w: header copy has no PE signature", ErrRestore)
	}

	fileHeader := lfanew + 4
	h := &headers{
		optional:    fileHeader + sizeOfFileHeader,
		numSections: int(binary.LittleEndian.Uint16(b[fileHeader+2:])),
		size:        len(b),
	}
	optionalSize := int(binary.LittleEndian.Uint16(b[fileHeader+16:]))
	h.magic = binary.LittleEndian.Uint16(b[h.optional:])

	var countAt int
	switch h.magic {
	case optionalMagic32:
		countAt, h.directories = h.optional+92, h.optional+96
	case optionalMagic64:
		countAt, h.directories = h.optional+108, h.optional+112
	default:
		return nil, fmt.Errorf("%w: header copy has unknown optional header magic 0x%x", ErrRestore, h.magic)
	}
	if countAt+4 > len(b) || h.optional+optionalSize > len(b) {
		return nil, fmt.Errorf("%w: header copy optional header truncated", ErrRestore)
	}
	h.dirCount = binary.LittleEndian.Uint32(b[countAt:])

	h.sections = h.optional + optionalSize
	if h.sections+h.numSections*sizeOfSectionHeader > len(b) {
		return nil, fmt.Errorf("%w: header copy section table truncated (%d sections)", ErrRestore, h.numSections)
	}
	return h, nil
}

// offset resolves dst to its position in the header. Data directories must
// lie inside the optional header as sized by SizeOfOptionalHeader.
func (h *headers) offset(dst target) (int, error) {
	if dst.directory < 0 {
		at := h.optional + 16
		if at+4 > h.sections {
			return 0, fmt.Errorf("%w: optional header too short for the entry point", ErrRestore)
		}
		return at, nil
	}
	if uint32(dst.directory) >= h.dirCount {
		return 0, fmt.Errorf("%w: data directory %d missing (%d present)", ErrRestore, dst.directory, h.dirCount)
	}
	at := h.directories + dst.directory*8
	if dst.size {
		at += 4
	}
	if at+4 > h.sections || at+4 > h.size {
		return 0, fmt.Errorf("%w: data directory %d lies outside the optional header", ErrRestore, dst.directory)
	}
	return at, nil
}

// trimSections cuts the section table at the first section whose name starts
// with prefix, clearing the dropped entries and shrinking SizeOfImage.
func (h *headers) trimSections(data []byte, prefix string) {
	keep := h.numSections
	for i := 0; i < h.numSections; i++ {
		at := h.sections + i*sizeOfSectionHeader
		name := strings.TrimRight(string(data[at:at+8]), "\x00")
		if strings.HasPrefix(name, prefix) {
			keep = i
			break
		}
	}
	if keep == h.numSections || keep == 0 {
		return
	}

	clear(data[h.sections+keep*sizeOfSectionHeader : h.sections+h.numSections*sizeOfSectionHeader])
	binary.LittleEndian.PutUint16(data[h.optional-sizeOfFileHeader+2:], uint16(keep))

	last := h.sections + (keep-1)*sizeOfSectionHeader
	va := binary.LittleEndian.Uint32(data[last+12:])
	span := binary.LittleEndian.Uint32(data[last+8:])
	if span == 0 {
		span = binary.LittleEndian.Uint32(data[last+16:])
	}
	alignment := binary.LittleEndian.Uint32(data[h.optional+32:])
	if alignment == 0 {
		alignment = 0x1000
	}
	sizeOfImage := (va + span + alignment - 1) / alignment * alignment
	binary.LittleEndian.PutUint32(data[h.optional+56:], sizeOfImage)
}
