package testutil

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"hash/crc32"
)

const (
	HeaderSize       = 0x400
	fileAlignment    = 0x200
	sectionAlignment = 0x1000
	lfanew           = 0x80
	imageBase        = 0x400000

	OriginalEntryPoint = 0x1010
	OriginalSize       = 0x800
)

var dosStub = []byte{
	0x0e, 0x1f, 0xba, 0x0e, 0x00, 0xb4, 0x09, 0xcd, 0x21, 0xb8, 0x01, 0x4c, 0xcd, 0x21,
}

// Directory is an RVA/size pair.
type Directory struct {
	RVA  uint32
	Size uint32
}

// Original describes the host image before packing.
type Original struct {
	Import Directory
	IAT    Directory
	Reloc  Directory
	TLS    Directory
}

// DefaultOriginal is the host image used by the fixtures.
func DefaultOriginal() Original {
	return Original{
		Import: Directory{0x2000, 0x28},
		IAT:    Directory{0x2100, 0x10},
		Reloc:  Directory{0x2180, 0x20},
		TLS:    Directory{0x21c0, 0x18},
	}
}

type section struct {
	name    string
	va      uint32
	vsize   uint32
	raw     uint32
	rawSize uint32
	chars   uint32
}

func align(v, a uint32) uint32 {
	return (v + a - 1) / a * a
}

func header(entry uint32, dirs map[int]Directory, sections []section, sizeOfImage uint32) []byte {
	buf := make([]byte, HeaderSize)
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint16(buf[2:], 0x90)
	binary.LittleEndian.PutUint16(buf[4:], 3)
	binary.LittleEndian.PutUint16(buf[8:], 4)
	binary.LittleEndian.PutUint16(buf[0x0c:], 0xffff)
	binary.LittleEndian.PutUint16(buf[0x10:], 0xb8)
	binary.LittleEndian.PutUint16(buf[0x18:], 0x40)
	binary.LittleEndian.PutUint32(buf[0x3c:], lfanew)
	copy(buf[0x40:], dosStub)
	copy(buf[0x4e:], "This program cannot be run in DOS mode.\r\r\n$")

	var w bytes.Buffer
	w.WriteString("PE\x00\x00")
	binary.Write(&w, binary.LittleEndian, pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections:     uint16(len(sections)),
		TimeDateStamp:        0x5f5e1000,
		SizeOfOptionalHeader: uint16(binary.Size(pe.OptionalHeader32{})),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_32BIT_MACHINE,
	})
	opt := pe.OptionalHeader32{
		Magic:                       0x10b,
		MajorLinkerVersion:          14,
		SizeOfCode:                  0x200,
		SizeOfInitializedData:       0x200,
		AddressOfEntryPoint:         entry,
		BaseOfCode:                  0x1000,
		BaseOfData:                  0x2000,
		ImageBase:                   imageBase,
		SectionAlignment:            sectionAlignment,
		FileAlignment:               fileAlignment,
		MajorOperatingSystemVersion: 6,
		MajorSubsystemVersion:       6,
		SizeOfImage:                 sizeOfImage,
		SizeOfHeaders:               HeaderSize,
		Subsystem:                   pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
		DllCharacteristics:          pe.IMAGE_DLLCHARACTERISTICS_NX_COMPAT,
		SizeOfStackReserve:          0x100000,
		SizeOfStackCommit:           0x1000,
		SizeOfHeapReserve:           0x100000,
		SizeOfHeapCommit:            0x1000,
		NumberOfRvaAndSizes:         16,
	}
	for i, d := range dirs {
		opt.DataDirectory[i] = pe.DataDirectory{VirtualAddress: d.RVA, Size: d.Size}
	}
	binary.Write(&w, binary.LittleEndian, opt)
	for _, s := range sections {
		var sh pe.SectionHeader32
		copy(sh.Name[:], s.name)
		sh.VirtualSize = s.vsize
		sh.VirtualAddress = s.va
		sh.SizeOfRawData = s.rawSize
		sh.PointerToRawData = s.raw
		sh.Characteristics = s.chars
		binary.Write(&w, binary.LittleEndian, sh)
	}
	copy(buf[lfanew:], w.Bytes())
	return buf
}

func originalSections() []section {
	return []section{
		{".text", 0x1000, 0x200, 0x400, 0x200, pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ},
		{".data", 0x2000, 0x200, 0x600, 0x200, pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE},
	}
}

func originalDirs(o Original) map[int]Directory {
	return map[int]Directory{
		pe.IMAGE_DIRECTORY_ENTRY_IMPORT:    o.Import,
		pe.IMAGE_DIRECTORY_ENTRY_BASERELOC: o.Reloc,
		pe.IMAGE_DIRECTORY_ENTRY_TLS:       o.TLS,
		pe.IMAGE_DIRECTORY_ENTRY_IAT:       o.IAT,
	}
}

// BuildOriginal returns the unpacked host image.
func BuildOriginal(o Original) []byte {
	out := header(OriginalEntryPoint, originalDirs(o), originalSections(), 0x3000)
	out = append(out, sectionBody(0x200, 0x90)...)
	out = append(out, sectionBody(0x200, 0x41)...)
	return out
}

func sectionBody(n int, seed byte) []byte {
	body := make([]byte, n)
	for i := range body {
		body[i] = seed + byte(i*7)
	}
	return body
}

type variantLayout struct {
	magic        []byte
	sigOffset    uint32
	headerOffset uint32
	checksum     bool
}

var layouts = map[string]variantLayout{
	"10_70": {[]byte("EVBPE\x0a\x46\x00"), 0x00, 0x60, true},
	"9_70":  {[]byte("EVBPE\x09\x46\x00"), 0x10, 0x40, true},
	"7_80":  {[]byte("EVB\x07"), 0x00, 0x20, false},
}

// Packed is a synthetic packed executable.
type Packed struct {
	Data []byte
	// Original is what a correct restoration must produce.
	Original []byte
	// BlockOffset is the file offset of the backup block.
	BlockOffset int
	// HeaderCopyOffset is the file offset of the backed up header bytes.
	HeaderCopyOffset int
}

// OriginalFor returns the host layout the given variant can restore
// exactly. 9.70 does not back up the IAT directory.
func OriginalFor(variant string) Original {
	o := DefaultOriginal()
	if variant == "9_70" {
		o.IAT = Directory{}
	}
	return o
}

// BuildPacked packs the host image of OriginalFor(variant) with the layout
// of variant ("10_70", "9_70" or "7_80") and appends container as the
// second packer section.
func BuildPacked(variant string, container []byte) Packed {
	layout := layouts[variant]
	o := OriginalFor(variant)
	original := BuildOriginal(o)

	blockSize := layout.headerOffset + HeaderSize
	enigma1Raw := uint32(OriginalSize)
	enigma1Size := align(layout.sigOffset+blockSize+0x40, fileAlignment)
	enigma1VA := uint32(0x3000)
	enigma2Raw := enigma1Raw + enigma1Size
	enigma2Size := align(uint32(len(container)), fileAlignment)
	enigma2VA := enigma1VA + align(enigma1Size, sectionAlignment)
	sizeOfImage := enigma2VA + align(max(enigma2Size, 1), sectionAlignment)

	packerSections := append(originalSections(),
		section{".enigma1", enigma1VA, enigma1Size, enigma1Raw, enigma1Size, pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE},
		section{".enigma2", enigma2VA, enigma2Size, enigma2Raw, enigma2Size, pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ},
	)

	stubRVA := enigma1VA + layout.sigOffset + blockSize
	packerHeader := header(stubRVA, map[int]Directory{
		pe.IMAGE_DIRECTORY_ENTRY_IMPORT: {stubRVA + 0x10, 0x28},
		pe.IMAGE_DIRECTORY_ENTRY_IAT:    {stubRVA + 0x38, 0x08},
	}, packerSections, sizeOfImage)

	// the copy the packer keeps, with the fields it redirected blanked out
	var backup []byte
	switch variant {
	case "10_70":
		backup = header(0, nil, originalSections(), 0x3000)
	case "9_70":
		backup = header(0, map[int]Directory{
			pe.IMAGE_DIRECTORY_ENTRY_IAT: {stubRVA + 0x38, 0x08},
			pe.IMAGE_DIRECTORY_ENTRY_TLS: o.TLS,
		}, originalSections(), 0x3000)
	case "7_80":
		dirs := originalDirs(o)
		delete(dirs, pe.IMAGE_DIRECTORY_ENTRY_IMPORT)
		backup = header(0, dirs, packerSections, sizeOfImage)
	}

	block := make([]byte, blockSize)
	copy(block, layout.magic)
	put := func(off int, v uint32) { binary.LittleEndian.PutUint32(block[off:], v) }
	switch variant {
	case "10_70":
		put(0x08, HeaderSize)
		put(0x0c, crc32.ChecksumIEEE(backup))
		put(0x10, OriginalEntryPoint)
		put(0x14, o.Import.RVA)
		put(0x18, o.Import.Size)
		put(0x1c, o.IAT.RVA)
		put(0x20, o.IAT.Size)
		put(0x24, o.Reloc.RVA)
		put(0x28, o.Reloc.Size)
		put(0x2c, o.TLS.RVA)
		put(0x30, o.TLS.Size)
	case "9_70":
		put(0x08, HeaderSize)
		put(0x0c, crc32.ChecksumIEEE(backup))
		put(0x10, OriginalEntryPoint)
		put(0x14, o.Import.RVA)
		put(0x18, o.Import.Size)
		put(0x1c, o.Reloc.RVA)
		put(0x20, o.Reloc.Size)
	case "7_80":
		put(0x04, HeaderSize)
		put(0x08, OriginalEntryPoint)
		put(0x0c, o.Import.RVA)
		put(0x10, o.Import.Size)
	}
	copy(block[layout.headerOffset:], backup)

	enigma1 := bytes.Repeat([]byte{0xcc}, int(enigma1Size))
	if layout.sigOffset > 0 {
		enigma1[0] = 0xe9
		binary.LittleEndian.PutUint32(enigma1[1:], blockSize+layout.sigOffset-5)
	}
	copy(enigma1[layout.sigOffset:], block)

	enigma2 := make([]byte, enigma2Size)
	copy(enigma2, container)

	data := append([]byte{}, packerHeader...)
	data = append(data, original[HeaderSize:]...)
	data = append(data, enigma1...)
	data = append(data, enigma2...)

	return Packed{
		Data:             data,
		Original:         original,
		BlockOffset:      int(enigma1Raw + layout.sigOffset),
		HeaderCopyOffset: int(enigma1Raw + layout.sigOffset + layout.headerOffset),
	}
}
