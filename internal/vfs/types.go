package vfs

import (
	"time"
)

type Method uint8
type Encoding uint8

const (
	MethodNone    Method = 0
	MethodAPLib   Method = 1
	MethodLZ4     Method = 2
	MethodZstd    Method = 3
	MethodDeflate Method = 4

	methodMask    Encoding = 0x0f
	EncryptedFlag Encoding = 0x80
)

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "None"
	case MethodAPLib:
		return "aPLib"
	case MethodLZ4:
		return "LZ4"
	case MethodZstd:
		return "zstd"
	case MethodDeflate:
		return "Deflate"
	default:
		return "UNKNOWN"
	}
}

// NewEncoding combines a compression method with the encrypted flag.
func NewEncoding(method Method, encrypted bool) Encoding {
	enc := Encoding(method) & methodMask
	if encrypted {
		enc |= EncryptedFlag
	}
	return enc
}

func (e Encoding) Method() Method {
	return Method(e & methodMask)
}

func (e Encoding) Encrypted() bool {
	return e&EncryptedFlag != 0
}

func (e Encoding) Compressed() bool {
	return e.Method() != MethodNone
}

func (e Encoding) String() string {
	switch {
	case e.Compressed() && e.Encrypted():
		return e.Method().String() + "+Encrypted"
	case e.Encrypted():
		return "Encrypted"
	case e.Compressed():
		return e.Method().String()
	default:
		return "Raw"
	}
}

// Entry is a node of the embedded filesystem. Entries are built once by New
// and never modified afterwards.
type Entry struct {
	Name       string
	IsFolder   bool
	Attributes uint32

	// Offset is absolute within the buffer handed to New. Zero for folders.
	Offset       int64
	StoredSize   uint32
	OriginalSize uint32
	Encoding     Encoding

	Created  time.Time
	Accessed time.Time
	Modified time.Time

	Children []*Entry
}

// filetimeEpochDelta is the number of 100ns intervals between 1601-01-01 and 1970-01-01.
const filetimeEpochDelta = 116444736000000000

func filetimeToTime(ft uint64) time.Time {
	if ft == 0 || ft < filetimeEpochDelta {
		return time.Time{}
	}
	ticks := ft - filetimeEpochDelta
	return time.Unix(int64(ticks/10_000_000), int64(ticks%10_000_000)*100).UTC()
}
