package vfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

var (
	// ErrFormat is returned when no usable container is present or its
	// structure is invalid.
	ErrFormat = errors.New("vfs: invalid container")

	// ErrDecode is returned when a single file's payload cannot be decoded
	// to its declared size.
	ErrDecode = errors.New("vfs: decode failed")
)

var containerSignature = [4]byte{'E', 'V', 'B', 0x00}

const (
	headerSize = 64
	maxDepth   = 256

	kindFile   = 2
	kindFolder = 3

	// name length + shortest name + kind + folder record
	minEntrySize = 2 + 2 + 1 + 8
)

type containerHeader struct {
	Signature [4]byte
	Version   uint16
	Flags     uint16
	TreeSize  uint32
	DataSize  uint32
	Key       [16]byte
	Counter   [16]byte
	Reserved  [16]byte
}

type folderRecord struct {
	Attributes uint32
	Children   uint32
}

type fileRecord struct {
	Attributes   uint32
	Offset       uint32
	StoredSize   uint32
	OriginalSize uint32
	Encoding     Encoding
	_            [3]byte
	Created      uint64
	Accessed     uint64
	Modified     uint64
}

// Unpacker exposes the filesystem tree embedded in a packed executable.
// It only reads from the buffer it was created with.
type Unpacker struct {
	data   []byte
	start  int
	header containerHeader
	root   []*Entry
	count  int

	dataStart int
	cipher    cipher
}

// New locates the container inside data and parses its whole tree.
func New(data []byte) (*Unpacker, error) {
	var firstErr error
	for pos := 0; pos+len(containerSignature) <= len(data); {
		idx := bytes.Index(data[pos:], containerSignature[:])
		if idx < 0 {
			break
		}
		start := pos + idx
		u, err := parseAt(data, start)
		if err == nil {
			return u, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		pos = start + 1
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, fmt.Errorf("%w: container signature not found", ErrFormat)
}

func parseAt(data []byte, start int) (*Unpacker, error) {
	u := &Unpacker{data: data, start: start}

	remaining := len(data) - start
	if remaining < headerSize {
		return nil, fmt.Errorf("%w: header at 0x%x truncated (%d of %d bytes)", ErrFormat, start, remaining, headerSize)
	}
	err := binary.Read(bytes.NewReader(data[start:start+headerSize]), binary.LittleEndian, &u.header)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to read header. %v", ErrFormat, err)
	}

	u.cipher, err = cipherFor(&u.header)
	if err != nil {
		return nil, err
	}

	declared := uint64(headerSize) + uint64(u.header.TreeSize) + uint64(u.header.DataSize)
	if declared > uint64(remaining) {
		return nil, fmt.Errorf("%w: header at 0x%x declares %d bytes but only %d remain", ErrFormat, start, declared, remaining)
	}

	treeStart := start + headerSize
	u.dataStart = treeStart + int(u.header.TreeSize)
	tree := data[treeStart:u.dataStart]

	p := &treeParser{
		reader:  bytes.NewReader(tree),
		decoder: unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder(),
		fold:    cases.Fold(),
		base:    int64(u.dataStart),
	}

	var rootCount uint32
	if err := binary.Read(p.reader, binary.LittleEndian, &rootCount); err != nil {
		return nil, fmt.Errorf("%w: unable to read root entry count. %v", ErrFormat, err)
	}
	u.root, err = p.entries(rootCount, 0)
	if err != nil {
		return nil, err
	}
	u.count = p.count
	return u, nil
}

type treeParser struct {
	reader  *bytes.Reader
	decoder *encoding.Decoder
	fold    cases.Caser
	base    int64
	count   int
}

func (p *treeParser) entries(count uint32, depth int) ([]*Entry, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: folders nested deeper than %d levels", ErrFormat, maxDepth)
	}
	if uint64(count)*minEntrySize > uint64(p.reader.Len()) {
		return nil, fmt.Errorf("%w: %d entries declared but only %d tree bytes remain", ErrFormat, count, p.reader.Len())
	}

	result := make([]*Entry, 0, count)
	seen := make(map[string]struct{}, count)
	for i := uint32(0); i < count; i++ {
		entry, err := p.entry(depth)
		if err != nil {
			return nil, err
		}
		key := p.fold.String(entry.Name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate entry name %q", ErrFormat, entry.Name)
		}
		seen[key] = struct{}{}
		result = append(result, entry)
	}
	return result, nil
}

func (p *treeParser) entry(depth int) (*Entry, error) {
	at := p.reader.Size() - int64(p.reader.Len())

	var nameLength uint16
	if err := binary.Read(p.reader, binary.LittleEndian, &nameLength); err != nil {
		return nil, fmt.Errorf("%w: entry at tree offset %d: unable to read name length. %v", ErrFormat, at, err)
	}
	if nameLength%2 != 0 || int(nameLength) > p.reader.Len() {
		return nil, fmt.Errorf("%w: entry at tree offset %d: invalid name length %d", ErrFormat, at, nameLength)
	}
	raw := make([]byte, nameLength)
	if _, err := io.ReadFull(p.reader, raw); err != nil {
		return nil, fmt.Errorf("%w: entry at tree offset %d: unable to read name. %v", ErrFormat, at, err)
	}
	decoded, err := p.decoder.Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: entry at tree offset %d: name is not UTF-16. %v", ErrFormat, at, err)
	}
	name := string(decoded)
	if err := validName(name); err != nil {
		return nil, fmt.Errorf("%w: entry at tree offset %d: %v", ErrFormat, at, err)
	}

	kind, err := p.reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: entry %q: unable to read kind. %v", ErrFormat, name, err)
	}

	entry := &Entry{Name: name}
	p.count++

	switch kind {
	case kindFolder:
		var rec folderRecord
		if err := binary.Read(p.reader, binary.LittleEndian, &rec); err != nil {
			return nil, fmt.Errorf("%w: folder %q: unable to read record. %v", ErrFormat, name, err)
		}
		entry.IsFolder = true
		entry.Attributes = rec.Attributes
		entry.Children, err = p.entries(rec.Children, depth+1)
		if err != nil {
			return nil, err
		}
	case kindFile:
		var rec fileRecord
		if err := binary.Read(p.reader, binary.LittleEndian, &rec); err != nil {
			return nil, fmt.Errorf("%w: file %q: unable to read record. %v", ErrFormat, name, err)
		}
		entry.Attributes = rec.Attributes
		entry.Offset = p.base + int64(rec.Offset)
		entry.StoredSize = rec.StoredSize
		entry.OriginalSize = rec.OriginalSize
		entry.Encoding = rec.Encoding
		entry.Created = filetimeToTime(rec.Created)
		entry.Accessed = filetimeToTime(rec.Accessed)
		entry.Modified = filetimeToTime(rec.Modified)
	default:
		return nil, fmt.Errorf("%w: entry %q: unknown kind %d", ErrFormat, name, kind)
	}
	return entry, nil
}

// Version is the container format revision.
func (u *Unpacker) Version() uint16 {
	return u.header.Version
}

// Offset is the position of the container signature in the buffer.
func (u *Unpacker) Offset() int {
	return u.start
}

// Len is the number of nodes in the tree.
func (u *Unpacker) Len() int {
	return u.count
}

// Files walks the tree depth first. A folder is always yielded before
// anything it contains.
func (u *Unpacker) Files() iter.Seq2[Path, *Entry] {
	return func(yield func(Path, *Entry) bool) {
		walk(nil, u.root, yield)
	}
}

func walk(parent Path, entries []*Entry, yield func(Path, *Entry) bool) bool {
	for _, entry := range entries {
		p := parent.child(entry.Name)
		if !yield(p, entry) {
			return false
		}
		if entry.IsFolder && !walk(p, entry.Children, yield) {
			return false
		}
	}
	return true
}

// Lookup finds an entry by its slash separated path. Matching is case
// insensitive, like the Windows filesystem the tree was captured from.
func (u *Unpacker) Lookup(name string) (*Entry, bool) {
	fold := cases.Fold()
	parts := strings.Split(strings.Trim(name, "/"), "/")
	entries := u.root
	var found *Entry
	for _, part := range parts {
		found = nil
		key := fold.String(part)
		for _, entry := range entries {
			if fold.String(entry.Name) == key {
				found = entry
				break
			}
		}
		if found == nil {
			return nil, false
		}
		entries = found.Children
	}
	return found, found != nil
}

// FileData returns the decoded content of a file entry, or nil for a folder.
func (u *Unpacker) FileData(entry *Entry) ([]byte, error) {
	if entry == nil {
		return nil, fmt.Errorf("%w: nil entry", ErrDecode)
	}
	if entry.IsFolder {
		return nil, nil
	}

	end := entry.Offset + int64(entry.StoredSize)
	limit := int64(u.dataStart) + int64(u.header.DataSize)
	if entry.Offset < int64(u.dataStart) || end > limit || end > int64(len(u.data)) {
		return nil, fmt.Errorf("%w: %q: data [0x%x, 0x%x) lies outside the data region", ErrDecode, entry.Name, entry.Offset, end)
	}
	stored := u.data[entry.Offset:end]

	content, err := decode(u.cipher, entry, entry.Offset-int64(u.dataStart), stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrDecode, entry.Name, err)
	}
	return content, nil
}
