// Package testutil builds synthetic packed executables and embedded
// containers for tests.
package testutil

import (
	"bytes"
	"encoding/binary"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/Binject/go-donut/donut"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression method and flag values of the container encoding byte.
const (
	MethodNone    = 0
	MethodAPLib   = 1
	MethodLZ4     = 2
	MethodZstd    = 3
	MethodDeflate = 4

	Encrypted = 0x80
)

var (
	TestKey     = [16]byte{0x3a, 0x91, 0x5c, 0x07, 0xee, 0x42, 0x18, 0xb3, 0x6d, 0x20, 0xf4, 0x8a, 0x55, 0xc9, 0x01, 0x7e}
	TestCounter = [16]byte{0x10, 0x32, 0x54, 0x76, 0x98, 0xba, 0xdc, 0xfe, 0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef}
)

type node struct {
	name     string
	folder   bool
	children []*node

	data     []byte
	encoding byte
	// raw payloads are stored verbatim with the declared size
	raw          []byte
	declaredSize uint32
	modified     time.Time
}

// Container assembles a container the way the packer lays it out.
type Container struct {
	Version uint16
	Key     [16]byte
	Counter [16]byte

	// TreeSizeDelta is added to the declared tree size, for truncation tests.
	TreeSizeDelta int64

	root node
}

func NewContainer(version uint16) *Container {
	return &Container{Version: version, Key: TestKey, Counter: TestCounter, root: node{folder: true}}
}

func (c *Container) folder(path string) *node {
	cur := &c.root
	if path == "" {
		return cur
	}
	for _, part := range strings.Split(path, "/") {
		var next *node
		for _, child := range cur.children {
			if child.name == part && child.folder {
				next = child
				break
			}
		}
		if next == nil {
			next = &node{name: part, folder: true}
			cur.children = append(cur.children, next)
		}
		cur = next
	}
	return cur
}

func split(path string) (string, string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// AddFolder adds a folder and any missing parents.
func (c *Container) AddFolder(path string) *Container {
	c.folder(path)
	return c
}

// AddFile adds a file below its parent folders, encoded with encoding.
func (c *Container) AddFile(path string, data []byte, encoding byte) *Container {
	dir, name := split(path)
	parent := c.folder(dir)
	parent.children = append(parent.children, &node{
		name:     name,
		data:     data,
		encoding: encoding,
		modified: time.Date(2023, 5, 17, 9, 30, 0, 0, time.UTC),
	})
	return c
}

// AddRawFile stores payload verbatim at the root with the given declared
// size and encoding byte. name is not validated.
func (c *Container) AddRawFile(name string, payload []byte, declaredSize uint32, encoding byte) *Container {
	c.root.children = append(c.root.children, &node{
		name:         name,
		raw:          payload,
		declaredSize: declaredSize,
		encoding:     encoding,
	})
	return c
}

// Bytes serializes header, tree and data region.
func (c *Container) Bytes() []byte {
	var tree, data bytes.Buffer
	binary.Write(&tree, binary.LittleEndian, uint32(len(c.root.children)))
	for _, child := range c.root.children {
		c.writeNode(&tree, &data, child)
	}

	var out bytes.Buffer
	out.WriteString("EVB\x00")
	binary.Write(&out, binary.LittleEndian, c.Version)
	binary.Write(&out, binary.LittleEndian, uint16(0))
	binary.Write(&out, binary.LittleEndian, uint32(int64(tree.Len())+c.TreeSizeDelta))
	binary.Write(&out, binary.LittleEndian, uint32(data.Len()))
	out.Write(c.Key[:])
	out.Write(c.Counter[:])
	out.Write(make([]byte, 16))
	out.Write(tree.Bytes())
	out.Write(data.Bytes())
	return out.Bytes()
}

func (c *Container) writeNode(tree, data *bytes.Buffer, n *node) {
	name := utf16.Encode([]rune(n.name))
	binary.Write(tree, binary.LittleEndian, uint16(len(name)*2))
	binary.Write(tree, binary.LittleEndian, name)

	if n.folder {
		tree.WriteByte(3)
		binary.Write(tree, binary.LittleEndian, uint32(0x10))
		binary.Write(tree, binary.LittleEndian, uint32(len(n.children)))
		for _, child := range n.children {
			c.writeNode(tree, data, child)
		}
		return
	}

	offset := uint32(data.Len())
	stored, size := n.raw, n.declaredSize
	if stored == nil {
		stored = c.Encode(n.data, n.encoding, offset)
		size = uint32(len(n.data))
	}
	data.Write(stored)

	tree.WriteByte(2)
	binary.Write(tree, binary.LittleEndian, uint32(0x20))
	binary.Write(tree, binary.LittleEndian, offset)
	binary.Write(tree, binary.LittleEndian, uint32(len(stored)))
	binary.Write(tree, binary.LittleEndian, size)
	tree.Write([]byte{n.encoding, 0, 0, 0})
	ft := Filetime(n.modified)
	binary.Write(tree, binary.LittleEndian, [3]uint64{ft, ft, ft})
}

// Encode compresses and encrypts data as the packer would for a payload
// placed at offset within the data region.
func (c *Container) Encode(data []byte, encoding byte, offset uint32) []byte {
	out := Compress(data, encoding&0x0f)
	if encoding&Encrypted == 0 {
		return out
	}
	switch c.Version {
	case 1:
		enc := make([]byte, len(out))
		for i, b := range out {
			enc[i] = b ^ c.Key[i&15] ^ byte(i>>4)
		}
		return enc
	default:
		ctr := c.Counter
		binary.LittleEndian.PutUint32(ctr[12:], binary.LittleEndian.Uint32(ctr[12:])^offset)
		return donut.Encrypt(c.Key[:], ctr[:], out)
	}
}

// Compress encodes data with one of the container compression methods.
func Compress(data []byte, method byte) []byte {
	switch method {
	case MethodAPLib:
		return CompressAPLib(data)
	case MethodLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		var compressor lz4.Compressor
		n, err := compressor.CompressBlock(data, dst)
		if err != nil {
			panic(err)
		}
		if n == 0 {
			return lz4Literals(data)
		}
		return dst[:n]
	case MethodZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			panic(err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil)
	case MethodDeflate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.BestCompression)
		if err != nil {
			panic(err)
		}
		w.Write(data)
		w.Close()
		return buf.Bytes()
	default:
		return bytes.Clone(data)
	}
}

// lz4Literals emits a block made of a single literal run, which is what the
// packer stores for incompressible input.
func lz4Literals(data []byte) []byte {
	n := len(data)
	out := []byte{byte(min(n, 15) << 4)}
	if n >= 15 {
		rest := n - 15
		for ; rest >= 255; rest -= 255 {
			out = append(out, 255)
		}
		out = append(out, byte(rest))
	}
	return append(out, data...)
}

// Filetime converts t to 100ns ticks since 1601.
func Filetime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano()/100) + 116444736000000000
}
