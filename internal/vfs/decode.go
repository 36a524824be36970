package vfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/Binject/go-donut/donut"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	VersionLegacy  = 1
	VersionChaskey = 2
)

// maxZstdMemory caps the window a hostile zstd frame can make us allocate.
const maxZstdMemory = 1 << 30

// cipher decrypts one file payload. Implementations must not keep state
// between calls.
type cipher interface {
	decrypt(offset int64, data []byte) []byte
}

// xorCipher is the rolling XOR of version 1 containers.
type xorCipher struct {
	key [16]byte
}

func (c xorCipher) decrypt(_ int64, data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ c.key[i&15] ^ byte(i>>4)
	}
	return out
}

// chaskeyCipher is the Chaskey-CTR stream of version 2 containers. Each file
// starts from the header counter with its data offset folded into the last
// four bytes.
type chaskeyCipher struct {
	key     [16]byte
	counter [16]byte
}

func (c chaskeyCipher) decrypt(offset int64, data []byte) []byte {
	ctr := c.counter
	binary.LittleEndian.PutUint32(ctr[12:], binary.LittleEndian.Uint32(ctr[12:])^uint32(offset))
	// donut.Encrypt advances the counter in place
	return donut.Encrypt(c.key[:], ctr[:], data)
}

func cipherFor(h *containerHeader) (cipher, error) {
	switch h.Version {
	case VersionLegacy:
		return xorCipher{key: h.Key}, nil
	case VersionChaskey:
		return chaskeyCipher{key: h.Key, counter: h.Counter}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported container version %d", ErrFormat, h.Version)
	}
}

// decode turns a stored payload into file content. rel is the payload offset
// relative to the container data region.
func decode(c cipher, entry *Entry, rel int64, stored []byte) ([]byte, error) {
	payload := stored
	if entry.Encoding.Encrypted() {
		payload = c.decrypt(rel, stored)
	}

	size := int(entry.OriginalSize)
	var (
		out []byte
		err error
	)
	switch method := entry.Encoding.Method(); method {
	case MethodNone:
		out = payload
		if !entry.Encoding.Encrypted() {
			out = bytes.Clone(payload)
		}
	case MethodAPLib:
		out, err = DepackAPLib(payload, size)
	case MethodLZ4:
		out, err = decompressLZ4(payload, size)
	case MethodZstd:
		out, err = decompressZstd(payload, size)
	case MethodDeflate:
		out, err = decompressDeflate(payload, size)
	default:
		return nil, fmt.Errorf("unknown compression method %d", method)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %v", entry.Encoding.Method(), err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("decoded %d bytes, expected %d", len(out), size)
	}
	return out, nil
}

func decompressLZ4(src []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(maxZstdMemory),
		// DecodeAll stops at the capacity of dst, which is the declared size
		zstd.WithDecodeAllCapLimit(true),
	)
})

func decompressZstd(src []byte, size int) ([]byte, error) {
	dec, err := zstdDecoder()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(src, make([]byte, 0, size))
}

func decompressDeflate(src []byte, size int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()

	dst := make([]byte, size)
	if _, err := io.ReadFull(r, dst); err != nil {
		return nil, err
	}
	// anything past the declared size is a mismatch too
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n != 0 {
		return nil, fmt.Errorf("stream longer than %d bytes", size)
	}
	return dst, nil
}
