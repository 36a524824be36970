package vfs

import (
	"errors"
	"fmt"
)

var (
	errAPLibTruncated = errors.New("aplib: truncated stream")
	errAPLibOverflow  = errors.New("aplib: output exceeds declared size")
)

// aplibReader interleaves single bits taken from tag bytes with whole bytes,
// both drawn from the same stream.
type aplibReader struct {
	src  []byte
	pos  int
	tag  byte
	bits int
}

func (r *aplibReader) byte() (byte, error) {
	if r.pos >= len(r.src) {
		return 0, errAPLibTruncated
	}
	b := r.src[r.pos]
	r.pos++
	return b, nil
}

func (r *aplibReader) bit() (uint32, error) {
	if r.bits == 0 {
		tag, err := r.byte()
		if err != nil {
			return 0, err
		}
		r.tag = tag
		r.bits = 8
	}
	r.bits--
	bit := uint32(r.tag>>7) & 1
	r.tag <<= 1
	return bit, nil
}

func (r *aplibReader) gamma() (uint32, error) {
	result := uint32(1)
	for {
		b, err := r.bit()
		if err != nil {
			return 0, err
		}
		if result&0x80000000 != 0 {
			return 0, errors.New("aplib: gamma code overflow")
		}
		result = result<<1 + b

		more, err := r.bit()
		if err != nil {
			return 0, err
		}
		if more == 0 {
			return result, nil
		}
	}
}

// DepackAPLib decompresses an aPLib stream that must expand to exactly size
// bytes or less. Back references are bounds checked against the output.
func DepackAPLib(src []byte, size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	if len(src) == 0 {
		return nil, errAPLibTruncated
	}

	r := &aplibReader{src: src}
	out := make([]byte, 0, size)

	put := func(b byte) error {
		if len(out) == size {
			return errAPLibOverflow
		}
		out = append(out, b)
		return nil
	}
	copyMatch := func(offset, length uint32) error {
		if offset == 0 || int(offset) > len(out) {
			return fmt.Errorf("aplib: back reference %d before start of output (%d bytes)", offset, len(out))
		}
		if int(length) > size-len(out) {
			return errAPLibOverflow
		}
		for ; length > 0; length-- {
			out = append(out, out[len(out)-int(offset)])
		}
		return nil
	}

	first, _ := r.byte()
	out = append(out, first)

	var (
		lastOffset uint32
		lwm        bool
	)
	for {
		b, err := r.bit()
		if err != nil {
			return nil, err
		}
		if b == 0 {
			lit, err := r.byte()
			if err != nil {
				return nil, err
			}
			if err := put(lit); err != nil {
				return nil, err
			}
			lwm = false
			continue
		}

		if b, err = r.bit(); err != nil {
			return nil, err
		}
		if b == 0 {
			// gamma coded offset, or a repeat of the last offset
			high, err := r.gamma()
			if err != nil {
				return nil, err
			}
			if !lwm && high == 2 {
				length, err := r.gamma()
				if err != nil {
					return nil, err
				}
				if err := copyMatch(lastOffset, length); err != nil {
					return nil, err
				}
			} else {
				if lwm {
					high -= 2
				} else {
					high -= 3
				}
				if high > 0x00fffffe {
					return nil, errors.New("aplib: offset out of range")
				}
				low, err := r.byte()
				if err != nil {
					return nil, err
				}
				offset := high<<8 + uint32(low)
				length, err := r.gamma()
				if err != nil {
					return nil, err
				}
				if offset >= 32000 {
					length++
				}
				if offset >= 1280 {
					length++
				}
				if offset < 128 {
					length += 2
				}
				if err := copyMatch(offset, length); err != nil {
					return nil, err
				}
				lastOffset = offset
			}
			lwm = true
			continue
		}

		if b, err = r.bit(); err != nil {
			return nil, err
		}
		if b == 0 {
			// 7 bit offset with a 2 or 3 byte match; offset 0 ends the stream
			code, err := r.byte()
			if err != nil {
				return nil, err
			}
			offset := uint32(code >> 1)
			if offset == 0 {
				return out, nil
			}
			if err := copyMatch(offset, 2+uint32(code&1)); err != nil {
				return nil, err
			}
			lastOffset = offset
			lwm = true
			continue
		}

		// single byte from a 4 bit offset, or a literal zero
		var offset uint32
		for i := 0; i < 4; i++ {
			bit, err := r.bit()
			if err != nil {
				return nil, err
			}
			offset = offset<<1 + bit
		}
		if offset == 0 {
			err = put(0)
		} else {
			err = copyMatch(offset, 1)
		}
		if err != nil {
			return nil, err
		}
		lwm = false
	}
}
