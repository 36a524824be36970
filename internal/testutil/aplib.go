package testutil

import "math/bits"

const aplibWindow = 1 << 16

type aplibWriter struct {
	out    []byte
	tagPos int
	free   int
}

func (w *aplibWriter) bit(b uint32) {
	if w.free == 0 {
		w.tagPos = len(w.out)
		w.out = append(w.out, 0)
		w.free = 8
	}
	w.free--
	if b != 0 {
		w.out[w.tagPos] |= 1 << w.free
	}
}

func (w *aplibWriter) bits(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		w.bit(v >> i & 1)
	}
}

func (w *aplibWriter) byte(b byte) {
	w.out = append(w.out, b)
}

// gamma writes v (>= 2) as interleaved value and continuation bits.
func (w *aplibWriter) gamma(v uint32) {
	n := bits.Len32(v) - 1
	for i := n - 1; i >= 0; i-- {
		w.bit(v >> i & 1)
		if i > 0 {
			w.bit(1)
		} else {
			w.bit(0)
		}
	}
}

func matchLen(src []byte, pos, offset int) int {
	n := 0
	for pos+n < len(src) && src[pos+n] == src[pos+n-offset] {
		n++
	}
	return n
}

func lengthBias(offset int) int {
	bias := 0
	if offset >= 32000 {
		bias++
	}
	if offset >= 1280 {
		bias++
	}
	if offset < 128 {
		bias += 2
	}
	return bias
}

// CompressAPLib is a greedy aPLib encoder. It exercises every code the
// depacker understands: literals, short and long matches, last offset
// repeats and the 4 bit single byte form.
func CompressAPLib(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	w := &aplibWriter{}
	w.byte(src[0])

	lastOffset := 0
	lwm := false
	for pos := 1; pos < len(src); {
		bestLen, bestOffset := 0, 0
		for offset := 1; offset <= pos && offset <= aplibWindow; offset++ {
			if l := matchLen(src, pos, offset); l > bestLen {
				bestLen, bestOffset = l, offset
			}
		}

		if !lwm && lastOffset > 0 {
			if l := matchLen(src, pos, lastOffset); l >= 2 && l >= bestLen {
				w.bits(0b10, 2)
				w.gamma(2)
				w.gamma(uint32(l))
				pos += l
				lwm = true
				continue
			}
		}

		switch {
		case bestLen >= lengthBias(bestOffset)+2:
			high := uint32(bestOffset >> 8)
			if lwm {
				high += 2
			} else {
				high += 3
			}
			w.bits(0b10, 2)
			w.gamma(high)
			w.byte(byte(bestOffset))
			w.gamma(uint32(bestLen - lengthBias(bestOffset)))
			pos += bestLen
			lastOffset = bestOffset
			lwm = true
		case bestLen >= 2 && bestOffset < 128:
			l := min(bestLen, 3)
			w.bits(0b110, 3)
			w.byte(byte(bestOffset<<1 | (l - 2)))
			pos += l
			lastOffset = bestOffset
			lwm = true
		default:
			if short := shortOffset(src, pos); short >= 0 {
				w.bits(0b111, 3)
				w.bits(uint32(short), 4)
			} else {
				w.bit(0)
				w.byte(src[pos])
			}
			pos++
			lwm = false
		}
	}

	w.bits(0b110, 3)
	w.byte(0)
	return w.out
}

// shortOffset finds a 4 bit encoding for src[pos]: 0 for a zero byte, or
// a back reference within 15 bytes. -1 when neither exists.
func shortOffset(src []byte, pos int) int {
	if src[pos] == 0 {
		return 0
	}
	for offset := 1; offset <= 15 && offset <= pos; offset++ {
		if src[pos-offset] == src[pos] {
			return offset
		}
	}
	return -1
}
