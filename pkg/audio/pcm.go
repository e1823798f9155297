package audio

import (
	"encoding/binary"
	"math"
)

// Int16s decodes little-endian 16-bit PCM into samples. A trailing odd byte is
// ignored.
func Int16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes encodes samples as little-endian 16-bit PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// RMS returns the root-mean-square energy of 16-bit PCM normalised to [0, 1].
// Empty input has zero energy.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Silence returns n bytes of zeroed PCM, rounded down to whole samples.
func Silence(n int) []byte {
	return make([]byte, n-n%2)
}

// Chunker slices a PCM byte stream into fixed-size frames. It is used to turn
// variable-length vendor audio chunks into device-sized frames.
// A Chunker is not safe for concurrent use.
type Chunker struct {
	size int
	buf  []byte
}

// NewChunker returns a Chunker producing frames of exactly size bytes.
func NewChunker(size int) *Chunker {
	if size < 2 {
		size = 2
	}
	return &Chunker{size: size}
}

// Write appends p and returns every complete frame now available. The returned
// slices do not alias p.
func (c *Chunker) Write(p []byte) [][]byte {
	c.buf = append(c.buf, p...)
	var out [][]byte
	for len(c.buf) >= c.size {
		frame := make([]byte, c.size)
		copy(frame, c.buf[:c.size])
		out = append(out, frame)
		c.buf = c.buf[c.size:]
	}
	return out
}

// Flush returns the remaining partial frame padded with silence, or nil when
// nothing is buffered.
func (c *Chunker) Flush() []byte {
	if len(c.buf) == 0 {
		return nil
	}
	frame := make([]byte, c.size)
	copy(frame, c.buf)
	c.buf = c.buf[:0]
	return frame
}

// Reset discards buffered bytes.
func (c *Chunker) Reset() {
	c.buf = c.buf[:0]
}
