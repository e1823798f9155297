package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// wavHeaderSize is the size of the canonical 44-byte RIFF/WAVE header.
const wavHeaderSize = 44

// EncodeWAV wraps 16-bit PCM in a WAV container.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))
	if err := WriteWAV(&buf, pcm, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAV writes 16-bit PCM as a WAV stream to out.
func WriteWAV(out io.Writer, pcm []byte, f Format) error {
	const bitsPerSample = 16
	if f.SampleRate <= 0 {
		return errors.New("audio: wav: sample rate must be positive")
	}
	channels := f.channels()

	dataSize := uint32(len(pcm))
	blockAlign := uint16(channels * bitsPerSample / 8)
	byteRate := uint32(f.SampleRate) * uint32(blockAlign)

	w := bufio.NewWriter(out)
	fields := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36) + dataSize,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(1), // PCM
		uint16(channels),
		uint32(f.SampleRate),
		byteRate,
		blockAlign,
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}
	for _, v := range fields {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("audio: wav header: %w", err)
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("audio: wav data: %w", err)
	}
	return w.Flush()
}

// DecodeWAV parses a 16-bit PCM WAV stream and returns the sample data with
// its format. Chunks other than "fmt " and "data" are skipped. A data chunk
// whose size runs past the end, as written by streaming servers that do not
// know the length up front, is cut at the end of data.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, Format{}, errors.New("audio: wav: not a RIFF/WAVE stream")
	}
	var (
		f      Format
		hasFmt bool
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := data[off+8:]
		switch id {
		case "fmt ":
			if size < 16 || len(body) < 16 {
				return nil, Format{}, errors.New("audio: wav: fmt chunk too short")
			}
			if binary.LittleEndian.Uint16(body[0:2]) != 1 || binary.LittleEndian.Uint16(body[14:16]) != 16 {
				return nil, Format{}, errors.New("audio: wav: only 16-bit PCM is supported")
			}
			f = Format{
				Channels:   int(binary.LittleEndian.Uint16(body[2:4])),
				SampleRate: int(binary.LittleEndian.Uint32(body[4:8])),
			}
			hasFmt = true
		case "data":
			if !hasFmt {
				return nil, Format{}, errors.New("audio: wav: data chunk before fmt chunk")
			}
			if size > len(body) {
				size = len(body)
			}
			return body[:size&^1], f, nil
		}
		// Chunks are word aligned.
		off += 8 + size + size%2
	}
	return nil, Format{}, errors.New("audio: wav: no data chunk")
}
