package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrInvalidWAV = errors.New("invalid wav data")

// Info describes a decoded WAV header.
type Info struct {
	Duration   float64
	SampleRate int
	Channels   int
	BitsDepth  int
	DataBytes  int
}

// ProbeWAV parses a RIFF/WAVE header and reports duration, sample rate and
// channel count. It does not decode samples.
func ProbeWAV(data []byte) (Info, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return Info{}, ErrInvalidWAV
	}

	var info Info
	haveFmt := false
	haveData := false

	// Walk the chunk list; unknown chunks are skipped.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body > len(data) {
			return Info{}, ErrInvalidWAV
		}

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return Info{}, ErrInvalidWAV
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.BitsDepth = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			if body+size > len(data) {
				// Truncated data chunk; count what is actually present.
				size = len(data) - body
			}
			info.DataBytes = size
			haveData = true
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if !haveFmt || !haveData {
		return Info{}, ErrInvalidWAV
	}
	if info.SampleRate <= 0 || info.Channels <= 0 || info.BitsDepth <= 0 {
		return Info{}, fmt.Errorf("%w: bad fmt chunk", ErrInvalidWAV)
	}

	bytesPerFrame := info.Channels * info.BitsDepth / 8
	if bytesPerFrame > 0 {
		frames := info.DataBytes / bytesPerFrame
		info.Duration = float64(frames) / float64(info.SampleRate)
	}
	return info, nil
}
