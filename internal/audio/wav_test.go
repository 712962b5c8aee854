package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func sinePCM16(freq float64, seconds float64, sampleRate int) []byte {
	n := int(seconds * float64(sampleRate))
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}
	return pcm
}

func TestEncodeAndProbeRoundTrip(t *testing.T) {
	pcm := sinePCM16(440, 3.0, 22050)
	wav, err := EncodeWAV(pcm, 22050)
	require.NoError(t, err)

	info, err := ProbeWAV(wav)
	require.NoError(t, err)
	require.Equal(t, 22050, info.SampleRate)
	require.Equal(t, 1, info.Channels)
	require.Equal(t, 16, info.BitsDepth)
	require.InDelta(t, 3.0, info.Duration, 0.01)
	require.Equal(t, len(pcm), info.DataBytes)
}

func TestEncodeWAVRejectsBadSampleRate(t *testing.T) {
	_, err := EncodeWAV([]byte{0, 0}, 0)
	require.Error(t, err)
}

func TestProbeWAVRejectsGarbage(t *testing.T) {
	_, err := ProbeWAV([]byte("definitely not a riff file"))
	require.ErrorIs(t, err, ErrInvalidWAV)

	_, err = ProbeWAV(nil)
	require.ErrorIs(t, err, ErrInvalidWAV)
}

func TestProbeWAVTruncatedDataChunk(t *testing.T) {
	pcm := sinePCM16(440, 1.0, 16000)
	wav, err := EncodeWAV(pcm, 16000)
	require.NoError(t, err)

	// Cut the file mid-data; the probe should report only the bytes present.
	cut := wav[:len(wav)-len(pcm)/2]
	info, err := ProbeWAV(cut)
	require.NoError(t, err)
	require.InDelta(t, 0.5, info.Duration, 0.01)
}
