package audio

import (
	"math"
	"sync"
)

// RMSEnergy computes the root-mean-square energy of 16-bit signed
// little-endian PCM. Returns a value between 0.0 and 1.0.
func RMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// PeakAmplitude returns the maximum absolute amplitude in the PCM data.
// Returns a value between 0.0 and 1.0.
func PeakAmplitude(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}

	var maxAbs float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		// Use float64 to avoid overflow when negating -32768.
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}

	return maxAbs / 32768.0
}

// ChunkBuffer accumulates raw PCM chunks on a side channel, independent of
// the low-latency streaming path. Drain returns and clears the accumulated
// audio so a finalized session can persist its own recording.
type ChunkBuffer struct {
	mu       sync.Mutex
	data     []byte
	maxBytes int
	format   Format
}

// NewChunkBuffer creates a buffer that holds up to maxDuration of audio.
func NewChunkBuffer(format Format, maxDuration int) *ChunkBuffer {
	maxBytes := format.BytesPerSecond() * maxDuration
	return &ChunkBuffer{
		data:     make([]byte, 0, maxBytes),
		maxBytes: maxBytes,
		format:   format,
	}
}

// Write appends audio data. If the buffer would exceed its cap, the oldest
// data is discarded first.
func (b *ChunkBuffer) Write(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, data...)
	if len(b.data) > b.maxBytes {
		excess := len(b.data) - b.maxBytes
		b.data = b.data[excess:]
	}
}

// Drain returns the buffered audio and clears the buffer.
func (b *ChunkBuffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(b.data))
	copy(out, b.data)
	b.data = b.data[:0]
	return out
}

// Len returns the current buffer size in bytes.
func (b *ChunkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
