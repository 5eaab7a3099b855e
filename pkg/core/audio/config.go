package audio

import "time"

// Format specifies PCM audio shape.
type Format struct {
	// SampleRate in Hz. The capture path uses 16000, playback 24000.
	SampleRate int `json:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels"`

	// BitsPerSample: typically 16 for PCM.
	BitsPerSample int `json:"bits_per_sample"`
}

// CaptureFormat returns the microphone capture format (16 kHz mono PCM16).
func CaptureFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

// PlaybackFormat returns the assistant playback format (24 kHz mono PCM16).
func PlaybackFormat() Format {
	return Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16}
}

// BytesPerSecond returns the audio byte rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * (f.BitsPerSample / 8)
}

// Duration returns the play time of the given byte count.
func (f Format) Duration(bytes int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(bytes) * time.Second / time.Duration(bps)
}

// BytesFor returns the byte count covering d.
func (f Format) BytesFor(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
}

// FrameBytes returns the byte size of one capture frame of duration d,
// aligned down to a whole sample.
func (f Format) FrameBytes(d time.Duration) int {
	n := f.BytesFor(d)
	sample := f.Channels * (f.BitsPerSample / 8)
	if sample == 0 {
		return n
	}
	return n - n%sample
}
