// Package audio defines the wire format shared by the capture pipeline and the
// chunk relay.
//
// Both sides read the same immutable [Config] so that what the capture
// subprocess produces is exactly what the remote service is told it receives.
// The format is raw little-endian linear PCM; [Chunk] is the unit that moves
// between them.
package audio

import (
	"fmt"
	"time"
)

// Default capture format. The Gemini Live API expects 16-bit PCM at 16 kHz mono.
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	DefaultBitDepth   = 16
	DefaultDevice     = "default"
)

// Config is the immutable audio format fixed at process start.
type Config struct {
	// SampleRate in Hz (e.g., 16000).
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// BitDepth is the sample width in bits.
	BitDepth int

	// MIMEType announces the format to the remote service. When empty,
	// [Config.MIME] derives it from SampleRate.
	MIMEType string

	// Device is the capture device name handed to the capture backend.
	Device string
}

// DefaultConfig returns the 16 kHz mono s16le format.
func DefaultConfig() Config {
	return Config{
		SampleRate: DefaultSampleRate,
		Channels:   DefaultChannels,
		BitDepth:   DefaultBitDepth,
		Device:     DefaultDevice,
	}
}

// MIME returns the MIME type sent with every chunk.
func (c Config) MIME() string {
	if c.MIMEType != "" {
		return c.MIMEType
	}
	return fmt.Sprintf("audio/pcm;rate=%d", c.SampleRate)
}

// BytesPerSecond returns the byte rate of the format.
func (c Config) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitDepth / 8)
}

// ChunkBytes returns the size of a chunk holding d worth of audio, rounded
// down to a whole frame. It never returns less than one frame.
func (c Config) ChunkBytes(d time.Duration) int {
	frame := c.Channels * (c.BitDepth / 8)
	if frame <= 0 {
		return 0
	}
	n := int(int64(c.BytesPerSecond()) * int64(d) / int64(time.Second))
	n -= n % frame
	if n < frame {
		n = frame
	}
	return n
}

// Validate reports whether the format is usable.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate %d must be positive", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("audio: channels %d must be positive", c.Channels)
	}
	switch c.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("audio: bit depth %d is not one of 8, 16, 24, 32", c.BitDepth)
	}
	return nil
}

// Chunk is one slice of captured PCM audio.
//
// Seq starts at 1 for the first chunk of an episode and increases by one for
// every following chunk. Episode identifies the recording episode the chunk
// belongs to so that consumers can discard chunks of an episode that has
// already ended.
type Chunk struct {
	Episode uint64
	Seq     int64
	Data    []byte
}
