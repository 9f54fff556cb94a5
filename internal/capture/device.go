package capture

import (
	"bytes"
	"errors"
	"sync"
)

var ErrNotRecording = errors.New("capture: device not recording")

// ChunkDevice is an input device fed by the console: the browser holds the
// microphone and streams encoded audio chunks to the agent while the press
// gesture is active. Feed is safe to call concurrently with the gesture
// commands.
type ChunkDevice struct {
	mu        sync.Mutex
	recording bool
	buf       bytes.Buffer
}

func NewChunkDevice() *ChunkDevice {
	return &ChunkDevice{}
}

func (d *ChunkDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf.Reset()
	d.recording = true
	return nil
}

// Feed appends an audio chunk to the in-progress recording.
func (d *ChunkDevice) Feed(chunk []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.recording {
		return ErrNotRecording
	}
	_, err := d.buf.Write(chunk)
	return err
}

func (d *ChunkDevice) Stop() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recording = false
	payload := make([]byte, d.buf.Len())
	copy(payload, d.buf.Bytes())
	d.buf.Reset()
	return payload, nil
}
