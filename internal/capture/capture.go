package capture

import (
	"fmt"
	"log"
)

// Device abstracts the audio input surface. Start acquires the input device
// (microphone permission happens here); Stop ends capture and returns the
// buffered payload.
type Device interface {
	Start() error
	Stop() ([]byte, error)
}

// PermissionError reports a denied or unavailable input device. It is local
// to the capture pipeline and never affects the transcript.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("capture: input device unavailable: %v", e.Err)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateUploading State = "uploading"
	StateCancelled State = "cancelled"
)

// DefaultCancelThreshold is the horizontal displacement, in logical pixels
// opposite the reading direction, past which an in-progress recording is
// discarded.
const DefaultCancelThreshold = 80.0

// Result is the outcome of releasing the capture gesture.
type Result struct {
	Payload   []byte
	Cancelled bool
}

// Pipeline is the press-and-hold recording state machine. It is driven by
// the event loop: Press on the press gesture, Move for drag displacement,
// Release when the gesture ends, Done once the upload attempt finished.
type Pipeline struct {
	device    Device
	threshold float64

	state        State
	displacement float64
}

func NewPipeline(device Device, threshold float64) *Pipeline {
	if threshold <= 0 {
		threshold = DefaultCancelThreshold
	}
	return &Pipeline{
		device:    device,
		threshold: threshold,
		state:     StateIdle,
	}
}

func (p *Pipeline) State() State {
	return p.state
}

// Press begins recording. A device acquisition failure surfaces as a
// PermissionError and the pipeline stays idle.
func (p *Pipeline) Press() error {
	if p.state != StateIdle {
		return fmt.Errorf("capture: press while %s", p.state)
	}
	if err := p.device.Start(); err != nil {
		return &PermissionError{Err: err}
	}
	p.state = StateRecording
	p.displacement = 0
	return nil
}

// Move accumulates horizontal drag displacement while recording. Sliding
// past the threshold opposite the reading direction cancels the recording
// and discards the buffer without any upload.
func (p *Pipeline) Move(dx float64) {
	if p.state != StateRecording {
		return
	}
	p.displacement += dx
	if p.displacement <= -p.threshold {
		if _, err := p.device.Stop(); err != nil {
			log.Printf("capture: stop after cancel: %v", err)
		}
		p.state = StateCancelled
	}
}

// Release ends the gesture. A cancelled recording yields no payload; an
// uncancelled one hands the buffer to the caller, which uploads it and then
// calls Done. The recording session ends either way.
func (p *Pipeline) Release() (Result, error) {
	switch p.state {
	case StateCancelled:
		p.state = StateIdle
		return Result{Cancelled: true}, nil
	case StateRecording:
		payload, err := p.device.Stop()
		if err != nil {
			p.state = StateIdle
			return Result{}, fmt.Errorf("capture: stop recording: %w", err)
		}
		p.state = StateUploading
		return Result{Payload: payload}, nil
	default:
		return Result{}, fmt.Errorf("capture: release while %s", p.state)
	}
}

// Done ends the recording session after the upload attempt, success or not.
func (p *Pipeline) Done() {
	if p.state == StateUploading {
		p.state = StateIdle
	}
}
