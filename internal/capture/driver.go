package capture

import (
	"context"
	"errors"
	"io"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/audio"
)

var (
	// ErrAlreadyRecording is returned by Start while a session is active.
	ErrAlreadyRecording = errors.New("already recording")
	// ErrNotRecording is returned by Stop when no session matches.
	ErrNotRecording = errors.New("not recording")
	// ErrDeviceUnavailable is returned when a capture device cannot be opened.
	ErrDeviceUnavailable = errors.New("device unavailable")
)

// DeviceKind distinguishes microphones from system output (loopback) devices.
type DeviceKind string

const (
	Input  DeviceKind = "input"
	Output DeviceKind = "output"
)

// DefaultDevice selects the system default of the requested kind.
const DefaultDevice = "default"

// Device is one capture endpoint.
type Device struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Kind      DeviceKind `json:"kind"`
	IsDefault bool       `json:"is_default"`
}

// DeviceList groups devices by kind.
type DeviceList struct {
	Inputs  []Device `json:"inputs"`
	Outputs []Device `json:"outputs"`
}

// Stream yields raw little-endian PCM from an open device.
type Stream interface {
	io.Reader
	Format() audio.Format
	Close() error
}

// Driver is the audio capture capability. Open returns ErrDeviceUnavailable
// (wrapped) when the device cannot deliver audio.
type Driver interface {
	Devices(ctx context.Context) (DeviceList, error)
	Open(ctx context.Context, deviceID string, kind DeviceKind) (Stream, error)
}
