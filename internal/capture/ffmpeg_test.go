package capture

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePactlSources(t *testing.T) {
	out := []byte(`0	alsa_output.pci-0000_00_1f.3.analog-stereo.monitor	module-alsa-card.c	s16le 2ch 48000Hz	SUSPENDED
1	alsa_input.pci-0000_00_1f.3.analog-stereo	module-alsa-card.c	s16le 2ch 48000Hz	RUNNING
2	bluez_input.headset	module-bluez5-device.c	s16le 1ch 16000Hz	IDLE

`)
	list := parsePactlSources(out, "alsa_input.pci-0000_00_1f.3.analog-stereo", "alsa_output.pci-0000_00_1f.3.analog-stereo")

	require.Len(t, list.Inputs, 2)
	require.Len(t, list.Outputs, 1)
	assert.Equal(t, "alsa_output.pci-0000_00_1f.3.analog-stereo", list.Outputs[0].ID, "monitor suffix stripped")
	assert.True(t, list.Outputs[0].IsDefault)
	assert.Equal(t, Output, list.Outputs[0].Kind)
	assert.True(t, list.Inputs[0].IsDefault)
	assert.False(t, list.Inputs[1].IsDefault)
}

func TestParseAVFoundation(t *testing.T) {
	out := []byte(`[AVFoundation indev @ 0x7f8] AVFoundation video devices:
[AVFoundation indev @ 0x7f8] [0] FaceTime HD Camera
[AVFoundation indev @ 0x7f8] [1] Capture screen 0
[AVFoundation indev @ 0x7f8] AVFoundation audio devices:
[AVFoundation indev @ 0x7f8] [0] MacBook Pro Microphone
[AVFoundation indev @ 0x7f8] [1] BlackHole 2ch
[AVFoundation indev @ 0x7f8] [2] External USB Mic
: Input/output error
`)
	list := parseAVFoundation(out)

	require.Len(t, list.Inputs, 2, "video devices ignored")
	assert.Equal(t, Device{ID: "0", Name: "MacBook Pro Microphone", Kind: Input, IsDefault: true}, list.Inputs[0])
	assert.Equal(t, "2", list.Inputs[1].ID)
	require.Len(t, list.Outputs, 1)
	assert.Equal(t, "BlackHole 2ch", list.Outputs[0].Name)
	assert.True(t, list.Outputs[0].IsDefault)
}

func TestParseDShow(t *testing.T) {
	out := []byte(`[dshow @ 000001] "Integrated Webcam" (video)
[dshow @ 000001]   Alternative name "@device_pnp_\\?\usb#vid"
[dshow @ 000001] "Microphone Array (Realtek Audio)" (audio)
[dshow @ 000001] "Stereo Mix (Realtek Audio)" (audio)
`)
	list := parseDShow(out)

	require.Len(t, list.Inputs, 1)
	assert.Equal(t, "Microphone Array (Realtek Audio)", list.Inputs[0].ID)
	require.Len(t, list.Outputs, 1)
	assert.Equal(t, "Stereo Mix (Realtek Audio)", list.Outputs[0].ID)
}

func TestInputArgs(t *testing.T) {
	tests := []struct {
		goos   string
		device string
		kind   DeviceKind
		want   []string
	}{
		{"linux", DefaultDevice, Input, []string{"-f", "pulse", "-i", "default"}},
		{"linux", DefaultDevice, Output, []string{"-f", "pulse", "-i", "@DEFAULT_MONITOR@"}},
		{"linux", "alsa_output.usb", Output, []string{"-f", "pulse", "-i", "alsa_output.usb.monitor"}},
		{"linux", "alsa_output.usb.monitor", Output, []string{"-f", "pulse", "-i", "alsa_output.usb.monitor"}},
		{"darwin", "1", Output, []string{"-f", "avfoundation", "-i", ":1"}},
		{"windows", "Stereo Mix", Output, []string{"-f", "dshow", "-i", "audio=Stereo Mix"}},
	}
	for _, tt := range tests {
		t.Run(tt.goos+"/"+tt.device, func(t *testing.T) {
			d := NewFFmpegDriver("", 0, zerolog.Nop())
			d.goos = tt.goos
			assert.Equal(t, tt.want, d.inputArgs(tt.device, tt.kind))
		})
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 8}
	b.Write([]byte("hello "))
	b.Write([]byte("world"))
	assert.Equal(t, "lo world", b.String())
}
