package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const headerSize = 44

// ErrNotWAV is returned when a file is not a PCM RIFF/WAVE file.
var ErrNotWAV = errors.New("not a PCM WAV file")

// Format describes interleaved little-endian signed PCM.
type Format struct {
	SampleRate    int `json:"sample_rate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bits_per_sample"`
}

// PCM16 returns a 16-bit format.
func PCM16(sampleRate, channels int) Format {
	return Format{SampleRate: sampleRate, Channels: channels, BitsPerSample: 16}
}

// BlockAlign is the size of one frame (one sample for every channel).
func (f Format) BlockAlign() int { return f.Channels * f.BitsPerSample / 8 }

// BytesPerSecond is the PCM data rate.
func (f Format) BytesPerSecond() int { return f.SampleRate * f.BlockAlign() }

// Duration converts a PCM byte count into playback time.
func (f Format) Duration(n int64) time.Duration {
	bps := int64(f.BytesPerSecond())
	if bps == 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / bps)
}

func (f Format) validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.BitsPerSample != 16 {
		return fmt.Errorf("unsupported format %+v", f)
	}
	return nil
}

func writeHeader(w io.Writer, f Format, dataBytes int64) error {
	if dataBytes > 0xFFFFFFFF-36 {
		dataBytes = 0xFFFFFFFF - 36
	}
	var h [headerSize]byte
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataBytes))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(h[32:34], uint16(f.BlockAlign()))
	binary.LittleEndian.PutUint16(h[34:36], uint16(f.BitsPerSample))
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataBytes))
	_, err := w.Write(h[:])
	return err
}

// EncodeWAV writes a complete WAV file holding pcm.
func EncodeWAV(w io.Writer, f Format, pcm []byte) error {
	if err := writeHeader(w, f, int64(len(pcm))); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}

// Writer streams PCM into a WAV file. The header is written with a zero data
// size up front and finalized on Close, so a crash leaves a file that
// RepairHeader can fix.
type Writer struct {
	f      *os.File
	bw     *bufio.Writer
	format Format
	n      int64
}

// Create opens path for writing and reserves the header.
func Create(path string, f Format) (*Writer, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(file, 64*1024)
	if err := writeHeader(bw, f, 0); err != nil {
		file.Close()
		return nil, err
	}
	return &Writer{f: file, bw: bw, format: f}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.bw.Write(p)
	w.n += int64(n)
	return n, err
}

// Bytes returns the PCM bytes written so far.
func (w *Writer) Bytes() int64 { return w.n }

// Duration returns the audio time written so far.
func (w *Writer) Duration() time.Duration { return w.format.Duration(w.n) }

// Format returns the format the file was created with.
func (w *Writer) Format() Format { return w.format }

// Close drops a trailing partial frame, patches the header sizes and closes
// the file.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("flush wav: %w", err)
	}
	aligned := w.n - w.n%int64(w.format.BlockAlign())
	if aligned != w.n {
		if err := w.f.Truncate(headerSize + aligned); err != nil {
			w.f.Close()
			return fmt.Errorf("truncate partial frame: %w", err)
		}
		w.n = aligned
	}
	if err := patchSizes(w.f, w.n); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("sync wav: %w", err)
	}
	return w.f.Close()
}

func patchSizes(f *os.File, dataBytes int64) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(36+dataBytes))
	if _, err := f.WriteAt(b[:], 4); err != nil {
		return fmt.Errorf("patch riff size: %w", err)
	}
	binary.LittleEndian.PutUint32(b[:], uint32(dataBytes))
	if _, err := f.WriteAt(b[:], 40); err != nil {
		return fmt.Errorf("patch data size: %w", err)
	}
	return nil
}

// Info describes a WAV file on disk.
type Info struct {
	Format
	DataOffset int64
	DataBytes  int64
	Duration   time.Duration
	Size       int64
}

// ReadInfo parses the header of path. A data chunk whose declared size is
// zero or runs past the end of the file is measured from the file size.
func ReadInfo(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	return readInfo(f)
}

func readInfo(f *os.File) (Info, error) {
	fi, err := f.Stat()
	if err != nil {
		return Info{}, err
	}
	var riff [12]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Info{}, ErrNotWAV
	}

	info := Info{Size: fi.Size()}
	haveFmt := false
	off := int64(12)
	for {
		var ch [8]byte
		if _, err := f.ReadAt(ch[:], off); err != nil {
			return Info{}, fmt.Errorf("%w: no data chunk", ErrNotWAV)
		}
		id := string(ch[0:4])
		size := int64(binary.LittleEndian.Uint32(ch[4:8]))
		body := off + 8

		switch id {
		case "fmt ":
			var fm [16]byte
			if _, err := f.ReadAt(fm[:], body); err != nil {
				return Info{}, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			if binary.LittleEndian.Uint16(fm[0:2]) != 1 {
				return Info{}, fmt.Errorf("%w: compressed audio", ErrNotWAV)
			}
			info.Channels = int(binary.LittleEndian.Uint16(fm[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(fm[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(fm[14:16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return Info{}, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			info.DataOffset = body
			avail := fi.Size() - body
			if size == 0 || size > avail {
				size = avail
			}
			if ba := int64(info.BlockAlign()); ba > 0 {
				size -= size % ba
			}
			info.DataBytes = size
			info.Duration = info.Format.Duration(size)
			return info, nil
		}
		off = body + size + size%2
	}
}

// RepairHeader rewrites the size fields of a WAV file whose writer never
// finalized it (process killed mid-recording).
func RepairHeader(path string) (Info, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	info, err := readInfo(f)
	if err != nil {
		return Info{}, err
	}
	if info.DataOffset != headerSize {
		return info, nil // not written by Writer; leave foreign layouts alone
	}
	if err := patchSizes(f, info.DataBytes); err != nil {
		return Info{}, err
	}
	return info, f.Sync()
}

// Reader reads the PCM payload of a WAV file in fixed windows.
type Reader struct {
	f    *os.File
	info Info
	pos  int64 // bytes of data consumed
}

// Open opens path for windowed reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := readInfo(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{f: f, info: info}, nil
}

// Info returns the parsed header.
func (r *Reader) Info() Info { return r.info }

// Offset returns the audio time already consumed.
func (r *Reader) Offset() time.Duration { return r.info.Format.Duration(r.pos) }

// Next returns up to window of PCM. It returns io.EOF when no data is left.
func (r *Reader) Next(window time.Duration) ([]byte, error) {
	remaining := r.info.DataBytes - r.pos
	if remaining <= 0 {
		return nil, io.EOF
	}
	want := int64(window.Seconds() * float64(r.info.BytesPerSecond()))
	want -= want % int64(r.info.BlockAlign())
	if want <= 0 || want > remaining {
		want = remaining
	}
	buf := make([]byte, want)
	n, err := r.f.ReadAt(buf, r.info.DataOffset+r.pos)
	r.pos += int64(n)
	if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		return nil, err
	}
	return buf[:n], nil
}

func (r *Reader) Close() error { return r.f.Close() }
