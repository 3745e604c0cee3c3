// Package capture records the raw buffers read from an inotify channel and
// replays them through the decoder.
//
// A capture is a zstd stream holding a short header followed by frames. Each
// frame is a little-endian uint32 length, a little-endian int64 Unix
// nanosecond timestamp and the raw bytes of one read. Records inside a frame
// keep the byte order of the machine that captured them; the header notes it
// so a capture from another architecture is rejected instead of misread.
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"inowatch/internal/inotify"

	"github.com/klauspost/compress/zstd"
)

const (
	magic = "inowcap1"
	// MaxFrameSize bounds a single frame; reads are never larger than the
	// controller's maximum buffer.
	MaxFrameSize = 16 << 20

	orderLittle byte = 'L'
	orderBig    byte = 'B'
)

var (
	ErrBadHeader  = errors.New("not an inowatch capture")
	ErrByteOrder  = errors.New("capture was recorded with a different byte order")
	ErrTruncated  = errors.New("capture ends inside a frame")
	ErrFrameSize  = errors.New("capture frame too large")
	ErrClosed     = errors.New("capture writer is closed")
	nativeOrderID = nativeOrder()
)

// Frame is one raw read.
type Frame struct {
	Time time.Time
	Raw  []byte
}

func nativeOrder() byte {
	probe := []byte{0, 0}
	binary.NativeEndian.PutUint16(probe, 1)
	if probe[0] == 1 {
		return orderLittle
	}
	return orderBig
}

// Writer appends frames to a compressed capture. It is safe for concurrent
// use.
type Writer struct {
	mu      sync.Mutex
	encoder *zstd.Encoder
	file    *os.File
	frames  int
	bytes   int64
	err     error
	closed  bool
}

func NewWriter(output io.Writer) (*Writer, error) {
	encoder, err := zstd.NewWriter(output, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	header := append([]byte(magic), nativeOrderID)
	if _, err := encoder.Write(header); err != nil {
		_ = encoder.Close()
		return nil, err
	}
	return &Writer{encoder: encoder}, nil
}

// Create starts a capture file at path, truncating it.
func Create(path string) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	writer, err := NewWriter(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	writer.file = file
	return writer, nil
}

func (w *Writer) WriteFrame(at time.Time, raw []byte) error {
	if len(raw) > MaxFrameSize {
		return ErrFrameSize
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.err != nil {
		return w.err
	}

	var prefix [12]byte
	binary.LittleEndian.PutUint32(prefix[0:4], uint32(len(raw)))
	binary.LittleEndian.PutUint64(prefix[4:12], uint64(at.UnixNano()))
	if _, err := w.encoder.Write(prefix[:]); err != nil {
		w.err = err
		return err
	}
	if _, err := w.encoder.Write(raw); err != nil {
		w.err = err
		return err
	}
	w.frames++
	w.bytes += int64(len(raw))
	return nil
}

// Hook returns a function suitable for inotify.Config.RawHook. Write errors
// are kept and reported by Err and Close.
func (w *Writer) Hook() func(raw []byte) {
	return func(raw []byte) {
		_ = w.WriteFrame(time.Now(), raw)
	}
}

func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Frames reports the number of frames and raw bytes written.
func (w *Writer) Frames() (int, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames, w.bytes
}

// Close flushes the compressed stream, and closes the file when the writer
// was made by Create.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.encoder.Close()
	if w.file != nil {
		if closeErr := w.file.Close(); err == nil {
			err = closeErr
		}
	}
	if err == nil {
		err = w.err
	}
	return err
}

// Reader iterates the frames of a capture.
type Reader struct {
	decoder *zstd.Decoder
	input   *bufio.Reader
	file    *os.File
}

func NewReader(input io.Reader) (*Reader, error) {
	decoder, err := zstd.NewReader(input)
	if err != nil {
		return nil, err
	}
	reader := &Reader{decoder: decoder, input: bufio.NewReader(decoder)}

	header := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(reader.input, header); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if string(header[:len(magic)]) != magic {
		decoder.Close()
		return nil, ErrBadHeader
	}
	if order := header[len(magic)]; order != nativeOrderID {
		decoder.Close()
		return nil, ErrByteOrder
	}
	return reader, nil
}

// Open opens the capture file at path.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, err := NewReader(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	reader.file = file
	return reader, nil
}

// Next returns the next frame, or io.EOF after the last one.
func (r *Reader) Next() (Frame, error) {
	var prefix [12]byte
	n, err := io.ReadFull(r.input, prefix[:])
	if err == io.EOF && n == 0 {
		return Frame{}, io.EOF
	}
	if err != nil {
		return Frame{}, ErrTruncated
	}
	size := binary.LittleEndian.Uint32(prefix[0:4])
	if size > MaxFrameSize {
		return Frame{}, ErrFrameSize
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(r.input, raw); err != nil {
		return Frame{}, ErrTruncated
	}
	return Frame{
		Time: time.Unix(0, int64(binary.LittleEndian.Uint64(prefix[4:12]))),
		Raw:  raw,
	}, nil
}

func (r *Reader) Close() error {
	r.decoder.Close()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Replay decodes every frame of the capture and hands the events to fn. It
// stops at the first malformed frame or the first error fn returns.
func Replay(input io.Reader, fn func(Frame, []inotify.Event) error) (int, error) {
	reader, err := NewReader(input)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	frames := 0
	for {
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		events, err := inotify.Decode(frame.Raw)
		if err != nil {
			return frames, fmt.Errorf("frame %d: %w", frames, err)
		}
		frames++
		if err := fn(frame, events); err != nil {
			return frames, err
		}
	}
}
