package demo

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// FrameHeaderSize is delta time, frame number and payload length.
	FrameHeaderSize = 12
	// MaxPayload guards against reading garbage lengths.
	MaxPayload = 16 << 20
)

var (
	ErrFrameRegressed  = errors.New("demo: frame number went backwards")
	ErrPayloadTooLarge = errors.New("demo: frame payload too large")
	ErrNotSeekable     = errors.New("demo: stream cannot rewind")
)

// Frame is one recorded simulation frame.
type Frame struct {
	DeltaTime float32
	Number    int32
	Payload   []byte
}

// Writer appends frame records to a stream. The byte order is fixed when the
// writer is created so recordings are portable between hosts.
type Writer struct {
	w      io.Writer
	order  binary.ByteOrder
	header [FrameHeaderSize]byte
	last   int32
	frames int32
	bytes  int64
}

// NewWriter writes big-endian records.
func NewWriter(w io.Writer) *Writer {
	return NewWriterOrder(w, binary.BigEndian)
}

func NewWriterOrder(w io.Writer, order binary.ByteOrder) *Writer {
	return &Writer{w: w, order: order, last: math.MinInt32}
}

// WriteFrame appends f. Frame numbers must not decrease.
func (w *Writer) WriteFrame(f Frame) error {
	if f.Number < w.last {
		return fmt.Errorf("%w: %d after %d", ErrFrameRegressed, f.Number, w.last)
	}
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	w.order.PutUint32(w.header[0:4], math.Float32bits(f.DeltaTime))
	w.order.PutUint32(w.header[4:8], uint32(f.Number))
	w.order.PutUint32(w.header[8:12], uint32(len(f.Payload)))
	if _, err := w.w.Write(w.header[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.w.Write(f.Payload); err != nil {
			return err
		}
	}
	w.last = f.Number
	w.frames++
	w.bytes += int64(FrameHeaderSize + len(f.Payload))
	return nil
}

// Frames reports the number of records written.
func (w *Writer) Frames() int32 {
	return w.frames
}

// Bytes reports the number of bytes written.
func (w *Writer) Bytes() int64 {
	return w.bytes
}

// Reader reads frame records with one record of look-ahead.
type Reader struct {
	src    io.Reader
	r      *bufio.Reader
	order  binary.ByteOrder
	header [FrameHeaderSize]byte
	last   int32
	frames int32

	peeked  *Frame
	peekErr error
}

// NewReader reads big-endian records.
func NewReader(r io.Reader) *Reader {
	return NewReaderOrder(r, binary.BigEndian)
}

func NewReaderOrder(r io.Reader, order binary.ByteOrder) *Reader {
	return &Reader{src: r, r: bufio.NewReader(r), order: order, last: math.MinInt32}
}

// Next returns the next record. A clean end of stream is io.EOF; a record
// cut short is io.ErrUnexpectedEOF.
func (r *Reader) Next() (Frame, error) {
	if r.peeked != nil || r.peekErr != nil {
		f, err := r.peeked, r.peekErr
		r.peeked, r.peekErr = nil, nil
		if err != nil {
			return Frame{}, err
		}
		return *f, nil
	}
	return r.read()
}

// Peek returns the next record without consuming it.
func (r *Reader) Peek() (Frame, error) {
	if r.peeked == nil && r.peekErr == nil {
		f, err := r.read()
		if err != nil {
			r.peekErr = err
		} else {
			r.peeked = &f
		}
	}
	if r.peekErr != nil {
		return Frame{}, r.peekErr
	}
	return *r.peeked, nil
}

// Frames reports the number of records read since open or rewind.
func (r *Reader) Frames() int32 {
	return r.frames
}

// Rewind restarts reading from byte zero.
func (r *Reader) Rewind() error {
	seeker, ok := r.src.(io.Seeker)
	if !ok {
		return ErrNotSeekable
	}
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r.r.Reset(r.src)
	r.peeked, r.peekErr = nil, nil
	r.last = math.MinInt32
	r.frames = 0
	return nil
}

func (r *Reader) read() (Frame, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		return Frame{}, err
	}
	f := Frame{
		DeltaTime: math.Float32frombits(r.order.Uint32(r.header[0:4])),
		Number:    int32(r.order.Uint32(r.header[4:8])),
	}
	size := r.order.Uint32(r.header[8:12])
	if size > MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d bytes in frame %d", ErrPayloadTooLarge, size, f.Number)
	}
	if f.Number < r.last {
		return Frame{}, fmt.Errorf("%w: %d after %d", ErrFrameRegressed, f.Number, r.last)
	}
	if size > 0 {
		f.Payload = make([]byte, size)
		if _, err := io.ReadFull(r.r, f.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	r.last = f.Number
	r.frames++
	return f, nil
}
