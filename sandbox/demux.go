package sandbox

import (
	"encoding/binary"
	"fmt"
	"io"
)

// The engine multiplexes stdout and stderr of a non-tty exec onto one byte
// stream. Each frame is an 8-byte header followed by the payload: byte 0 is
// the stream selector (0 stdin, 1 stdout, 2 stderr), bytes 1-3 are reserved,
// bytes 4-7 are the payload length as a big-endian uint32. Frames may span
// multiple reads, so the decoder buffers until a full frame is available.
const (
	streamStdin  byte = 0
	streamStdout byte = 1
	streamStderr byte = 2

	demuxHeaderLen = 8
)

// StreamSink receives demultiplexed payload bytes for one stream.
// *io.PipeWriter implements it.
type StreamSink interface {
	io.Writer
	CloseWithError(err error) error
}

// Demuxer decodes the multiplexed attach stream into two sinks. Write may be
// called with arbitrary chunks; complete frames are dispatched as soon as
// they are available. Not safe for concurrent writers.
type Demuxer struct {
	stdout StreamSink
	stderr StreamSink
	buf    []byte
}

// NewDemuxer returns a Demuxer emitting into the given sinks.
func NewDemuxer(stdout, stderr StreamSink) *Demuxer {
	return &Demuxer{stdout: stdout, stderr: stderr}
}

// Write appends p to the frame buffer and dispatches every complete frame.
func (d *Demuxer) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	if err := d.dispatch(); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (d *Demuxer) dispatch() error {
	for len(d.buf) >= demuxHeaderLen {
		size := int(binary.BigEndian.Uint32(d.buf[4:demuxHeaderLen]))
		if len(d.buf) < demuxHeaderLen+size {
			return nil // partial frame, wait for more bytes
		}

		selector := d.buf[0]
		payload := d.buf[demuxHeaderLen : demuxHeaderLen+size]

		var sink StreamSink
		switch selector {
		case streamStdin, streamStdout:
			sink = d.stdout
		case streamStderr:
			sink = d.stderr
		default:
			return fmt.Errorf("sandbox: unknown stream selector %d", selector)
		}

		if _, err := sink.Write(payload); err != nil {
			return err
		}
		d.buf = d.buf[demuxHeaderLen+size:]
	}

	// Fully consumed, release the backing array.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return nil
}

// Close closes both sinks, signalling end-of-stream to their readers.
func (d *Demuxer) Close() error {
	d.stdout.CloseWithError(nil)
	d.stderr.CloseWithError(nil)
	return nil
}

// CloseWithError propagates a transport error into both sinks so downstream
// readers fail instead of hanging.
func (d *Demuxer) CloseWithError(err error) {
	d.stdout.CloseWithError(err)
	d.stderr.CloseWithError(err)
}

// Copy drains r into the demuxer until end-of-stream or error, then closes
// the sinks accordingly. Returns the transport error, if any.
func (d *Demuxer) Copy(r io.Reader) error {
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if _, werr := d.Write(chunk[:n]); werr != nil {
				d.CloseWithError(werr)
				return werr
			}
		}
		if err == io.EOF {
			d.Close()
			return nil
		}
		if err != nil {
			d.CloseWithError(err)
			return err
		}
	}
}

// bufferSink adapts a plain io.Writer (e.g. bytes.Buffer) to StreamSink for
// buffered, whole-command execution.
type bufferSink struct{ io.Writer }

func (bufferSink) CloseWithError(error) error { return nil }
