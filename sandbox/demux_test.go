package sandbox

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskdock/taskdock/sandbox/sandboxtest"
)

func TestDemuxerSplitsStreams(t *testing.T) {
	var stdout, stderr bytes.Buffer
	d := NewDemuxer(bufferSink{&stdout}, bufferSink{&stderr})

	input := append(sandboxtest.Frame(1, []byte("out-1 ")), sandboxtest.Frame(2, []byte("err-1 "))...)
	input = append(input, sandboxtest.Frame(1, []byte("out-2"))...)
	input = append(input, sandboxtest.Frame(2, []byte("err-2"))...)

	n, err := d.Write(input)
	assert.NoError(t, err)
	assert.Equal(t, len(input), n)
	assert.Equal(t, "out-1 out-2", stdout.String())
	assert.Equal(t, "err-1 err-2", stderr.String())
}

func TestDemuxerChunkedDelivery(t *testing.T) {
	var stdout, stderr bytes.Buffer
	d := NewDemuxer(bufferSink{&stdout}, bufferSink{&stderr})

	input := append(sandboxtest.Frame(1, []byte("hello")), sandboxtest.Frame(2, []byte("world"))...)

	// One byte at a time; frames span writes.
	for _, b := range input {
		_, err := d.Write([]byte{b})
		assert.NoError(t, err)
	}
	assert.Equal(t, "hello", stdout.String())
	assert.Equal(t, "world", stderr.String())
}

func TestDemuxerStdinSelectorGoesToStdout(t *testing.T) {
	var stdout, stderr bytes.Buffer
	d := NewDemuxer(bufferSink{&stdout}, bufferSink{&stderr})

	_, err := d.Write(sandboxtest.Frame(0, []byte("tty-ish")))
	assert.NoError(t, err)
	assert.Equal(t, "tty-ish", stdout.String())
	assert.Empty(t, stderr.String())
}

func TestDemuxerUnknownSelector(t *testing.T) {
	var stdout, stderr bytes.Buffer
	d := NewDemuxer(bufferSink{&stdout}, bufferSink{&stderr})

	_, err := d.Write(sandboxtest.Frame(7, []byte("junk")))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stream selector")
}

func TestDemuxerEmptyPayload(t *testing.T) {
	var stdout, stderr bytes.Buffer
	d := NewDemuxer(bufferSink{&stdout}, bufferSink{&stderr})

	_, err := d.Write(sandboxtest.Frame(1, nil))
	assert.NoError(t, err)
	assert.Empty(t, stdout.String())
}

func TestDemuxerCopyClosesSinks(t *testing.T) {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	d := NewDemuxer(outW, errW)

	input := append(sandboxtest.Frame(1, []byte("done")), sandboxtest.Frame(2, []byte("oops"))...)

	go func() {
		err := d.Copy(bytes.NewReader(input))
		assert.NoError(t, err)
	}()

	out, err := io.ReadAll(outR)
	assert.NoError(t, err)
	assert.Equal(t, "done", string(out))

	errOut, err := io.ReadAll(errR)
	assert.NoError(t, err)
	assert.Equal(t, "oops", string(errOut))
}

func TestDemuxerCopyPropagatesTransportError(t *testing.T) {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	d := NewDemuxer(outW, errW)

	boom := errors.New("connection reset")
	r := io.MultiReader(bytes.NewReader(sandboxtest.Frame(1, []byte("partial"))), failingReader{boom})

	go d.Copy(r)

	buf := make([]byte, 7)
	_, err := io.ReadFull(outR, buf)
	assert.NoError(t, err)
	assert.Equal(t, "partial", string(buf))

	_, err = outR.Read(buf)
	assert.Equal(t, boom, err)
	_, err = errR.Read(buf)
	assert.Equal(t, boom, err)
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }
