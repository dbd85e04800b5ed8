package kfmt

import "io"

// ringBufferSize is large enough to hold an 80x25 text console. It must be a
// power of 2.
const ringBufferSize = 2048

// ringBuffer captures Printf output before an output sink is available. Once
// full, new writes overwrite the oldest data.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// rPos and wPos grow monotonically and are masked on access.
	rPos, wPos uint
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wPos&(ringBufferSize-1)] = b
		rb.wPos++
	}

	if rb.wPos-rb.rPos > ringBufferSize {
		rb.rPos = rb.wPos - ringBufferSize
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns io.EOF once all buffered
// data has been consumed.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	pending := rb.wPos - rb.rPos
	if pending == 0 {
		return 0, io.EOF
	}

	start := rb.rPos & (ringBufferSize - 1)
	end := start + pending
	if end > ringBufferSize {
		end = ringBufferSize
	}

	n := copy(p, rb.buffer[start:end])
	rb.rPos += uint(n)
	return n, nil
}
