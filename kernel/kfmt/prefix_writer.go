package kfmt

import (
	"bytes"
	"io"
)

// PrefixWriter tags every line written to Sink with Prefix.
type PrefixWriter struct {
	Sink   io.Writer
	Prefix []byte

	// inLine is set once the prefix for the current line has been emitted.
	inLine bool
}

// Write forwards p to the sink. Injected prefixes are not counted in the
// returned length.
func (w *PrefixWriter) Write(p []byte) (n int, err error) {
	for len(p) > 0 {
		if !w.inLine {
			if _, err = w.Sink.Write(w.Prefix); err != nil {
				return n, err
			}
			w.inLine = true
		}

		chunk := p
		if nl := bytes.IndexByte(p, '\n'); nl >= 0 {
			chunk = p[:nl+1]
		}

		var written int
		written, err = w.Sink.Write(chunk)
		n += written
		if err != nil {
			return n, err
		}

		w.inLine = chunk[len(chunk)-1] != '\n'
		p = p[len(chunk):]
	}

	return n, nil
}
