// Package kfmt implements formatted output for code that runs underneath the
// Go allocator. Nothing in this package allocates memory, which makes it safe
// to call from the frame and heap allocators themselves.
package kfmt

import (
	"io"
	"strconv"
)

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// numBuf holds the digits of the integer being formatted. 64 bytes fit
	// a uint64 in base 2.
	numBuf [64]byte

	// strBuf is used to move string data to the sink in chunks since
	// converting a string to a []byte would allocate.
	strBuf [32]byte

	padBuf [1]byte

	// earlyPrintBuffer keeps Printf output until an output sink is
	// installed.
	earlyPrintBuffer ringBuffer

	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and flushes any
// output captured by the early print buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently installed output sink or nil if output
// is still being captured by the early print buffer.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf formats according to a format specifier and writes to the active
// output sink. It supports the following subset of the fmt verbs:
//
//	%s  string or []byte
//	%d  base 10 integer
//	%x  base 16 integer, lower-case
//	%o  base 8 integer
//	%t  "true" or "false"
//	%%  a literal percent sign
//
// A decimal width may precede the verb. Strings and base 10 integers are
// left-padded with spaces; base 8 and 16 integers with zeroes.
//
// Printf does not support %v or %p as both require reflection.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes its output to w. A nil w redirects
// the output to the early print buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		fmtLen   = len(format)
	)

	for i := 0; i < fmtLen; {
		if format[i] != '%' {
			start := i
			for i < fmtLen && format[i] != '%' {
				i++
			}
			writeString(w, format[start:i])
			continue
		}

		i++
		width := 0
		for ; i < fmtLen && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == fmtLen {
			write(w, errNoVerb)
			break
		}

		verb := format[i]
		i++

		switch verb {
		case '%':
			writePad(w, '%', 1)
			continue
		case 'd', 'x', 'o', 's', 't':
		default:
			write(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			write(w, errMissingArg)
			continue
		}

		arg := args[argIndex]
		argIndex++

		switch verb {
		case 'd':
			fmtInt(w, arg, 10, width)
		case 'x':
			fmtInt(w, arg, 16, width)
		case 'o':
			fmtInt(w, arg, 8, width)
		case 's':
			fmtString(w, arg, width)
		case 't':
			fmtBool(w, arg)
		}
	}

	if argIndex < len(args) {
		write(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		write(w, errWrongArgType)
	case b:
		write(w, trueValue)
	default:
		write(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		writePad(w, ' ', width-len(s))
		writeString(w, s)
	case []byte:
		writePad(w, ' ', width-len(s))
		write(w, s)
	default:
		write(w, errWrongArgType)
	}
}

func fmtInt(w io.Writer, v interface{}, base, width int) {
	var (
		mag uint64
		neg bool
	)

	switch n := v.(type) {
	case uint8:
		mag = uint64(n)
	case uint16:
		mag = uint64(n)
	case uint32:
		mag = uint64(n)
	case uint64:
		mag = n
	case uint:
		mag = uint64(n)
	case uintptr:
		mag = uint64(n)
	case int8:
		mag, neg = abs(int64(n))
	case int16:
		mag, neg = abs(int64(n))
	case int32:
		mag, neg = abs(int64(n))
	case int64:
		mag, neg = abs(n)
	case int:
		mag, neg = abs(int64(n))
	default:
		write(w, errWrongArgType)
		return
	}

	digits := strconv.AppendUint(numBuf[:0], mag, base)
	padLen := width - len(digits)
	if neg {
		padLen--
	}

	if base == 10 {
		writePad(w, ' ', padLen)
		if neg {
			writePad(w, '-', 1)
		}
	} else {
		if neg {
			writePad(w, '-', 1)
		}
		writePad(w, '0', padLen)
	}
	write(w, digits)
}

func abs(n int64) (uint64, bool) {
	if n < 0 {
		return uint64(-n), true
	}
	return uint64(n), false
}

func writePad(w io.Writer, ch byte, count int) {
	padBuf[0] = ch
	for ; count > 0; count-- {
		write(w, padBuf[:])
	}
}

func writeString(w io.Writer, s string) {
	for len(s) > 0 {
		n := copy(strBuf[:], s)
		write(w, strBuf[:n])
		s = s[n:]
	}
}

func write(w io.Writer, p []byte) {
	if w == nil {
		_, _ = earlyPrintBuffer.Write(p)
		return
	}
	_, _ = w.Write(p)
}
