// Package kfmt implements the kernel's allocation-free formatted output.
//
// Everything in this package must be usable before the Go allocator is
// available: the boot path logs the memory map and the frame allocator
// layout long before a heap exists.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize is the size of the scratch buffer used for formatting integers.
const numBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numBuf     [numBufSize]byte
	singleByte [1]byte

	// earlyPrintBuffer captures Printf output until an output sink is set.
	earlyPrintBuffer ringBuffer

	// outputSink receives the output of Printf. When nil, output is
	// written to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for Printf to w and flushes any output that
// was buffered while no sink was attached.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf is a minimal printf that does not allocate memory. The following
// verbs are supported:
//
//	%s  string or []byte
//	%d  integer, base 10, left-padded with spaces
//	%o  integer, base 8, left-padded with zeroes
//	%x  integer, base 16 (lower-case), left-padded with zeroes
//	%t  bool
//	%%  a literal percent sign
//
// A decimal width may precede the verb. Arguments of types other than the
// built-in integer, string and bool types are reported as WRONGTYPE; Printf
// deliberately does not look for io.Stringer or error implementations as the
// required type assertions may call into the allocator.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var argIndex int

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		width := 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 'd', 'o', 'x', 's', 't':
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		arg := args[argIndex]
		argIndex++

		switch verb {
		case 'd':
			fmtInt(w, arg, 10, width)
		case 'o':
			fmtInt(w, arg, 8, width)
		case 'x':
			fmtInt(w, arg, 16, width)
		case 's':
			fmtString(w, arg, width)
		case 't':
			fmtBool(w, arg)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		pad(w, ' ', width-len(s))
		// converting s to a []byte would allocate
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		pad(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

func pad(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// fmtInt formats any built-in integer type in the requested base. Base-10
// values are padded with spaces and the sign is placed next to the first
// digit; other bases are padded with zeroes and the sign precedes the
// padding.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		val uint64
		neg bool
	)

	switch n := v.(type) {
	case uint8:
		val = uint64(n)
	case uint16:
		val = uint64(n)
	case uint32:
		val = uint64(n)
	case uint64:
		val = n
	case uint:
		val = uint64(n)
	case uintptr:
		val = uint64(n)
	case int8:
		val, neg = abs(int64(n))
	case int16:
		val, neg = abs(int64(n))
	case int32:
		val, neg = abs(int64(n))
	case int64:
		val, neg = abs(n)
	case int:
		val, neg = abs(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	// digits are emitted right to left
	pos := numBufSize
	for {
		pos--
		numBuf[pos] = "0123456789abcdef"[val%base]
		val /= base
		if val == 0 {
			break
		}
	}

	if width > numBufSize-1 {
		width = numBufSize - 1
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	digits := numBufSize - pos
	if neg && padCh == ' ' {
		pos--
		numBuf[pos] = '-'
		digits++
		pad(w, padCh, width-digits)
		doWrite(w, numBuf[pos:])
		return
	}

	if neg {
		writeByte(w, '-')
		digits++
	}
	pad(w, padCh, width-digits)
	doWrite(w, numBuf[pos:])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte[:])
}

// doWrite hides p from escape analysis. The compiler cannot prove that p does
// not escape through the yet unknown io.Writer and would otherwise move every
// Printf argument to the heap.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
		return
	}
	earlyPrintBuffer.Write(p)
}

// noEscape hides a pointer from escape analysis (see runtime/stubs.go).
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
