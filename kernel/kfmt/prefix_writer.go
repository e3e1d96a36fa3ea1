package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. It is used for indenting multi-line
// dumps such as memory maps.
type PrefixWriter struct {
	// A writer where all writes get sent to. A nil Sink follows the
	// output of Printf.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	midLine bool
}

// Write writes p to the sink, injecting the prefix before the first byte of
// every line. The returned count excludes the injected prefixes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) != 0 {
		if !w.midLine {
			if _, err := w.sinkWrite(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		lineLen := len(p)
		for i, b := range p {
			if b == '\n' {
				lineLen = i + 1
				w.midLine = false
				break
			}
		}

		n, err := w.sinkWrite(p[:lineLen])
		written += n
		if err != nil {
			return written, err
		}
		p = p[lineLen:]
	}

	return written, nil
}

func (w *PrefixWriter) sinkWrite(p []byte) (int, error) {
	switch {
	case w.Sink != nil:
		return w.Sink.Write(p)
	case outputSink != nil:
		return outputSink.Write(p)
	default:
		return earlyPrintBuffer.Write(p)
	}
}
