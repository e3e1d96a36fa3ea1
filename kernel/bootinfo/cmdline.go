package bootinfo

// CommandLine is a kernel command line made up of whitespace separated
// "key=value" pairs and bare flags. Lookups do not allocate.
type CommandLine []byte

// CmdLine returns the kernel command line or an empty CommandLine if the
// loader did not supply one. A trailing NUL terminator is stripped.
func CmdLine() CommandLine {
	payload := findItem(ItemCommandLine)
	if n := len(payload); n > 0 && payload[n-1] == 0 {
		payload = payload[:n-1]
	}

	return CommandLine(payload)
}

// Lookup returns the value of the last "key=value" token for key. Bare flags
// named key have an empty value.
func (c CommandLine) Lookup(key string) ([]byte, bool) {
	var (
		value []byte
		found bool
	)

	c.visitTokens(func(k, v []byte) {
		if string(k) == key {
			value, found = v, true
		}
	})

	return value, found
}

// Flag returns true if name appears as a bare flag or as a key.
func (c CommandLine) Flag(name string) bool {
	_, found := c.Lookup(name)
	return found
}

// visitTokens splits the command line into tokens and invokes fn with the
// key and value of each one.
func (c CommandLine) visitTokens(fn func(key, value []byte)) {
	for start := 0; start < len(c); {
		if isSpace(c[start]) {
			start++
			continue
		}

		end, sep := start, -1
		for ; end < len(c) && !isSpace(c[end]); end++ {
			if c[end] == '=' && sep == -1 {
				sep = end
			}
		}

		if sep == -1 {
			fn(c[start:end], nil)
		} else {
			fn(c[start:sep], c[sep+1:end])
		}

		start = end
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == 0
}
