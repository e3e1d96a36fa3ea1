package kfmt

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintf(t *testing.T) {
	defer func() {
		outputSink = nil
	}()

	// mute vet warnings about malformed printf formatting strings
	printfn := Printf

	specs := []struct {
		fn        func()
		expOutput string
	}{
		{
			func() { printfn("no args") },
			"no args",
		},
		// bool values
		{
			func() { printfn("%t", true) },
			"true",
		},
		{
			func() { printfn("%41t", false) },
			"false",
		},
		// strings and byte slices
		{
			func() { printfn("[%s] arg", "pmm") },
			"[pmm] arg",
		},
		{
			func() { printfn("%s arg", []byte("BYTE SLICE")) },
			"BYTE SLICE arg",
		},
		{
			func() { printfn("'%10s'", "usable") },
			"'    usable'",
		},
		{
			func() { printfn("'%4s' arg longer than padding", "ABCDE") },
			"'ABCDE' arg longer than padding",
		},
		// uints
		{
			func() { printfn("frames: %d", uint8(10)) },
			"frames: 10",
		},
		{
			func() { printfn("mode: %o", uint16(0777)) },
			"mode: 777",
		},
		{
			func() { printfn("0x%16x", uintptr(0xffffffff80000000)) },
			"0xffffffff80000000",
		},
		{
			func() { printfn("0x%16x", uint64(0x100000)) },
			"0x0000000000100000",
		},
		{
			func() { printfn("'%10d'", uint(123)) },
			"'       123'",
		},
		{
			func() { printfn("'0x%5x'", int64(0xbadf00d)) },
			"'0xbadf00d'",
		},
		// ints
		{
			func() { printfn("%d", int8(-10)) },
			"-10",
		},
		{
			func() { printfn("%x", int32(-0xbadf00d)) },
			"-badf00d",
		},
		{
			func() { printfn("'%10d'", int64(-12345678)) },
			"' -12345678'",
		},
		{
			func() { printfn("'%10d'", int64(-1234567890)) },
			"'-1234567890'",
		},
		{
			func() { printfn("'%10x'", int(-0xbadf00d)) },
			"'-00badf00d'",
		},
		{
			func() { printfn("'%128x'", int(-0xbadf00d)) },
			"'-" + strings.Repeat("0", numBufSize-1-8) + "badf00d'",
		},
		// multiple arguments
		{
			func() { printfn("%%%s%d%t", "foo", 123, true) },
			`%foo123true`,
		},
		// errors
		{
			func() { printfn("more args", "foo", "bar", "baz") },
			`more args%!(EXTRA)%!(EXTRA)%!(EXTRA)`,
		},
		{
			func() { printfn("missing args %s") },
			`missing args (MISSING)`,
		},
		{
			func() { printfn("bad verb %Q") },
			`bad verb %!(NOVERB)`,
		},
		{
			func() { printfn("trailing %") },
			`trailing %!(NOVERB)`,
		},
		{
			func() { printfn("not bool %t", "foo") },
			`not bool %!(WRONGTYPE)`,
		},
		{
			func() { printfn("not int %d", "foo") },
			`not int %!(WRONGTYPE)`,
		},
		{
			func() { printfn("not string %s", 123) },
			`not string %!(WRONGTYPE)`,
		},
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	for specIndex, spec := range specs {
		buf.Reset()
		spec.fn()

		if got := buf.String(); got != spec.expOutput {
			t.Errorf("[spec %d] expected to get\n%q\ngot:\n%q", specIndex, spec.expOutput, got)
		}
	}
}

func TestPrintfToRingBuffer(t *testing.T) {
	defer func() {
		outputSink = nil
	}()

	outputSink = nil
	exp := "[boot] early message"
	Printf(exp)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer

	Fprintf(&buf, "%d frames free", 42)

	if exp, got := "42 frames free", buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}
