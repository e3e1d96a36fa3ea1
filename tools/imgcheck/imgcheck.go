// Command imgcheck verifies that a linked kernel image can be loaded by the
// boot trampoline.
//
// Usage:
//
//	imgcheck check path/to/kernel.elf
//	imgcheck layout path/to/kernel.elf
package main

import (
	"debug/elf"
	"errors"
	"flag"
	"fmt"
	"io"
	"kestrel/kernel/boot"
	"kestrel/kernel/mm"
	"os"
)

const entrySymbol = "_kestrel_start"

// layoutSymbols lists the linker script symbols that describe the image
// layout, in the order in which they must appear in the image.
var layoutSymbols = []string{
	"__virt_start",
	"__boot_text_start",
	"__text_start",
	"__text_end",
	"__rodata_start",
	"__rodata_end",
	"__data_start",
	"__data_end",
	"__virt_end",
}

// readSymbolsFn is mocked by tests.
var readSymbolsFn = elfSymbols

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[imgcheck] error: %s\n", err.Error())
	os.Exit(1)
}

func elfSymbols(imgFile string) ([]elf.Symbol, error) {
	f, err := elf.Open(imgFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return f.Symbols()
}

// resolveSymbols returns the values of the entry point and layout symbols.
func resolveSymbols(imgFile string) (map[string]uint64, error) {
	symbols, err := readSymbolsFn(imgFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]uint64, len(layoutSymbols)+1)
	for _, symbol := range symbols {
		values[symbol.Name] = symbol.Value
	}

	for _, name := range append([]string{entrySymbol}, layoutSymbols...) {
		if _, ok := values[name]; !ok {
			return nil, fmt.Errorf("%s: could not locate address of %q", imgFile, name)
		}
	}

	return values, nil
}

// imageLayout builds the layout of the image from its symbols and checks it
// against the constraints of the boot trampoline.
func imageLayout(imgFile string) (*boot.Layout, error) {
	values, err := resolveSymbols(imgFile)
	if err != nil {
		return nil, err
	}

	for i := 1; i < len(layoutSymbols); i++ {
		prev, cur := layoutSymbols[i-1], layoutSymbols[i]
		if values[cur] < values[prev] {
			return nil, fmt.Errorf("%s: %q (0x%x) precedes %q (0x%x)", imgFile, cur, values[cur], prev, values[prev])
		}
	}

	if entry := values[entrySymbol]; entry < values["__boot_text_start"] || entry >= values["__text_start"] {
		return nil, fmt.Errorf("%s: entry point 0x%x is not part of the boot text", imgFile, entry)
	}

	layout := &boot.Layout{
		VirtStart:     mm.VirtAddr(values["__virt_start"]),
		VirtEnd:       mm.VirtAddr(values["__virt_end"]),
		BootTextStart: mm.VirtAddr(values["__boot_text_start"]),
		TextStart:     mm.VirtAddr(values["__text_start"]),
		TextEnd:       mm.VirtAddr(values["__text_end"]),
		RodataStart:   mm.VirtAddr(values["__rodata_start"]),
		RodataEnd:     mm.VirtAddr(values["__rodata_end"]),
		DataStart:     mm.VirtAddr(values["__data_start"]),
		DataEnd:       mm.VirtAddr(values["__data_end"]),
	}

	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %s (image size: %d bytes, max: %d bytes)", imgFile, err.Message, uint64(layout.Size()), uint64(boot.MaxKernelImageSize))
	}

	return layout, nil
}

func printLayout(w io.Writer, layout *boot.Layout) {
	sections := []struct {
		name       string
		start, end mm.VirtAddr
	}{
		{"boot text", layout.BootTextStart, layout.TextStart},
		{"text", layout.TextStart, layout.TextEnd},
		{"rodata", layout.RodataStart, layout.RodataEnd},
		{"data", layout.DataStart, layout.DataEnd},
	}

	fmt.Fprintf(w, "image: [0x%016x - 0x%016x] %d bytes\n", uint64(layout.VirtStart), uint64(layout.VirtEnd), uint64(layout.Size()))
	for _, section := range sections {
		fmt.Fprintf(w, "  %-9s [0x%016x - 0x%016x] %d bytes\n", section.name, uint64(section.start), uint64(section.end), uint64(section.end-section.start))
	}
}

func main() {
	flag.Parse()
	if len(flag.Args()) != 2 {
		exit(errors.New("usage: imgcheck check|layout path/to/kernel.elf"))
	}

	cmd, imgFile := flag.Arg(0), flag.Arg(1)
	switch cmd {
	case "check", "layout":
	default:
		exit(fmt.Errorf("unknown command %q", cmd))
	}

	layout, err := imageLayout(imgFile)
	if err != nil {
		exit(err)
	}

	if cmd == "layout" {
		printLayout(os.Stdout, layout)
	}
}
