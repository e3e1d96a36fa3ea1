package kmain

import (
	"kestrel/kernel/boot"
	"kestrel/kernel/mm"
)

// imageTranslator reaches frames inside the kernel image through the
// image's linked addresses and all other frames through fallback.
type imageTranslator struct {
	image    *boot.Layout
	fallback mm.PhysTranslator
}

// PhysToVirt implements mm.PhysTranslator.
func (t *imageTranslator) PhysToVirt(addr mm.PhysAddr) mm.VirtAddr {
	if t.image.ContainsPhys(addr) || t.fallback == nil {
		return t.image.PhysToVirt(addr)
	}

	return t.fallback.PhysToVirt(addr)
}
