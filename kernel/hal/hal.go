// Package hal defines the narrow set of hardware-facing collaborator
// interfaces that the memory core relies on but does not implement itself:
// console output and the boot-time memory map (see the multiboot
// sub-package). Concrete framebuffer/VGA drivers are outside the scope of
// this tree; they only need to satisfy Terminal and assign themselves to
// ActiveTerminal before the first call to kfmt/early.Printf.
package hal

// Terminal is the minimal console abstraction used for early diagnostic
// output, before the Go allocator and scheduler are available.
type Terminal interface {
	WriteByte(b byte)
	Write(p []byte)
}

// ActiveTerminal is the console currently used by kfmt/early.Printf. It
// defaults to a no-op sink so that calls made before a real driver attaches
// itself do not fault.
var ActiveTerminal Terminal = discardTerminal{}

type discardTerminal struct{}

func (discardTerminal) WriteByte(byte) {}
func (discardTerminal) Write([]byte)   {}
