package wasm

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Memory provides safe memory operations for Wasm module interaction.
//
// Wasm modules have their own isolated memory space that is separate from Go's memory.
// Every guest-supplied (ptr, len) pair is checked against the current memory
// size before it is dereferenced, and reads hand back host-owned copies so a
// later guest call cannot mutate bytes the host already holds.
type Memory struct {
	mem api.Memory
}

// NewMemory creates a memory helper.
func NewMemory(module api.Module) *Memory {
	return &Memory{mem: module.Memory()}
}

// Size returns the current memory size in bytes.
func (m *Memory) Size() uint32 {
	return m.mem.Size()
}

// InBounds reports whether [ptr, ptr+length) lies inside memory.
// The sum is computed in 64 bits so a wrapping region is rejected.
func (m *Memory) InBounds(ptr, length uint32) bool {
	return uint64(ptr)+uint64(length) <= uint64(m.mem.Size())
}

// ReadString reads a null-terminated string from Wasm memory.
func (m *Memory) ReadString(ptr uint32, maxLen uint32) (string, bool) {
	// Read bytes until null terminator or maxLen.
	buf, ok := m.mem.Read(ptr, maxLen)
	if !ok {
		return "", false
	}

	// Find null terminator.
	end := len(buf)
	for i, b := range buf {
		if b == 0 {
			end = i
			break
		}
	}

	return string(buf[:end]), true
}

// ReadBytes copies length bytes out of Wasm memory.
func (m *Memory) ReadBytes(ptr uint32, length uint32) ([]byte, bool) {
	if !m.InBounds(ptr, length) {
		return nil, false
	}
	view, ok := m.mem.Read(ptr, length)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, true
}

// WriteBytes writes data at ptr.
func (m *Memory) WriteBytes(ptr uint32, data []byte) bool {
	if !m.InBounds(ptr, uint32(len(data))) {
		return false
	}
	return m.mem.Write(ptr, data)
}

const (
	pageSize   = 65536
	allocAlign = 8
)

// arena is the host-side bump allocator used for guests that do not export
// alloc. It hands out regions above the memory size observed at
// instantiation, growing memory page by page, and is rewound before every
// transform call. Pages the guest grows on its own belong to the guest, so
// the arena restarts above them.
type arena struct {
	mem  api.Memory
	base uint32
	top  uint32

	// size is the memory size the arena last grew to or observed.
	size uint32
}

func newArena(mem api.Memory) *arena {
	size := mem.Size()
	return &arena{mem: mem, base: size, top: size, size: size}
}

// sync moves the arena past memory the guest grew since the last check.
func (a *arena) sync() {
	if current := a.mem.Size(); current != a.size {
		a.base, a.top, a.size = current, current, current
	}
}

func (a *arena) reset() {
	a.sync()
	a.top = a.base
}

// alloc reserves size bytes and returns their offset.
func (a *arena) alloc(size uint32) (uint32, error) {
	a.sync()

	start := (uint64(a.top) + allocAlign - 1) &^ (allocAlign - 1)
	end := start + uint64(size)
	if end >= 1<<32 {
		return 0, fmt.Errorf("region of %d bytes exceeds the 32-bit address space", size)
	}

	current := uint64(a.mem.Size())
	if end > current {
		pages := (end - current + pageSize - 1) / pageSize
		if _, ok := a.mem.Grow(uint32(pages)); !ok {
			return 0, fmt.Errorf("memory cannot grow by %d pages", pages)
		}
		a.size = a.mem.Size()
	}

	a.top = uint32(end)
	return uint32(start), nil
}
