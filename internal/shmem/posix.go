//go:build !windows

package shmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock mode constants for Buffer.Flock, re-exported from golang.org/x/sys/unix
// so callers (and tests) outside this package don't need their own import.
const (
	LockEX = unix.LOCK_EX
	LockSH = unix.LOCK_SH
	LockNB = unix.LOCK_NB
	LockUN = unix.LOCK_UN
)

// posixBytes maps a /dev/shm-style file with golang.org/x/sys/unix.Mmap,
// which hands back a plain []byte instead of an unsafe.Pointer; there is
// only ever one named region per Buffer, with no alignment contract to
// honor beyond what Mmap itself guarantees.
type posixBytes struct {
	fd   int
	data []byte
}

func (p *posixBytes) bytes() []byte             { return p.data }
func (p *posixBytes) size() int64               { return int64(len(p.data)) }
func (p *posixBytes) readByte(off int) byte     { return p.data[off] }
func (p *posixBytes) writeByte(off int, v byte) { p.data[off] = v }

// shmPath returns the backing file path for a named region. Real
// /dev/shm-style POSIX shared memory; falls back to a predictable temp
// directory when /dev/shm is unavailable (e.g. in some containers).
func shmPath(name string) string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm/" + name
	}
	return os.TempDir() + "/" + name
}

// Create allocates a brand-new named shared buffer of sizeBytes usable
// payload (plus the one liveness byte), retrying on name collision.
func Create(sizeBytes int64) (*Buffer, error) {
	total := sizeBytes + 1
	for attempt := 0; attempt < 8; attempt++ {
		name, err := randomName()
		if err != nil {
			return nil, fmt.Errorf("shmem: generate name: %w", err)
		}
		fd, err := unix.Open(shmPath(name), unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0600)
		if err != nil {
			if err == unix.EEXIST {
				continue
			}
			return nil, fmt.Errorf("shmem: open %s: %w", name, err)
		}
		if err := unix.Ftruncate(fd, total); err != nil {
			unix.Close(fd)
			unix.Unlink(shmPath(name))
			return nil, fmt.Errorf("shmem: ftruncate %s: %w", name, err)
		}
		data, err := unix.Mmap(fd, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			unix.Close(fd)
			unix.Unlink(shmPath(name))
			return nil, fmt.Errorf("shmem: mmap %s: %w", name, err)
		}
		return &Buffer{name: name, isMaster: true, data: &posixBytes{fd: fd, data: data}}, nil
	}
	return nil, fmt.Errorf("shmem: could not allocate a unique name after 8 attempts")
}

// Open attaches to an existing named shared buffer created by Create.
func Open(name string, sizeBytes int64) (*Buffer, error) {
	total := sizeBytes + 1
	fd, err := unix.Open(shmPath(name), unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shmem: open %s: %w", name, err)
	}
	data, err := unix.Mmap(fd, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmem: mmap %s: %w", name, err)
	}
	return &Buffer{name: name, isMaster: false, data: &posixBytes{fd: fd, data: data}}, nil
}

// Close tears down this handle. If it is the master handle, the teardown
// order is: mark unlinked, munmap, close fd, unlink the backing path --
// exactly the order the shared-memory contract requires so attachers
// polling IsUnlinked never observe a half-torn-down region.
func (b *Buffer) Close() error {
	if b.isMaster {
		b.markUnlinked()
	}
	pb := b.data.(*posixBytes)
	var errs []error
	if err := unix.Munmap(pb.data); err != nil {
		errs = append(errs, err)
	}
	if err := unix.Close(pb.fd); err != nil {
		errs = append(errs, err)
	}
	if b.isMaster {
		_ = unix.Unlink(shmPath(b.name))
	}
	if len(errs) > 0 {
		return fmt.Errorf("shmem: close %s: %v", b.name, errs)
	}
	return nil
}

// Flock acquires (or releases, with LOCK_UN) an advisory lock on the
// region's backing descriptor. This is the cross-process mutual-exclusion
// primitive the shared ring queue uses for its header/block mutations:
// Go's sync.Mutex lives in one process's address space and cannot
// arbitrate access from a second process mapping the same region, so the
// kernel, not the Go runtime, has to own this contract.
func (b *Buffer) Flock(how int) error {
	pb := b.data.(*posixBytes)
	return unix.Flock(pb.fd, how)
}
