package pagestore

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Mapping is the byte-addressable backing region TransactionalMemory is
// built on (spec.md §6: "consumed from a backing mapping"). It is the
// collaborator boundary the spec explicitly places out of scope — the core
// only needs bytes and a synchronous Flush.
type Mapping interface {
	// Bytes returns the full backing byte slice. Mutations through it are
	// visible immediately; persistence requires a Flush.
	Bytes() []byte
	// Flush synchronously persists all writes made through Bytes so far.
	// The OS/primitive guarantees durability on return.
	Flush() error
	// Len returns the fixed length of the mapping.
	Len() int
	// Close releases any OS resources held by the mapping.
	Close() error
}

// MmapFile is a Mapping backed by a real file, memory-mapped read/write.
// Grounded on the teacher's pkg/storage/kv.go createFileSync/mmap
// machinery, generalized from raw syscall to golang.org/x/sys/unix.
type MmapFile struct {
	file *os.File
	data []byte
}

// CreateMmapFile creates (or truncates) path to exactly size bytes and
// memory-maps it read/write. The containing directory is fsynced after
// creation so the file's existence survives a crash, mirroring
// createFileSync in the teacher's pkg/storage/kv.go.
func CreateMmapFile(path string, size int) (*MmapFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mapping file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate mapping file: %w", err)
	}
	if err := fsyncDir(path); err != nil {
		f.Close()
		return nil, err
	}
	return mmapOpenFile(f, size)
}

// OpenMmapFile opens an existing file at path and memory-maps its full
// current contents read/write.
func OpenMmapFile(path string) (*MmapFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mapping file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat mapping file: %w", err)
	}
	return mmapOpenFile(f, int(info.Size()))
}

func mmapOpenFile(f *os.File, size int) (*MmapFile, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MmapFile{file: f, data: data}, nil
}

func fsyncDir(path string) error {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("open directory for fsync: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("fsync directory: %w", err)
	}
	return nil
}

// Bytes implements Mapping.
func (m *MmapFile) Bytes() []byte { return m.data }

// Len implements Mapping.
func (m *MmapFile) Len() int { return len(m.data) }

// Flush implements Mapping by issuing a synchronous msync.
func (m *MmapFile) Flush() error {
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

// Close unmaps the region and closes the underlying file.
func (m *MmapFile) Close() error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
		m.data = nil
	}
	return m.file.Close()
}

// MemMapping is a heap-backed Mapping fake used by tests to exercise the
// commit protocol. Crash-injection tests (spec.md §8 P2) wrap it with a
// Flush that fails after a set number of calls, and use Snapshot to keep
// the bytes as of the last successful flush.
type MemMapping struct {
	data []byte
}

// NewMemMapping returns a zeroed MemMapping of the given size.
func NewMemMapping(size int) *MemMapping {
	return &MemMapping{data: make([]byte, size)}
}

// Bytes implements Mapping.
func (m *MemMapping) Bytes() []byte { return m.data }

// Len implements Mapping.
func (m *MemMapping) Len() int { return len(m.data) }

// Flush implements Mapping. A no-op: the backing store is already "durable"
// process memory for the lifetime of the test.
func (m *MemMapping) Flush() error { return nil }

// Close implements Mapping. A no-op.
func (m *MemMapping) Close() error { return nil }

// Snapshot returns a copy of the current bytes, useful for crash-injection
// tests that need to compare pre/post-crash state.
func (m *MemMapping) Snapshot() []byte {
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}
