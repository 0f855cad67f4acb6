//go:build unix

package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// Shared is an Info backed by a file mapped MAP_SHARED into every process
// that opens it. The supervisor creates it; workers attach by path.
type Shared struct {
	path string
	data []byte
}

// Create makes (or resets) the shared record at path.
func Create(path string) (*Shared, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cleanup info: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("cleanup info: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(infoSize); err != nil {
		return nil, fmt.Errorf("cleanup info: %w", err)
	}
	return mapFile(path, f)
}

// Attach maps an existing record created by Create.
func Attach(path string) (*Shared, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("cleanup info: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("cleanup info: %w", err)
	}
	if st.Size() < infoSize {
		return nil, fmt.Errorf("cleanup info: %s is %d bytes, want %d", path, st.Size(), infoSize)
	}
	return mapFile(path, f)
}

func mapFile(path string, f *os.File) (*Shared, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, infoSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("cleanup info: mmap %s: %w", path, err)
	}
	return &Shared{path: path, data: data}, nil
}

func (s *Shared) Path() string { return s.path }

func (s *Shared) pid() *int64  { return (*int64)(unsafe.Pointer(&s.data[0])) }
func (s *Shared) when() *int64 { return (*int64)(unsafe.Pointer(&s.data[8])) }

func (s *Shared) PID() int            { return int(atomic.LoadInt64(s.pid())) }
func (s *Shared) SetPID(pid int)      { atomic.StoreInt64(s.pid(), int64(pid)) }
func (s *Shared) Time() time.Time     { return loadTime(s.when()) }
func (s *Shared) SetTime(t time.Time) { storeTime(s.when(), t) }

// Close unmaps the record. The file stays for other processes.
func (s *Shared) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}

// Remove unmaps and deletes the backing file.
func (s *Shared) Remove() error {
	return multierror.Append(s.Close(), os.Remove(s.path)).ErrorOrNil()
}

// Check reports whether the backing file is still in place. A record whose
// file was removed can no longer reach newly started workers.
func (s *Shared) Check() error {
	if s.data == nil {
		return fmt.Errorf("cleanup info: %s is closed", s.path)
	}
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("cleanup info: %w", err)
	}
	return nil
}
