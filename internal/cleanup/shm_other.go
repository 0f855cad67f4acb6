//go:build !unix

package cleanup

import (
	"errors"
	"time"
)

var errNoSharedMemory = errors.New("cleanup info: shared memory needs a unix platform")

// Shared is unavailable on this platform.
type Shared struct{ path string }

func Create(path string) (*Shared, error) { return nil, errNoSharedMemory }
func Attach(path string) (*Shared, error) { return nil, errNoSharedMemory }

func (s *Shared) Path() string      { return s.path }
func (s *Shared) PID() int          { return 0 }
func (s *Shared) SetPID(int)        {}
func (s *Shared) Time() time.Time   { return time.Time{} }
func (s *Shared) SetTime(time.Time) {}
func (s *Shared) Close() error      { return nil }
func (s *Shared) Remove() error     { return nil }
func (s *Shared) Check() error      { return errNoSharedMemory }
