// Package device models the accelerator side of the engine for a host-resident
// build: an allocation arena with byte accounting, upload of weight blocks,
// and the primary/secondary stream pair used by parallel-branch models.
package device

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// MemLimit caps the bytes a Context may hold when > 0. Zero means unlimited.
// Exceeding it surfaces as an out-of-memory error from Alloc/Upload, which
// callers treat as fatal.
var MemLimit int64

// Context owns the device state for one transformer: the stream pair and the
// allocation accounting. It lives for the process unless closed explicitly.
type Context struct {
	Main *Stream
	Aux  *Stream

	used atomic.Int64
}

func NewContext() *Context {
	return &Context{Main: NewStream(), Aux: NewStream()}
}

// Allocated reports the bytes currently held by this context.
func (c *Context) Allocated() int64 { return c.used.Load() }

// Close stops both streams. Buffers are reclaimed by the runtime.
func (c *Context) Close() {
	c.Main.Close()
	c.Aux.Close()
}

func (c *Context) reserve(op string, bytes int64) error {
	used := c.used.Add(bytes)
	if MemLimit > 0 && used > MemLimit {
		c.used.Add(-bytes)
		return fmt.Errorf("%s: out of device memory: %d bytes requested, %d in use, limit %d", op, bytes, used-bytes, MemLimit)
	}
	return nil
}

// Alloc reserves a zeroed device buffer of n elements.
func Alloc[T any](c *Context, n int) ([]T, error) {
	var z T
	if err := c.reserve("alloc", int64(n)*int64(unsafe.Sizeof(z))); err != nil {
		return nil, err
	}
	return make([]T, n), nil
}

// Upload stages a host block on the device and returns the device copy.
// A nil block stays nil; absent weights keep their absence.
func Upload[T any](c *Context, src []T) ([]T, error) {
	if src == nil {
		return nil, nil
	}
	dst, err := Alloc[T](c, len(src))
	if err != nil {
		return nil, err
	}
	copy(dst, src)
	return dst, nil
}
