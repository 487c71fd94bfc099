// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ringbuf

import "io"

// New creates a ring buffer holding at most sz elements.
func New[T any](sz int) *Buffer[T] {
	return &Buffer[T]{
		buf: make([]T, sz),
	}
}

// Buffer is a fixed-capacity FIFO. Writes never discard queued elements.
type Buffer[T any] struct {
	buf   []T
	write int
	read  int
	full  bool
}

// Size returns underlying size of the buffer.
func (b *Buffer[T]) Size() int {
	return len(b.buf)
}

// Len returns a number of elements currently in the buffer.
func (b *Buffer[T]) Len() int {
	if b.read == b.write {
		if b.full {
			return len(b.buf)
		}
		return 0
	}
	if b.read < b.write {
		return b.write - b.read
	}
	return b.write - b.read + len(b.buf)
}

// Free returns how many elements can still be written.
func (b *Buffer[T]) Free() int {
	return len(b.buf) - b.Len()
}

// TryWrite appends all of p, or nothing if p does not fit.
func (b *Buffer[T]) TryWrite(p []T) bool {
	if len(p) > b.Free() {
		return false
	}
	if len(p) == 0 {
		return true
	}
	n := copy(b.buf[b.write:], p)
	if n < len(p) {
		n += copy(b.buf, p[n:])
	}
	b.write = (b.write + n) % len(b.buf)
	b.full = b.write == b.read
	return true
}

// Write implements io.Writer; it fails with io.ErrShortBuffer instead of overwriting.
func (b *Buffer[T]) Write(p []T) (int, error) {
	if !b.TryWrite(p) {
		return 0, io.ErrShortBuffer
	}
	return len(p), nil
}

// Read a number of elements from the buffer. Function returns io.EOF if the buffer is empty.
func (b *Buffer[T]) Read(p []T) (int, error) {
	if len(p) == 0 {
		return 0, nil
	} else if b.Len() == 0 {
		return 0, io.EOF
	}
	b.full = false
	var n int

	end := len(b.buf)
	if b.read < b.write {
		end = b.write
	}
	dn := copy(p, b.buf[b.read:end])
	b.read = (b.read + dn) % len(b.buf)
	p = p[dn:]
	n += dn
	if len(p) == 0 || b.read == b.write {
		return n, nil
	}
	dn = copy(p, b.buf[b.read:b.write])
	b.read = (b.read + dn) % len(b.buf)
	n += dn
	return n, nil
}

// Drain returns every queued element in order and empties the buffer.
func (b *Buffer[T]) Drain() []T {
	out := make([]T, b.Len())
	_, _ = b.Read(out)
	b.Reset()
	return out
}

// Reset empties the buffer.
func (b *Buffer[T]) Reset() {
	b.read = 0
	b.write = 0
	b.full = false
}
