// Package port defines the value types a task instance communicates through:
// scalar-carrying sequences, memory-mapped buffers, and streaming channels.
//
// Streams are cooperative: a blocking read or write suspends the calling task
// instance and hands control back to the simulation run loop. The scheduler
// itself lives in the sched package; port only sees it through the Scheduler
// interface so the two can evolve independently.
package port

import (
	"encoding/binary"
	"math"
)

// Seq is an auto-incrementing sequence counter. Every argument binding derived
// from the same Seq shares one counter: each access returns the current value
// and then increments it, including across replicated instantiations and
// across separate invoke calls that reuse the same Seq.
type Seq struct {
	pos int64
}

// NewSeq returns a sequence counter starting at zero.
func NewSeq() *Seq {
	return &Seq{}
}

// Next returns the current counter value and increments it.
func (s *Seq) Next() int64 {
	v := s.pos
	s.pos++
	return v
}

// MMap is a byte-addressed shared buffer handed to a task instance. Multiple
// instances may share one buffer; concurrent writers to overlapping ranges are
// unsupported and not detected.
type MMap []byte

// NewMMap allocates a zero-filled buffer of the given byte length.
func NewMMap(length int) MMap {
	return make(MMap, length)
}

// Float32At reads the 32-bit float at element index i.
func (m MMap) Float32At(i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(m[i*4:]))
}

// SetFloat32At stores a 32-bit float at element index i.
func (m MMap) SetFloat32At(i int, v float32) {
	binary.LittleEndian.PutUint32(m[i*4:], math.Float32bits(v))
}

// Uint32At reads the 32-bit unsigned integer at element index i.
func (m MMap) Uint32At(i int) uint32 {
	return binary.LittleEndian.Uint32(m[i*4:])
}

// SetUint32At stores a 32-bit unsigned integer at element index i.
func (m MMap) SetUint32At(i int, v uint32) {
	binary.LittleEndian.PutUint32(m[i*4:], v)
}
