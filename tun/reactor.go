/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

// Interest is the set of readiness kinds an operation waits for.
type Interest uint8

const (
	InterestReadable Interest = 1 << iota
	InterestWritable
	InterestError
)

// Add returns the union of both interests.
func (i Interest) Add(other Interest) Interest {
	return i | other
}

// Readiness is the set of readiness events a reactor observed.
type Readiness uint8

const (
	ReadyReadable Readiness = 1 << iota
	ReadyWritable
	ReadyReadClosed
	ReadyWriteClosed
	ReadyError
)

// Matches returns the subset of r an operation with interest i can act on.
func (r Readiness) Matches(i Interest) Readiness {
	var mask Readiness
	if i&InterestReadable != 0 {
		mask |= ReadyReadable | ReadyReadClosed
	}
	if i&InterestWritable != 0 {
		mask |= ReadyWritable | ReadyWriteClosed
	}
	if i&InterestError != 0 {
		mask |= ReadyError
	}
	return r & mask
}

// ReadyEvent is a readiness snapshot. Tick orders snapshots of the same
// registration.
type ReadyEvent struct {
	Ready Readiness
	Tick  uint64
}

// Waker is notified when a registration may have become ready.
type Waker interface {
	Wake()
}

// WakerFunc adapts a function to a Waker.
type WakerFunc func()

func (f WakerFunc) Wake() {
	f()
}

// Reactor tracks readiness of registered descriptors.
type Reactor interface {
	Register(fd int) (Registration, error)
}

// Registration is the readiness state of one descriptor.
type Registration interface {
	// PollReady returns the readiness matching interest. When there is none
	// it arranges for w to be woken on the next matching event, unless w is
	// nil, and returns false. It never blocks. Only the latest waker of each
	// direction is kept: a later poll for reading replaces the reader.
	PollReady(interest Interest, w Waker) (ReadyEvent, bool, error)
	// ClearReady forgets the readiness in ev until the reactor reports it
	// again. Events newer than ev are kept.
	ClearReady(ev ReadyEvent)
	Deregister() error
}
