/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// The state of one readiness driven I/O operation.
type ioState uint32

const (
	ioStateIdle ioState = iota
	ioStateAwaitingReadiness
	ioStateAttempting
	ioStateDone
)

func (s ioState) String() string {
	switch s {
	case ioStateIdle:
		return "Idle"
	case ioStateAwaitingReadiness:
		return "AwaitingReadiness"
	case ioStateAttempting:
		return "Attempting"
	case ioStateDone:
		return "Done"
	}
	return fmt.Sprintf("ioState(%d)", uint32(s))
}

// ioOp drives attempt through the readiness protocol:
//
//	Idle -> AwaitingReadiness -> Attempting -> Done
//	                                  |
//	                                  +-> Idle (stale readiness, cleared)
//
// attempt must not block; ErrWouldBlock from it means the readiness was stale.
type ioOp struct {
	reg      Registration
	interest Interest
	attempt  func() error
	state    ioState
	event    ReadyEvent
	stale    int
	err      error
}

// poll advances the operation as far as it can without blocking. It returns
// true once the operation is done, false when w has been registered to be
// woken on readiness.
func (op *ioOp) poll(w Waker) bool {
	for {
		switch op.state {
		case ioStateIdle:
			op.state = ioStateAwaitingReadiness
		case ioStateAwaitingReadiness:
			ev, ok, err := op.reg.PollReady(op.interest, w)
			if err != nil {
				op.err = err
				op.state = ioStateDone
				continue
			}
			if !ok {
				return false
			}
			op.event = ev
			op.state = ioStateAttempting
		case ioStateAttempting:
			err := op.attempt()
			if errors.Is(err, ErrWouldBlock) {
				op.reg.ClearReady(op.event)
				op.stale++
				op.state = ioStateIdle
				continue
			}
			op.err = err
			op.state = ioStateDone
		case ioStateDone:
			return true
		}
	}
}

// waitList hands the single registration waker of one direction on to
// every wait of that direction. Waits remove themselves when they end.
type waitList struct {
	mu    sync.Mutex
	poll  Waker
	waits map[chan struct{}]struct{}
}

func newWaitList() *waitList {
	return &waitList{waits: make(map[chan struct{}]struct{})}
}

func (l *waitList) Wake() {
	l.mu.Lock()
	poll := l.poll
	l.poll = nil
	waits := make([]chan struct{}, 0, len(l.waits))
	for c := range l.waits {
		waits = append(waits, c)
	}
	l.mu.Unlock()
	for _, c := range waits {
		select {
		case c <- struct{}{}:
		default:
		}
	}
	if poll != nil {
		poll.Wake()
	}
}

func (l *waitList) add() chan struct{} {
	c := make(chan struct{}, 1)
	l.mu.Lock()
	l.waits[c] = struct{}{}
	l.mu.Unlock()
	return c
}

func (l *waitList) remove(c chan struct{}) {
	l.mu.Lock()
	delete(l.waits, c)
	l.mu.Unlock()
}

// setPoll replaces the waker of the last Poll call.
func (l *waitList) setPoll(w Waker) {
	l.mu.Lock()
	l.poll = w
	l.mu.Unlock()
}

// pending returns the number of wakers held.
func (l *waitList) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.waits)
	if l.poll != nil {
		n++
	}
	return n
}

// AsyncDevice performs device I/O driven by a Reactor instead of blocking
// reads. Cancelling the context of a pending call is safe: the native
// operation only starts once readiness is reported.
//
// Poll methods keep only the waker of the latest call per direction, the way
// a single task polls. Waiting methods may run concurrently.
type AsyncDevice struct {
	dev   *Device
	fd    int
	reg   Registration
	read  *waitList
	write *waitList
	log   *log.Entry
}

// NewAsyncDevice registers dev with r. Only devices backed by a pollable
// descriptor can be wrapped.
func NewAsyncDevice(dev *Device, r Reactor) (*AsyncDevice, error) {
	p, err := dev.drv.pollable()
	if err != nil {
		return nil, fmt.Errorf("device can not be polled: %w", err)
	}
	reg, err := r.Register(p.Fd())
	if err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}
	return &AsyncDevice{
		dev:   dev,
		fd:    p.Fd(),
		reg:   reg,
		read:  newWaitList(),
		write: newWaitList(),
		log:   dev.log.WithField("fd", p.Fd()),
	}, nil
}

// Device returns the wrapped device.
func (a *AsyncDevice) Device() *Device {
	return a.dev
}

// IntoDevice deregisters from the reactor and returns the device.
func (a *AsyncDevice) IntoDevice() (*Device, error) {
	if err := a.reg.Deregister(); err != nil {
		return nil, err
	}
	return a.dev, nil
}

// Close deregisters and closes the device.
func (a *AsyncDevice) Close() error {
	return errors.Join(a.reg.Deregister(), a.dev.Close())
}

func (a *AsyncDevice) waitList(interest Interest) *waitList {
	if interest&InterestWritable != 0 {
		return a.write
	}
	return a.read
}

// pollWaker records w as the waker of the latest poll in the direction of
// interest. A nil w asks for no wake up.
func (a *AsyncDevice) pollWaker(interest Interest, w Waker) Waker {
	if w == nil {
		return nil
	}
	l := a.waitList(interest)
	l.setPoll(w)
	return l
}

func (a *AsyncDevice) op(interest Interest, attempt func() error) *ioOp {
	return &ioOp{reg: a.reg, interest: interest, attempt: attempt}
}

// run polls op until it is done, waiting for wake ups in between. Nothing is
// held while waiting.
func (a *AsyncDevice) run(ctx context.Context, op *ioOp) error {
	l := a.waitList(op.interest)
	wake := l.add()
	defer l.remove(wake)
	for !op.poll(l) {
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if op.stale > 0 {
		a.log.Tracef("Retried %d times on stale readiness", op.stale)
	}
	return op.err
}

func ready() error {
	return nil
}

// Readable waits until the device is readable. It does not read.
func (a *AsyncDevice) Readable(ctx context.Context) error {
	return a.run(ctx, a.op(InterestReadable, ready))
}

// Writable waits until the device is writable.
func (a *AsyncDevice) Writable(ctx context.Context) error {
	return a.run(ctx, a.op(InterestWritable, ready))
}

// PollReadable reports readability without waiting. When not readable, w
// is woken once it may be.
func (a *AsyncDevice) PollReadable(w Waker) (bool, error) {
	_, ok, err := a.reg.PollReady(InterestReadable, a.pollWaker(InterestReadable, w))
	return ok, err
}

// PollWritable reports writability without waiting.
func (a *AsyncDevice) PollWritable(w Waker) (bool, error) {
	_, ok, err := a.reg.PollReady(InterestWritable, a.pollWaker(InterestWritable, w))
	return ok, err
}

// PollRecv reads a packet if the device is readable. ok is false when the
// caller should wait for w. Stale readiness is retried within the call.
func (a *AsyncDevice) PollRecv(w Waker, b []byte) (n int, ok bool, err error) {
	op := a.op(InterestReadable, func() (err error) {
		n, err = a.dev.TryRecv(b)
		return
	})
	if !op.poll(a.pollWaker(InterestReadable, w)) {
		return 0, false, nil
	}
	return n, true, op.err
}

// PollSend writes a packet if the device is writable.
func (a *AsyncDevice) PollSend(w Waker, b []byte) (n int, ok bool, err error) {
	op := a.op(InterestWritable, func() (err error) {
		n, err = a.dev.TrySend(b)
		return
	})
	if !op.poll(a.pollWaker(InterestWritable, w)) {
		return 0, false, nil
	}
	return n, true, op.err
}

// Recv waits for and reads one packet. Error readiness also wakes it so a
// failed device does not leave it hanging.
func (a *AsyncDevice) Recv(ctx context.Context, b []byte) (n int, err error) {
	err = a.run(ctx, a.op(InterestReadable.Add(InterestError), func() (err error) {
		n, err = a.dev.TryRecv(b)
		return
	}))
	return
}

// Send waits until the packet is written.
func (a *AsyncDevice) Send(ctx context.Context, b []byte) (n int, err error) {
	err = a.run(ctx, a.op(InterestWritable, func() (err error) {
		n, err = a.dev.TrySend(b)
		return
	}))
	return
}

// RecvVectored waits for and reads one packet into bufs.
func (a *AsyncDevice) RecvVectored(ctx context.Context, bufs [][]byte) (n int, err error) {
	err = a.run(ctx, a.op(InterestReadable.Add(InterestError), func() (err error) {
		n, err = a.dev.TryRecvVectored(bufs)
		return
	}))
	return
}

// SendVectored waits until the packet made of bufs is written.
func (a *AsyncDevice) SendVectored(ctx context.Context, bufs [][]byte) (n int, err error) {
	err = a.run(ctx, a.op(InterestWritable, func() (err error) {
		n, err = a.dev.TrySendVectored(bufs)
		return
	}))
	return
}

// TryRecvIO runs f only if the reactor reports the device readable, failing
// with ErrWouldBlock otherwise. ErrWouldBlock from f clears the readiness.
func TryRecvIO[R any](a *AsyncDevice, f func(*Device) (R, error)) (R, error) {
	return tryIO(a, InterestReadable.Add(InterestError), f)
}

// TrySendIO runs f only if the reactor reports the device writable.
func TrySendIO[R any](a *AsyncDevice, f func(*Device) (R, error)) (R, error) {
	return tryIO(a, InterestWritable, f)
}

func tryIO[R any](a *AsyncDevice, interest Interest, f func(*Device) (R, error)) (R, error) {
	var zero R
	ev, ok, err := a.reg.PollReady(interest, nil)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, ErrWouldBlock
	}
	r, err := f(a.dev)
	if errors.Is(err, ErrWouldBlock) {
		a.reg.ClearReady(ev)
	}
	return r, err
}
