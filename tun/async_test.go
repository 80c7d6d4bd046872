/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIOOpStaleReadiness(t *testing.T) {
	reg := new(fakeRegistration)
	reg.set(ReadyReadable | ReadyWritable)

	attempts := 0
	op := &ioOp{
		reg:      reg,
		interest: InterestReadable,
		attempt: func() error {
			attempts++
			if attempts == 1 {
				return ErrWouldBlock
			}
			return nil
		},
	}
	woken := false
	w := WakerFunc(func() { woken = true })

	// The first attempt finds nothing, clears readable and waits again.
	assert.False(t, op.poll(w))
	assert.Equal(t, ioStateAwaitingReadiness, op.state)
	assert.Equal(t, 1, op.stale)
	assert.Equal(t, ReadyWritable, reg.ready)

	reg.set(ReadyReadable)
	assert.True(t, woken)
	assert.True(t, op.poll(w))
	assert.Equal(t, ioStateDone, op.state)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, op.err)
}

func TestIOOpKeepsNewerReadiness(t *testing.T) {
	reg := new(fakeRegistration)
	reg.set(ReadyReadable)
	ev, ok, err := reg.PollReady(InterestReadable, nil)
	require.NoError(t, err)
	require.True(t, ok)

	// A newer edge arrived after ev was taken, clearing ev must keep it.
	reg.set(ReadyReadable)
	reg.ClearReady(ev)
	_, ok, _ = reg.PollReady(InterestReadable, nil)
	assert.True(t, ok)
}

func TestIOOpRegistrationError(t *testing.T) {
	reg := &fakeRegistration{err: errFake}
	op := &ioOp{reg: reg, interest: InterestWritable, attempt: ready}
	assert.True(t, op.poll(nil))
	assert.ErrorIs(t, op.err, errFake)
}

func TestIOStateString(t *testing.T) {
	assert.Equal(t, "AwaitingReadiness", ioStateAwaitingReadiness.String())
	assert.Equal(t, "ioState(9)", ioState(9).String())
}

func newAsyncTestDevice(t *testing.T) (*AsyncDevice, *fakeHandle, *fakeRegistration) {
	h := newFakeHandle("tun0")
	backend := &fakeBackend{handle: &pollableHandle{fakeHandle: h, fd: 42}}
	dev, err := CreateWith(mustConfig(t, NewBuilder()), backend)
	require.NoError(t, err)

	r := new(fakeReactor)
	a, err := NewAsyncDevice(dev, r)
	require.NoError(t, err)
	return a, h, r.regs[42]
}

func TestAsyncDeviceRecv(t *testing.T) {
	a, h, reg := newAsyncTestDevice(t)
	defer a.Close()

	// Readiness is reported before any packet is queued, so the first
	// attempt is stale.
	reg.set(ReadyReadable)

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	buf := make([]byte, 64)
	go func() {
		n, err := a.Recv(context.Background(), buf)
		done <- result{n, err}
	}()

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return reg.waker != nil
	}, time.Second, time.Millisecond)

	h.rx <- []byte{0x45, 0, 1}
	reg.set(ReadyReadable)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, []byte{0x45, 0, 1}, buf[:r.n])
	case <-time.After(time.Second):
		t.Fatal("Recv did not complete")
	}
}

func TestAsyncDeviceSend(t *testing.T) {
	a, h, reg := newAsyncTestDevice(t)
	defer a.Close()

	reg.set(ReadyWritable)
	n, err := a.Send(context.Background(), []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = a.SendVectored(context.Background(), [][]byte{{4}, {5}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]byte{{1, 2, 3}, {4, 5}}, h.writes)

	require.NoError(t, a.Writable(context.Background()))
}

func TestAsyncDeviceCancel(t *testing.T) {
	a, _, _ := newAsyncTestDevice(t)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Recv(ctx, make([]byte, 64))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.ErrorIs(t, a.Readable(ctx), context.DeadlineExceeded)
	assert.Zero(t, a.read.pending())
}

func TestAsyncDeviceConcurrentRecv(t *testing.T) {
	a, h, reg := newAsyncTestDevice(t)
	defer a.Close()

	buf1, buf2 := make([]byte, 8), make([]byte, 8)
	done := make(chan error, 2)
	for _, b := range [][]byte{buf1, buf2} {
		go func(b []byte) {
			_, err := a.Recv(context.Background(), b)
			done <- err
		}(b)
	}
	require.Eventually(t, func() bool {
		return a.read.pending() == 2
	}, time.Second, time.Millisecond)

	// One wake up from the registration reaches both waits.
	h.rx <- []byte{1}
	h.rx <- []byte{2}
	reg.set(ReadyReadable)
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Recv did not complete")
		}
	}
	assert.ElementsMatch(t, []byte{1, 2}, []byte{buf1[0], buf2[0]})
	assert.Zero(t, a.read.pending())
}

func TestAsyncDevicePoll(t *testing.T) {
	a, h, reg := newAsyncTestDevice(t)
	defer a.Close()

	woken := make(chan struct{}, 1)
	w := WakerFunc(func() { woken <- struct{}{} })

	ok, err := a.PollReadable(w)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = a.PollRecv(w, make([]byte, 8))
	require.NoError(t, err)
	assert.False(t, ok)

	h.rx <- []byte{7, 7}
	reg.set(ReadyReadable)
	<-woken

	buf := make([]byte, 8)
	n, ok, err := a.PollRecv(w, buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{7, 7}, buf[:n])

	reg.set(ReadyWritable)
	ok, err = a.PollWritable(w)
	require.NoError(t, err)
	assert.True(t, ok)
	n, ok, err = a.PollSend(w, []byte{1})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, n)
}

func TestTryRecvIO(t *testing.T) {
	a, h, reg := newAsyncTestDevice(t)
	defer a.Close()

	recv := func(d *Device) ([]byte, error) {
		buf := make([]byte, 16)
		n, err := d.TryRecv(buf)
		return buf[:n], err
	}

	_, err := TryRecvIO(a, recv)
	assert.ErrorIs(t, err, ErrWouldBlock)

	// Stale readiness is cleared when f would block.
	reg.set(ReadyReadable)
	_, err = TryRecvIO(a, recv)
	assert.ErrorIs(t, err, ErrWouldBlock)
	ok, err := a.PollReadable(nil)
	require.NoError(t, err)
	assert.False(t, ok)

	h.rx <- []byte{9}
	reg.set(ReadyReadable)
	got, err := TryRecvIO(a, recv)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, got)

	reg.set(ReadyWritable)
	n, err := TrySendIO(a, func(d *Device) (int, error) {
		return d.TrySend([]byte{1, 2})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAsyncDeviceNeedsPollable(t *testing.T) {
	dev, err := CreateWith(mustConfig(t, NewBuilder()), newSessionBackend())
	require.NoError(t, err)
	defer dev.Close()

	_, err = NewAsyncDevice(dev, new(fakeReactor))
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestAsyncDeviceIntoDevice(t *testing.T) {
	a, _, reg := newAsyncTestDevice(t)
	dev, err := a.IntoDevice()
	require.NoError(t, err)
	assert.Same(t, a.Device(), dev)
	assert.True(t, reg.deregistered)
	require.NoError(t, dev.Close())
}

func TestBuildAsyncWithClosesOnFailure(t *testing.T) {
	h := newFakeHandle("tun0")
	backend := &fakeBackend{
		handle: &pollableHandle{fakeHandle: h, fd: 3},
		cfgr:   &recordingConfigurator{fail: map[string]error{"address": errFake}},
	}
	_, err := NewBuilder().IPv4("10.0.0.2", 24, nil).Backend(backend).BuildAsyncWith(new(fakeReactor))
	assert.ErrorIs(t, err, errFake)
	assert.True(t, h.isClosed())

	h = newFakeHandle("tun0")
	backend = &fakeBackend{handle: &pollableHandle{fakeHandle: h, fd: 3}}
	a, err := NewBuilder().Backend(backend).BuildAsyncWith(new(fakeReactor))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.True(t, h.isClosed())
}
