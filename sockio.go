//go:build linux

package microthread

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by a blocking-style primitive whose deadline
// elapsed before the operation completed. For Write/Send/SendTo it is
// paired with the number of bytes sent so far (§4's Open Question on
// short writes): n == 0 means nothing progressed, n > 0 means a
// partial write landed before the timeout fired.
var ErrTimeout = errors.New("microthread: operation timed out")

// ErrHangup is returned when the descriptor's peer hung up (or the
// descriptor errored) while a primitive was parked waiting on it.
var ErrHangup = errors.New("microthread: descriptor hung up")

// parkForIO arms want on fd for co and parks it. It returns only an
// arming error; callers read co.WakeReason() afterwards to decide
// between retrying and returning a sentinel. absDeadlineMS is an
// absolute millisecond timestamp, or 0 for no deadline.
func parkForIO(s *Scheduler, co *Coroutine, fd int, want Mask, absDeadlineMS int64) error {
	w := &FdWaiter{Fd: fd, Want: want, Owner: co}
	if err := s.ParkIO(co, []*FdWaiter{w}, absDeadlineMS); err != nil {
		return err
	}
	return nil
}

func deadlineFromTimeout(timeoutMS int64) int64 {
	if timeoutMS <= 0 {
		return 0
	}
	return NowMS() + timeoutMS
}

// Read performs a blocking-style read on fd: non-blocking read, and on
// EAGAIN, arm+park+retry (§4.E), up to timeoutMS milliseconds overall.
// timeoutMS <= 0 blocks with no deadline.
func Read(s *Scheduler, co *Coroutine, fd int, buf []byte, timeoutMS int64) (int, error) {
	absDeadline := deadlineFromTimeout(timeoutMS)
	for {
		n, err := unix.Read(fd, buf)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
			return 0, err
		}
		if perr := parkForIO(s, co, fd, Readable, absDeadline); perr != nil {
			return 0, perr
		}
		switch co.WakeReason() {
		case WakeIO:
			continue
		case WakeTimeout:
			return 0, ErrTimeout
		case WakeHangup:
			return 0, ErrHangup
		default:
			continue
		}
	}
}

// Write performs a blocking-style write, accumulating partial writes
// across retries until the whole of buf is written or the operation
// times out. On timeout it returns the number of bytes actually
// written alongside ErrTimeout.
func Write(s *Scheduler, co *Coroutine, fd int, buf []byte, timeoutMS int64) (int, error) {
	absDeadline := deadlineFromTimeout(timeoutMS)
	var written int
	for written < len(buf) {
		n, err := unix.Write(fd, buf[written:])
		if n > 0 {
			written += n
		}
		if err == nil {
			continue
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
			return written, err
		}
		if perr := parkForIO(s, co, fd, Writable, absDeadline); perr != nil {
			return written, perr
		}
		switch co.WakeReason() {
		case WakeIO:
			continue
		case WakeTimeout:
			return written, ErrTimeout
		case WakeHangup:
			return written, ErrHangup
		default:
			continue
		}
	}
	return written, nil
}

// Connect performs a blocking-style connect: issues the non-blocking
// connect, and if it returns EINPROGRESS, arms writable interest and
// parks until the socket is writable, then checks SO_ERROR — the same
// sequence original:mt_sys_hook.cpp's hooked connect() uses.
func Connect(s *Scheduler, co *Coroutine, fd int, sa unix.Sockaddr, timeoutMS int64) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) {
		return err
	}

	absDeadline := deadlineFromTimeout(timeoutMS)
	if perr := parkForIO(s, co, fd, Writable, absDeadline); perr != nil {
		return perr
	}
	switch co.WakeReason() {
	case WakeTimeout:
		return ErrTimeout
	case WakeHangup:
		return ErrHangup
	}

	errno, serr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if serr != nil {
		return serr
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Send is Write's counterpart for socket send(2) semantics (flags
// support, e.g. MSG_NOSIGNAL).
func Send(s *Scheduler, co *Coroutine, fd int, buf []byte, flags int, timeoutMS int64) (int, error) {
	absDeadline := deadlineFromTimeout(timeoutMS)
	var written int
	for written < len(buf) {
		n, err := sendChunk(fd, buf[written:], flags)
		if n > 0 {
			written += n
		}
		if err == nil {
			continue
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
			return written, err
		}
		if perr := parkForIO(s, co, fd, Writable, absDeadline); perr != nil {
			return written, perr
		}
		switch co.WakeReason() {
		case WakeIO:
			continue
		case WakeTimeout:
			return written, ErrTimeout
		case WakeHangup:
			return written, ErrHangup
		default:
			continue
		}
	}
	return written, nil
}

// sendChunk issues one send(2) attempt and reports the number of bytes
// the kernel actually accepted. unix.Send's signature is
// func(s int, buf []byte, flags int) (err error) — it discards the
// syscall's return value, so a nil error can't be read as "all of buf
// was sent" (a non-blocking stream send can legitimately short-write
// under backpressure). flags == 0 is send(2)'s common case and is
// equivalent to write(2), which unix.Write does report n for; a
// nonzero flags goes through the raw SYS_SENDTO syscall directly so
// the real count is never assumed.
func sendChunk(fd int, buf []byte, flags int) (int, error) {
	if flags == 0 {
		return unix.Write(fd, buf)
	}
	var p unsafe.Pointer
	if len(buf) > 0 {
		p = unsafe.Pointer(&buf[0])
	} else {
		p = unsafe.Pointer(&sendChunkZero)
	}
	n, _, errno := unix.Syscall6(unix.SYS_SENDTO, uintptr(fd), uintptr(p), uintptr(len(buf)), uintptr(flags), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

var sendChunkZero byte

// Recv is Read's counterpart for socket recv(2) semantics.
func Recv(s *Scheduler, co *Coroutine, fd int, buf []byte, flags int, timeoutMS int64) (int, error) {
	absDeadline := deadlineFromTimeout(timeoutMS)
	for {
		n, _, err := unix.Recvfrom(fd, buf, flags)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
			return 0, err
		}
		if perr := parkForIO(s, co, fd, Readable, absDeadline); perr != nil {
			return 0, perr
		}
		switch co.WakeReason() {
		case WakeIO:
			continue
		case WakeTimeout:
			return 0, ErrTimeout
		case WakeHangup:
			return 0, ErrHangup
		default:
			continue
		}
	}
}

// SendTo is Send's datagram counterpart, targeting an explicit address.
func SendTo(s *Scheduler, co *Coroutine, fd int, buf []byte, flags int, to unix.Sockaddr, timeoutMS int64) error {
	absDeadline := deadlineFromTimeout(timeoutMS)
	for {
		err := unix.Sendto(fd, buf, flags, to)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
			return err
		}
		if perr := parkForIO(s, co, fd, Writable, absDeadline); perr != nil {
			return perr
		}
		switch co.WakeReason() {
		case WakeIO:
			continue
		case WakeTimeout:
			return ErrTimeout
		case WakeHangup:
			return ErrHangup
		default:
			continue
		}
	}
}

// RecvFrom is Recv's datagram counterpart, reporting the sender address.
func RecvFrom(s *Scheduler, co *Coroutine, fd int, buf []byte, flags int, timeoutMS int64) (int, unix.Sockaddr, error) {
	absDeadline := deadlineFromTimeout(timeoutMS)
	for {
		n, from, err := unix.Recvfrom(fd, buf, flags)
		if err == nil {
			return n, from, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
			return 0, nil, err
		}
		if perr := parkForIO(s, co, fd, Readable, absDeadline); perr != nil {
			return 0, nil, perr
		}
		switch co.WakeReason() {
		case WakeIO:
			continue
		case WakeTimeout:
			return 0, nil, ErrTimeout
		case WakeHangup:
			return 0, nil, ErrHangup
		default:
			continue
		}
	}
}
