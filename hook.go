//go:build linux

package microthread

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// MaxHookFD is the hook-fd table size, equal to the default
// fd-reference table size (§3); WithMaxFD does not change it.
const MaxHookFD = DefaultMaxFD

// HookFd is the per-descriptor bookkeeping this component tracks in
// place of the teacher's original MtHookFd: current read/write
// timeouts and whether the calling code asked for O_NONBLOCK itself
// (tracked so passthrough sends such a descriptor's calls straight to
// the raw syscall, even though the descriptor is always kept
// kernel-non-blocking internally).
type HookFd struct {
	valid           bool
	nonBlockingUser bool
	readTimeoutMS   int64
	writeTimeoutMS  int64
}

// hookedSymbols records which libc-style call names this component
// provides a drop-in replacement for. Go has no dlsym(RTLD_NEXT, ...)
// to transparently interpose the real symbols the way
// original:mt_sys_hook.cpp does, so HookTable instead exposes ordinary
// exported methods callers invoke explicitly (DESIGN.md, component F);
// sleep/select/poll/accept are recognized names without a hooked
// implementation — this core's coroutines use SleepMS and ParkIO
// directly instead.
var hookedSymbols = map[string]bool{
	"socket":     true,
	"close":      true,
	"connect":    true,
	"read":       true,
	"write":      true,
	"send":       true,
	"recv":       true,
	"sendto":     true,
	"recvfrom":   true,
	"setsockopt": true,
	"fcntl":      true,
	"ioctl":      true,
	"sleep":      false,
	"select":     false,
	"poll":       false,
	"accept":     false,
}

// IsIntercepted reports whether HookTable provides a drop-in
// replacement for the named call.
func IsIntercepted(name string) bool { return hookedSymbols[name] }

// HookTable is the drop-in socket layer (component F): every
// descriptor it mints is registered with the scheduler's Multiplexer
// and tracked here so the blocking-style primitives in sockio.go know
// what timeout to apply. Translated from original:mt_sys_hook.cpp's
// MtHookFd table and hooked syscalls, minus the symbol interposition
// itself (see hookedSymbols above).
type HookTable struct {
	enabled int32 // atomic bool
	fds     []HookFd
	sched   *Scheduler
}

// NewHookTable creates a HookTable bound to sched's multiplexer.
func NewHookTable(sched *Scheduler) *HookTable {
	return &HookTable{fds: make([]HookFd, MaxHookFD), sched: sched}
}

// Init enables the table. Idempotent.
func (h *HookTable) Init() { atomic.StoreInt32(&h.enabled, 1) }

// Shutdown disables the table and clears every descriptor's
// bookkeeping. Idempotent; does not close any descriptor itself.
func (h *HookTable) Shutdown() {
	atomic.StoreInt32(&h.enabled, 0)
	for i := range h.fds {
		h.fds[i] = HookFd{}
	}
}

// Enabled reports whether the table is currently active.
func (h *HookTable) Enabled() bool { return atomic.LoadInt32(&h.enabled) != 0 }

func (h *HookTable) get(fd int) (*HookFd, bool) {
	if fd < 0 || fd >= MaxHookFD {
		return nil, false
	}
	e := &h.fds[fd]
	if !e.valid {
		return nil, false
	}
	return e, true
}

// Socket is the drop-in replacement for socket(2): it always creates
// the descriptor SOCK_NONBLOCK|SOCK_CLOEXEC (the multiplexer requires
// it) and registers it with both the multiplexer and this table.
func (h *HookTable) Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return -1, err
	}
	if err := h.register(fd); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Adopt registers a descriptor this table did not itself create (e.g.
// one returned by accept(2)) so the blocking-style primitives work on
// it too.
func (h *HookTable) Adopt(fd int) error {
	return h.register(fd)
}

func (h *HookTable) register(fd int) error {
	if fd < 0 || fd >= MaxHookFD {
		return ErrUnknownFd
	}
	if err := h.sched.Multiplexer().Register(fd); err != nil {
		return err
	}
	h.fds[fd] = HookFd{
		valid:          true,
		readTimeoutMS:  h.sched.DefaultReadTimeoutMS(),
		writeTimeoutMS: h.sched.DefaultWriteTimeoutMS(),
	}
	return nil
}

// Close is the drop-in replacement for close(2).
func (h *HookTable) Close(fd int) error {
	if fd >= 0 && fd < MaxHookFD {
		h.fds[fd] = HookFd{}
	}
	h.sched.Multiplexer().Unregister(fd)
	return unix.Close(fd)
}

// passthrough reports whether a call on fd goes through E (true) or
// skips E and goes straight to the raw syscall (false): it skips when
// hooking is globally off, fd is unknown to this table, or fd is
// explicitly marked user-managed non-blocking (§6 "the hook must NOT
// yield").
func (h *HookTable) passthrough(fd int) (*HookFd, bool) {
	if !h.Enabled() {
		return nil, false
	}
	e, ok := h.get(fd)
	if !ok || e.nonBlockingUser {
		return e, false
	}
	return e, true
}

// Connect is the drop-in replacement for connect(2): blocking-style,
// using the descriptor's write timeout.
func (h *HookTable) Connect(co *Coroutine, fd int, sa unix.Sockaddr) error {
	e, hooked := h.passthrough(fd)
	if !hooked {
		return unix.Connect(fd, sa)
	}
	return Connect(h.sched, co, fd, sa, e.writeTimeoutMS)
}

// Read is the drop-in replacement for read(2).
func (h *HookTable) Read(co *Coroutine, fd int, buf []byte) (int, error) {
	e, hooked := h.passthrough(fd)
	if !hooked {
		return unix.Read(fd, buf)
	}
	return Read(h.sched, co, fd, buf, e.readTimeoutMS)
}

// Write is the drop-in replacement for write(2).
func (h *HookTable) Write(co *Coroutine, fd int, buf []byte) (int, error) {
	e, hooked := h.passthrough(fd)
	if !hooked {
		return unix.Write(fd, buf)
	}
	return Write(h.sched, co, fd, buf, e.writeTimeoutMS)
}

// Send is the drop-in replacement for send(2).
func (h *HookTable) Send(co *Coroutine, fd int, buf []byte, flags int) (int, error) {
	e, hooked := h.passthrough(fd)
	if !hooked {
		return sendChunk(fd, buf, flags)
	}
	return Send(h.sched, co, fd, buf, flags, e.writeTimeoutMS)
}

// Recv is the drop-in replacement for recv(2).
func (h *HookTable) Recv(co *Coroutine, fd int, buf []byte, flags int) (int, error) {
	e, hooked := h.passthrough(fd)
	if !hooked {
		n, _, err := unix.Recvfrom(fd, buf, flags)
		return n, err
	}
	return Recv(h.sched, co, fd, buf, flags, e.readTimeoutMS)
}

// SendTo is the drop-in replacement for sendto(2).
func (h *HookTable) SendTo(co *Coroutine, fd int, buf []byte, flags int, to unix.Sockaddr) error {
	e, hooked := h.passthrough(fd)
	if !hooked {
		return unix.Sendto(fd, buf, flags, to)
	}
	return SendTo(h.sched, co, fd, buf, flags, to, e.writeTimeoutMS)
}

// RecvFrom is the drop-in replacement for recvfrom(2).
func (h *HookTable) RecvFrom(co *Coroutine, fd int, buf []byte, flags int) (int, unix.Sockaddr, error) {
	e, hooked := h.passthrough(fd)
	if !hooked {
		return unix.Recvfrom(fd, buf, flags)
	}
	return RecvFrom(h.sched, co, fd, buf, flags, e.readTimeoutMS)
}

// SetsockoptTimeval is the drop-in replacement for
// setsockopt(SO_RCVTIMEO|SO_SNDTIMEO): it records the timeout in this
// table's bookkeeping in addition to setting the kernel socket option,
// translated from mt_sys_hook.cpp's millisecond conversion of struct
// timeval.
func (h *HookTable) SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	ms := tv.Sec*1000 + tv.Usec/1000
	if e, ok := h.get(fd); ok {
		switch opt {
		case unix.SO_RCVTIMEO:
			e.readTimeoutMS = ms
		case unix.SO_SNDTIMEO:
			e.writeTimeoutMS = ms
		}
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}

// FcntlSetfl is the drop-in replacement for fcntl(F_SETFL): it records
// the caller's O_NONBLOCK intent but always keeps the descriptor
// kernel-non-blocking, since the multiplexer requires it.
func (h *HookTable) FcntlSetfl(fd int, flags int) (int, error) {
	if e, ok := h.get(fd); ok {
		e.nonBlockingUser = flags&unix.O_NONBLOCK != 0
		flags |= unix.O_NONBLOCK
	}
	return unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags)
}

// IoctlSetNonblock is the drop-in replacement for ioctl(FIONBIO, ...).
// Like FcntlSetfl, it records the caller's intent but keeps a known
// descriptor kernel-non-blocking.
func (h *HookTable) IoctlSetNonblock(fd int, on bool) error {
	var arg int
	if on {
		arg = 1
	}
	if e, ok := h.get(fd); ok {
		e.nonBlockingUser = on
		arg = 1
	}
	return unix.IoctlSetInt(fd, unix.FIONBIO, arg)
}
