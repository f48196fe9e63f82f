//go:build linux

package microthread

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// DefaultMaxFD matches §3's "≥2·65536 entries" requirement for the
// per-descriptor fixed-size table.
const DefaultMaxFD = 2 * 65536

var (
	// ErrUnknownFd is returned when an operation targets a descriptor
	// with no fd-reference record.
	ErrUnknownFd = errors.New("microthread: unknown descriptor")
	// ErrConflict is returned when an Fd-waiter's claimed direction is
	// already held by a different waiter (§4.D).
	ErrConflict = errors.New("microthread: notify-target conflict")
	// ErrKernelChannel wraps an unexpected epoll_ctl/epoll_wait failure.
	ErrKernelChannel = errors.New("microthread: kernel event channel error")
)

// Event is what Wait reports for one readiness notification.
type Event struct {
	Waiter *FdWaiter
	Reason WakeReason
}

// Multiplexer is the readiness multiplexer proxy (component D): it
// owns the kernel event channel and the per-descriptor reference
// table, translated directly from original:epoll_proxy.cpp.
type Multiplexer struct {
	epfd    int
	maxFD   int
	table   []FdRef
	evtbuf  []unix.EpollEvent
	metrics *Metrics
	logger  Logger
}

// NewMultiplexer creates the epoll channel, raises the process fd
// soft limit to match maxFD, and allocates the fd-reference table.
// maxFD <= 0 uses DefaultMaxFD.
func NewMultiplexer(maxFD int, metrics *Metrics, logger Logger) (*Multiplexer, error) {
	if maxFD <= 0 {
		maxFD = DefaultMaxFD
	}
	if logger == nil {
		logger = NewDefaultLogger()
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("microthread: epoll_create1: %w", err)
	}

	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err == nil {
		if rlim.Max < uint64(maxFD) {
			rlim.Cur = rlim.Max
			_ = unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim)
		} else if rlim.Cur < uint64(maxFD) {
			rlim.Cur = uint64(maxFD)
			_ = unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim)
		}
	}

	return &Multiplexer{
		epfd:    epfd,
		maxFD:   maxFD,
		table:   make([]FdRef, maxFD),
		evtbuf:  make([]unix.EpollEvent, 256),
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Close releases the kernel event channel.
func (m *Multiplexer) Close() error {
	return unix.Close(m.epfd)
}

// Register marks fd as known to the multiplexer (creates its
// fd-reference record). Must be called once per descriptor before any
// CtrlAdd; mirrors the teacher's "dup + insert into descs" step, minus
// the dup since this core's caller (component F) already owns fd
// exclusively.
func (m *Multiplexer) Register(fd int) error {
	if fd < 0 || fd >= m.maxFD {
		return ErrUnknownFd
	}
	m.table[fd] = FdRef{inUse: true}
	return nil
}

// Unregister drops fd's reference record. Safe to call even if the
// kernel registration was already removed.
func (m *Multiplexer) Unregister(fd int) {
	if fd < 0 || fd >= m.maxFD {
		return
	}
	ref := &m.table[fd]
	if ref.listen != 0 {
		_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	m.table[fd] = FdRef{}
}

func (m *Multiplexer) ref(fd int) *FdRef {
	if fd < 0 || fd >= m.maxFD {
		return nil
	}
	r := &m.table[fd]
	if !r.inUse {
		return nil
	}
	return r
}

func toKernelMask(m Mask) uint32 {
	var e uint32
	if m&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if m&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromKernelMask(e uint32) Mask {
	var m Mask
	if e&unix.EPOLLIN != 0 {
		m |= Readable
	}
	if e&unix.EPOLLOUT != 0 {
		m |= Writable
	}
	return m
}

// CtrlAdd arms the interest in w.Want for w.Fd, per §4.D's seven-step
// algorithm, translated from EpollProxy::EpollCtrlAdd.
func (m *Multiplexer) CtrlAdd(w *FdWaiter) error {
	ref := m.ref(w.Fd)
	if ref == nil {
		m.metrics.Inc(CounterFdLookupMiss)
		return ErrUnknownFd
	}

	if !ref.attach(w) {
		m.metrics.Inc(CounterConflict)
		return ErrConflict
	}

	ref.attachEvents(w.Want)

	oldListen := ref.listen
	newListen := oldListen | w.Want
	if newListen == oldListen {
		return nil
	}

	op := unix.EPOLL_CTL_MOD
	if oldListen == 0 {
		op = unix.EPOLL_CTL_ADD
	}

	ev := unix.EpollEvent{Events: toKernelMask(newListen), Fd: int32(w.Fd)}
	err := unix.EpollCtl(m.epfd, op, w.Fd, &ev)
	if err != nil && !(op == unix.EPOLL_CTL_ADD && errors.Is(err, unix.EEXIST)) {
		ref.detachEvents(w.Want)
		ref.detach(w)
		m.metrics.Inc(CounterKernelChannelErr)
		m.logger.Errf("epoll_ctl add failed fd=%d op=%d: %v", w.Fd, op, err)
		return fmt.Errorf("%w: %v", ErrKernelChannel, err)
	}

	ref.listen = newListen
	return nil
}

// CtrlDel is the unconditional disarm: it removes exactly the
// requested directions regardless of outstanding reference counts.
func (m *Multiplexer) CtrlDel(w *FdWaiter, mask Mask) error {
	return m.ctrlDel(w, mask, false)
}

// CtrlDelRef is the reference-counted disarm: a direction is only
// actually removed once its reference count reaches zero, the
// optimization §9 calls out for pooled long-lived connections.
func (m *Multiplexer) CtrlDelRef(w *FdWaiter, mask Mask) error {
	return m.ctrlDel(w, mask, true)
}

func (m *Multiplexer) ctrlDel(w *FdWaiter, mask Mask, useRef bool) error {
	ref := m.ref(w.Fd)
	if ref == nil {
		m.metrics.Inc(CounterFdLookupMiss)
		return ErrUnknownFd
	}

	ref.detachEvents(mask) // no rollback on subsequent failure, per §4.D
	ref.detach(w)

	oldListen := ref.listen
	newListen := oldListen &^ mask
	if useRef {
		newListen = oldListen
		if ref.readRefCnt == 0 {
			newListen &^= Readable
		}
		if ref.writeRefCnt == 0 {
			newListen &^= Writable
		}
	}

	if newListen == oldListen {
		return nil
	}

	op := unix.EPOLL_CTL_MOD
	var ev *unix.EpollEvent
	if newListen == 0 {
		op = unix.EPOLL_CTL_DEL
	} else {
		ev = &unix.EpollEvent{Events: toKernelMask(newListen), Fd: int32(w.Fd)}
	}

	err := unix.EpollCtl(m.epfd, op, w.Fd, ev)
	if err != nil && !(op == unix.EPOLL_CTL_DEL && errors.Is(err, unix.ENOENT)) {
		m.metrics.Inc(CounterKernelChannelErr)
		m.logger.Errf("epoll_ctl del failed fd=%d op=%d: %v", w.Fd, op, err)
		return fmt.Errorf("%w: %v", ErrKernelChannel, err)
	}

	ref.listen = newListen
	return nil
}

// Wait blocks up to timeoutMS milliseconds on the kernel channel and
// returns the events it received, translated from
// EpollProxy::EpollRcvEventList. Hang-up takes precedence over
// readable, which takes precedence over writable, for the same
// descriptor (§4.D/§5): a hang-up is reported to the notify targets
// instead of any readable/writable event, otherwise the readable event
// is appended before the writable one, and both are reported when
// both directions are ready.
func (m *Multiplexer) Wait(timeoutMS int) ([]Event, error) {
	n, err := unix.EpollWait(m.epfd, m.evtbuf, timeoutMS)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrKernelChannel, err)
	}

	var out []Event
	for i := 0; i < n; i++ {
		raw := m.evtbuf[i]
		fd := int(raw.Fd)
		ref := m.ref(fd)
		if ref == nil {
			m.metrics.Inc(CounterFdLookupMiss)
			continue
		}

		if !ref.hasNotify() {
			m.logger.Errf("fd notify target nil, fd=%d", fd)
			_ = m.ctrlDel(&FdWaiter{Fd: fd}, fromKernelMask(raw.Events), false)
			continue
		}

		if raw.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			if ref.notify.read != nil {
				out = append(out, Event{Waiter: ref.notify.read, Reason: WakeHangup})
			}
			if ref.notify.write != nil && ref.notify.write != ref.notify.read {
				out = append(out, Event{Waiter: ref.notify.write, Reason: WakeHangup})
			}
			m.metrics.Inc(CounterHangup)
			continue
		}

		if raw.Events&unix.EPOLLIN != 0 && ref.notify.read != nil {
			out = append(out, Event{Waiter: ref.notify.read, Reason: WakeIO})
		}
		if raw.Events&unix.EPOLLOUT != 0 && ref.notify.write != nil {
			out = append(out, Event{Waiter: ref.notify.write, Reason: WakeIO})
		}
	}
	return out, nil
}
