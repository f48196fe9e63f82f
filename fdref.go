package microthread

// Mask is a logical interest mask, independent of the kernel's
// EPOLLIN/EPOLLOUT bit values (translated in multiplex.go).
type Mask uint32

const (
	Readable Mask = 1 << iota
	Writable
	hangupMask // internal: never armed; Wait reports hang-ups as WakeHangup, not with this bit
)

// FdWaiter is a transient object created by component E for a single
// I/O operation: it knows the descriptor, the interest it wants
// armed, and the coroutine to notify. Ownership is exclusive to the
// owning coroutine; its lifetime is one I/O operation (§3).
type FdWaiter struct {
	Fd    int
	Want  Mask
	Owner *Coroutine
}

// notifyTarget is the fd-reference record's "single notify target"
// (§3), refined into one slot per direction so that a pooled
// descriptor can legitimately carry one reader and one writer waiter
// at once (scenario S3) while the conflict check in §4.D still fires
// the moment a *second* waiter wants a direction already claimed by a
// different waiter. This is the one place the data model in §3 needed
// a small amount of disambiguation; see DESIGN.md.
type notifyTarget struct {
	read  *FdWaiter
	write *FdWaiter
}

// FdRef is the per-descriptor bookkeeping component D owns: the
// currently-armed interest mask, independent read/write reference
// counts, and the notify target currently associated with the
// descriptor (§3's Fd-reference record).
type FdRef struct {
	inUse bool

	listen Mask // mask actually registered with the kernel

	readRefCnt  int
	writeRefCnt int

	notify notifyTarget
}

// attach claims the slot(s) in w.Want, failing if a different waiter
// already holds one of them (§4.D "Conflict check on attach").
func (r *FdRef) attach(w *FdWaiter) bool {
	if w.Want&Readable != 0 && r.notify.read != nil && r.notify.read != w {
		return false
	}
	if w.Want&Writable != 0 && r.notify.write != nil && r.notify.write != w {
		return false
	}
	if w.Want&Readable != 0 {
		r.notify.read = w
	}
	if w.Want&Writable != 0 {
		r.notify.write = w
	}
	return true
}

// detach releases whichever slots w currently holds.
func (r *FdRef) detach(w *FdWaiter) {
	if r.notify.read == w {
		r.notify.read = nil
	}
	if r.notify.write == w {
		r.notify.write = nil
	}
}

// hasNotify reports whether any direction has a live notify target.
func (r *FdRef) hasNotify() bool {
	return r.notify.read != nil || r.notify.write != nil
}

func (r *FdRef) attachEvents(m Mask) {
	if m&Readable != 0 {
		r.readRefCnt++
	}
	if m&Writable != 0 {
		r.writeRefCnt++
	}
}

func (r *FdRef) detachEvents(m Mask) {
	if m&Readable != 0 && r.readRefCnt > 0 {
		r.readRefCnt--
	}
	if m&Writable != 0 && r.writeRefCnt > 0 {
		r.writeRefCnt--
	}
}
