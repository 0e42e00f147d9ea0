// isync
// Copyright (C) 2014 Simone Gotti <simone.gotti@gmail.com>
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package mailsync

import (
	"sync"

	"github.com/mback2k/isync/config"
)

// Status is the completion status of a driver operation.
type Status int

const (
	DrvOK Status = iota
	// The message went missing, or the mailbox is full, etc.
	DrvMsgBad
	// Something is wrong with the current mailbox - probably it is
	// somehow inaccessible.
	DrvBoxBad
	// The command has been Canceled or CancelStored.
	DrvCanceled
)

// Driver capability flags. DriverCRLF says that the driver CAN store
// messages with CRLFs, not that it must. The lack of it implies that
// it cannot, and as CRLF is the canonical format, the engine converts.
const DriverCRLF = 1

// Columns a driver may be asked to provide, both in Store.Opts and
// PrepareOpts.
const (
	OpenOld = 1 << iota
	OpenNew
	OpenFlags
	OpenSize
	OpenExpunge
	OpenSetFlags
	OpenAppend
	OpenFind
	OpenTime
)

// Message is one message as reported by a driver. Within a store's
// current message set the UID is unique among non-dead messages.
type Message struct {
	UID    int32
	Size   uint
	Flags  Flags
	Status uint8
	Time   int64
	TUID   string // empty or TUIDLength characters

	srec *syncRec
}

// MessageData carries a message body between drivers.
type MessageData struct {
	Data  []byte
	Flags Flags
	Time  int64
}

// Store is the currently open mailbox of one driver.
type Store struct {
	Conf *config.StoreConfig

	OrigName string
	Name     string
	Path     string

	// Msgs is sorted by ascending UID.
	Msgs        []*Message
	UIDValidity int32
	UIDNext     int32
	Opts        int

	// Mailbox totals from Select, not stats over Msgs.
	Count  int
	Recent int

	badcb func()
}

// SetBadCallback registers the callback invoked (at most once) when
// the store becomes unusable outside a regular operation. Afterwards
// the driver's CancelStore must be called to dispose of the store.
func (ctx *Store) SetBadCallback(cb func()) {
	ctx.badcb = cb
}

func (ctx *Store) Bad() {
	if cb := ctx.badcb; cb != nil {
		ctx.badcb = nil
		cb()
	}
}

// Driver is the uniform store interface the sync engine consumes.
// Every operation invokes its callback exactly once, on the
// completion loop the driver was created with.
type Driver interface {
	// DriverFlags returns the DriverCRLF capability set.
	DriverFlags() int

	// PrepareOpts declares which columns will be needed before
	// Select. The driver may widen the set.
	PrepareOpts(ctx *Store, opts int)

	// Select opens the mailbox ctx.Name, optionally creating it, and
	// populates UIDValidity, UIDNext, Count and Recent.
	Select(ctx *Store, create bool, cb func(sts Status))

	// Load populates ctx.Msgs with every non-dead message whose uid
	// lies in [minuid, maxuid] or appears in excs (which the driver
	// takes ownership of). Messages below newuid need not carry a
	// TUID even if OpenFind was requested.
	Load(ctx *Store, minuid, maxuid, newuid int32, excs []int32, cb func(sts Status))

	// FetchMsg fetches the contents, flags and time of msg.
	FetchMsg(ctx *Store, msg *Message, data *MessageData, cb func(sts Status))

	// StoreMsg uploads data to the mailbox or the trash folder. If
	// the new copy's UID can be immediately determined it is passed
	// to the callback, otherwise -1.
	StoreMsg(ctx *Store, data *MessageData, toTrash bool, cb func(sts Status, uid int32))

	// FindNewMsgs indexes the messages which have newly appeared in
	// the mailbox, including their TUID headers. Whether concurrent
	// appenders are tolerated is the driver's own affair.
	FindNewMsgs(ctx *Store, cb func(sts Status))

	// SetFlags adds/removes flags on msg, or on the message named by
	// uid when msg is nil. The operation may be delayed until Commit.
	SetFlags(ctx *Store, msg *Message, uid int32, add, del Flags, cb func(sts Status))

	// TrashMsg moves msg to the trash folder. This may expunge the
	// original immediately, but it needn't to.
	TrashMsg(ctx *Store, msg *Message, cb func(sts Status))

	// Close expunges deleted messages and closes the mailbox.
	Close(ctx *Store, cb func(sts Status))

	// Cancel drops queued commands which are not in flight yet; they
	// will have their callbacks invoked with DrvCanceled. The cancel
	// callback fires after the in-flight commands completed.
	Cancel(ctx *Store, cb func())

	// CancelStore disposes of the store after a bad callback. Queued
	// commands are dropped without invoking their callbacks; a command
	// already in flight still invokes its callback.
	CancelStore(ctx *Store)

	// Commit flushes pending SetFlags commands.
	Commit(ctx *Store)
}

// Loop is the completion loop of a channel run. Drivers execute their
// operations on worker goroutines and post the completion callbacks
// here; the engine runs single-threaded on the draining goroutine.
type Loop struct {
	ch   chan func()
	done chan struct{}
}

func NewLoop() *Loop {
	return &Loop{
		ch:   make(chan func(), 256),
		done: make(chan struct{}),
	}
}

func (l *Loop) Post(f func()) {
	select {
	case l.ch <- f:
	case <-l.done:
	}
}

// Run drains posted callbacks until Stop is called.
func (l *Loop) Run() {
	for {
		select {
		case f := <-l.ch:
			f()
		case <-l.done:
			return
		}
	}
}

func (l *Loop) Stop() {
	close(l.done)
}

type queuedOp struct {
	run      func()
	canceled func()
}

// opQueue serializes the operations of one store on a single worker
// goroutine and delivers their completions through the loop, in issue
// order.
type opQueue struct {
	loop     *Loop
	mu       sync.Mutex
	cond     *sync.Cond
	ops      []*queuedOp
	cancelCb func()
	closed   bool
}

func newOpQueue(loop *Loop) *opQueue {
	q := &opQueue{loop: loop}
	q.cond = sync.NewCond(&q.mu)
	go q.work()
	return q
}

func (q *opQueue) work() {
	for {
		q.mu.Lock()
		for len(q.ops) == 0 && q.cancelCb == nil && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.ops) == 0 {
			cb := q.cancelCb
			q.cancelCb = nil
			q.mu.Unlock()
			q.loop.Post(cb)
			continue
		}
		op := q.ops[0]
		q.ops = q.ops[1:]
		q.mu.Unlock()
		op.run()
	}
}

// submit queues run for execution. canceled is posted instead if the
// queue is canceled before run starts.
func (q *opQueue) submit(run func(), canceled func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.cancelCb != nil {
		q.mu.Unlock()
		if canceled != nil {
			q.loop.Post(canceled)
		}
		return
	}
	q.ops = append(q.ops, &queuedOp{run, canceled})
	q.cond.Signal()
	q.mu.Unlock()
}

// cancel drops the pending operations, posting their canceled
// callbacks, and posts cb once the in-flight operation (if any) has
// completed.
func (q *opQueue) cancel(cb func()) {
	q.mu.Lock()
	dropped := q.ops
	q.ops = nil
	q.cancelCb = cb
	q.cond.Signal()
	q.mu.Unlock()
	for _, op := range dropped {
		if op.canceled != nil {
			q.loop.Post(op.canceled)
		}
	}
}

// close drops everything without invoking any callback and stops the
// worker.
func (q *opQueue) close() {
	q.mu.Lock()
	q.ops = nil
	q.cancelCb = nil
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}
