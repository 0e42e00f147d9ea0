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
	"sort"
	"strings"
)

// memMsg is one message of the in-memory test store.
type memMsg struct {
	uid    int32
	flags  Flags
	body   []byte
	time   int64
	recent bool
}

// memStore is a scripted in-memory Driver for engine tests. The
// mailbox content survives across runs; rebind attaches the store to
// the next run's loop.
type memStore struct {
	loop        *Loop
	queue       *opQueue
	crlf        bool
	returnUID   bool // StoreMsg reports the new uid immediately
	uidvalidity int32
	uidnext     int32
	msgs        map[int32]*memMsg
	trashed     []*memMsg
}

func newMemStore(loop *Loop) *memStore {
	return &memStore{
		loop:        loop,
		queue:       newOpQueue(loop),
		returnUID:   true,
		uidvalidity: 1,
		uidnext:     1,
		msgs:        make(map[int32]*memMsg),
	}
}

func (m *memStore) rebind(loop *Loop) {
	m.queue.close()
	m.loop = loop
	m.queue = newOpQueue(loop)
}

func (m *memStore) add(flags string, body string) int32 {
	uid := m.uidnext
	m.uidnext++
	if body == "" {
		body = "Subject: test\n\nbody\n"
	}
	m.msgs[uid] = &memMsg{uid: uid, flags: ParseFlags(flags), body: []byte(body)}
	return uid
}

func (m *memStore) addAt(uid int32, flags string, body string) {
	if body == "" {
		body = "Subject: test\n\nbody\n"
	}
	m.msgs[uid] = &memMsg{uid: uid, flags: ParseFlags(flags), body: []byte(body)}
	if uid >= m.uidnext {
		m.uidnext = uid + 1
	}
}

func (m *memStore) uids() []int32 {
	var uids []int32
	for uid := range m.msgs {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

func bodyTUID(body []byte) string {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			return ""
		}
		if strings.HasPrefix(line, "X-TUID: ") && len(line) == 8+TUIDLength {
			return line[8:]
		}
	}
	return ""
}

func (m *memStore) DriverFlags() int {
	if m.crlf {
		return DriverCRLF
	}
	return 0
}

func (m *memStore) PrepareOpts(ctx *Store, opts int) {
	ctx.Opts = opts
}

func (m *memStore) Commit(ctx *Store) {}

func (m *memStore) Cancel(ctx *Store, cb func()) {
	m.queue.cancel(cb)
}

func (m *memStore) CancelStore(ctx *Store) {
	m.queue.close()
}

func (m *memStore) Select(ctx *Store, create bool, cb func(sts Status)) {
	m.queue.submit(func() {
		recent := 0
		for _, mm := range m.msgs {
			if mm.recent {
				recent++
			}
		}
		count := len(m.msgs)
		uidvalidity, uidnext := m.uidvalidity, m.uidnext
		m.loop.Post(func() {
			ctx.UIDValidity = uidvalidity
			ctx.UIDNext = uidnext
			ctx.Count = count
			ctx.Recent = recent
			cb(DrvOK)
		})
	}, func() { cb(DrvCanceled) })
}

func (m *memStore) Load(ctx *Store, minuid, maxuid, newuid int32, excs []int32, cb func(sts Status)) {
	m.queue.submit(func() {
		var msgs []*Message
		for uid, mm := range m.msgs {
			want := uid >= minuid && uid <= maxuid
			for _, exc := range excs {
				if uid == exc {
					want = true
				}
			}
			if !want {
				continue
			}
			msg := &Message{UID: uid, Flags: mm.flags, Status: MFlags}
			if mm.recent {
				msg.Status |= MRecent
			}
			if ctx.Opts&OpenSize != 0 {
				msg.Size = uint(len(mm.body))
			}
			if ctx.Opts&OpenTime != 0 {
				msg.Time = mm.time
				msg.Status |= MTime
			}
			if ctx.Opts&OpenFind != 0 && uid >= newuid {
				msg.TUID = bodyTUID(mm.body)
			}
			msgs = append(msgs, msg)
		}
		sortMsgs(msgs)
		m.loop.Post(func() {
			ctx.Msgs = msgs
			cb(DrvOK)
		})
	}, func() { cb(DrvCanceled) })
}

func (m *memStore) FetchMsg(ctx *Store, msg *Message, data *MessageData, cb func(sts Status)) {
	m.queue.submit(func() {
		mm, ok := m.msgs[msg.UID]
		m.loop.Post(func() {
			if !ok {
				cb(DrvMsgBad)
				return
			}
			data.Data = append([]byte(nil), mm.body...)
			data.Flags = mm.flags
			data.Time = mm.time
			cb(DrvOK)
		})
	}, func() { cb(DrvCanceled) })
}

func (m *memStore) StoreMsg(ctx *Store, data *MessageData, toTrash bool, cb func(sts Status, uid int32)) {
	m.queue.submit(func() {
		mm := &memMsg{flags: data.Flags, body: append([]byte(nil), data.Data...), time: data.Time}
		if toTrash {
			m.trashed = append(m.trashed, mm)
			m.loop.Post(func() { cb(DrvOK, -1) })
			return
		}
		uid := m.uidnext
		m.uidnext++
		mm.uid = uid
		m.msgs[uid] = mm
		ruid := uid
		if !m.returnUID {
			ruid = -1
		}
		m.loop.Post(func() { cb(DrvOK, ruid) })
	}, func() { cb(DrvCanceled, 0) })
}

func (m *memStore) FindNewMsgs(ctx *Store, cb func(sts Status)) {
	m.queue.submit(func() {
		known := make(map[int32]bool)
		for _, msg := range ctx.Msgs {
			known[msg.UID] = true
		}
		var added []*Message
		for uid, mm := range m.msgs {
			if known[uid] {
				continue
			}
			msg := &Message{UID: uid, Flags: mm.flags, Status: MFlags, TUID: bodyTUID(mm.body)}
			added = append(added, msg)
		}
		m.loop.Post(func() {
			ctx.Msgs = append(ctx.Msgs, added...)
			sortMsgs(ctx.Msgs)
			cb(DrvOK)
		})
	}, func() { cb(DrvCanceled) })
}

func (m *memStore) SetFlags(ctx *Store, msg *Message, uid int32, add, del Flags, cb func(sts Status)) {
	m.queue.submit(func() {
		if msg != nil {
			uid = msg.UID
		}
		mm, ok := m.msgs[uid]
		if ok {
			mm.flags = (mm.flags | add) &^ del
		}
		m.loop.Post(func() {
			if !ok {
				cb(DrvMsgBad)
				return
			}
			if msg != nil {
				msg.Flags = (msg.Flags | add) &^ del
			}
			cb(DrvOK)
		})
	}, func() { cb(DrvCanceled) })
}

func (m *memStore) TrashMsg(ctx *Store, msg *Message, cb func(sts Status)) {
	m.queue.submit(func() {
		mm, ok := m.msgs[msg.UID]
		if ok {
			m.trashed = append(m.trashed, mm)
			delete(m.msgs, msg.UID)
		}
		m.loop.Post(func() {
			if !ok {
				cb(DrvMsgBad)
				return
			}
			msg.Status |= MDead
			cb(DrvOK)
		})
	}, func() { cb(DrvCanceled) })
}

func (m *memStore) Close(ctx *Store, cb func(sts Status)) {
	m.queue.submit(func() {
		for uid, mm := range m.msgs {
			if mm.flags&FDeleted != 0 {
				delete(m.msgs, uid)
			}
		}
		m.loop.Post(func() {
			for _, msg := range ctx.Msgs {
				if msg.Flags&FDeleted != 0 {
					msg.Status |= MDead
				}
			}
			cb(DrvOK)
		})
	}, func() { cb(DrvCanceled) })
}
