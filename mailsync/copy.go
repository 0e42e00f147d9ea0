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
	"bytes"
)

// copyVars tracks one message copy onto side t. srec is nil for raw
// remote-trash copies.
type copyVars struct {
	cb   func(cv *copyVars, sts int, uid int32)
	t    Side // destination side
	srec *syncRec
	msg  *Message
	data MessageData
}

// copyMsg fetches the message from the source side and continues in
// msgFetched. Returns true if the run was torn down underway.
func (sv *Sync) copyMsg(cv *copyVars) bool {
	src := cv.t.Other()
	cv.data.Flags = cv.msg.Flags
	cv.data.Time = cv.msg.Time
	return sv.driverCall(src, func() {
		sv.drv[src].FetchMsg(sv.ctx[src], cv.msg, &cv.data, func(sts Status) {
			sv.msgFetched(cv, sts)
		})
	})
}

func (sv *Sync) msgFetched(cv *copyVars, sts Status) {
	t := cv.t
	switch sts {
	case DrvOK:
		if sv.checkCancel() {
			cv.cb(cv, SyncCanceled, 0)
			return
		}

		cv.msg.Flags = cv.data.Flags
		cv.msg.Time = cv.data.Time

		scr := sv.drv[t.Other()].DriverFlags()&DriverCRLF != 0
		tcr := sv.drv[t].DriverFlags()&DriverCRLF != 0
		if cv.srec != nil || scr != tcr {
			tuid := ""
			if cv.srec != nil {
				tuid = cv.srec.tuid
			}
			out, ok := transformMsg(cv.data.Data, tuid, scr, tcr)
			if !ok {
				sv.logger.Warningf("Warning: message %d from %s has incomplete header.",
					cv.msg.UID, t.Other())
				cv.cb(cv, SyncNoGood, 0)
				return
			}
			cv.data.Data = out
		}

		sv.drv[t].StoreMsg(sv.ctx[t], &cv.data, cv.srec == nil, func(sts Status, uid int32) {
			sv.msgStored(cv, sts, uid)
		})
	case DrvCanceled:
		cv.cb(cv, SyncCanceled, 0)
	case DrvMsgBad:
		cv.cb(cv, SyncNoGood, 0)
	default:
		cv.cb(cv, SyncFail, 0)
	}
}

func (sv *Sync) msgStored(cv *copyVars, sts Status, uid int32) {
	switch sts {
	case DrvOK:
		cv.cb(cv, SyncOK, uid)
	case DrvCanceled:
		cv.cb(cv, SyncCanceled, 0)
	case DrvMsgBad:
		sv.logger.Warningf("Warning: %s refuses to store message %d from %s.",
			cv.t, cv.msg.UID, cv.t.Other())
		cv.cb(cv, SyncNoGood, 0)
	default:
		cv.cb(cv, SyncFail, 0)
	}
}

// transformMsg rewrites a message body for the destination store.
// With a non-empty tuid, the first X-TUID header is replaced, or one
// is inserted just before the header/body boundary. When source and
// destination disagree on CRLF, the whole body is converted. Returns
// false if the message has no header boundary at all.
func transformMsg(fmap []byte, tuid string, scr, tcr bool) ([]byte, bool) {
	sbreak, ebreak := 0, 0
	hcrs := 0
	i := 0
	if tuid != "" {
		found := false
		for !found {
			start := i
			lcrs := 0
			for {
				if i >= len(fmap) {
					// invalid message
					return nil, false
				}
				c := fmap[i]
				i++
				if c == '\r' {
					lcrs++
				} else if c == '\n' {
					if bytes.HasPrefix(fmap[start:], []byte("X-TUID: ")) {
						sbreak, ebreak = start, i
						found = true
						break
					}
					hcrs += lcrs
					if i-lcrs-1 == start {
						sbreak, ebreak = start, start
						found = true
						break
					}
					break
				}
			}
		}
	}

	var out bytes.Buffer
	out.Grow(len(fmap) + TUIDLength + 10)
	convert := func(seg []byte) {
		if tcr == scr {
			out.Write(seg)
			return
		}
		for _, c := range seg {
			if c == '\r' {
				continue
			}
			if c == '\n' && tcr {
				out.WriteByte('\r')
			}
			out.WriteByte(c)
		}
	}
	if tuid != "" {
		convert(fmap[:sbreak])
		out.WriteString("X-TUID: ")
		out.WriteString(tuid)
		if tcr && (!scr || hcrs > 0) {
			out.WriteByte('\r')
		}
		out.WriteByte('\n')
		convert(fmap[ebreak:])
	} else {
		convert(fmap)
	}
	return out.Bytes(), true
}
