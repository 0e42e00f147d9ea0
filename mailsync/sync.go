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
	"fmt"
	"math"
	"os"

	"github.com/satori/go.uuid"

	"github.com/mback2k/isync/config"
	"github.com/mback2k/isync/log"
)

// Sync result codes, OR-able.
const (
	SyncOK        = 0 // assumed to be 0
	SyncFail      = 1
	SyncFailAll   = 2
	SyncBadMaster = 4
	SyncBadSlave  = 8
	SyncNoGood    = 16 // internal
	SyncCanceled  = 32 // internal
)

func syncBad(t Side) int {
	return 4 << uint(t)
}

// Per-side engine states. Bits are set once and never clear, except
// stFindMsgs, which is cleared once the tracking id lookup has run.
const (
	stLoaded = 1 << iota
	stSentNew
	stFoundNew
	stSentFlags
	stSentTrash
	stClosed
	stSentCancel
	stCanceled
	stSelected
	stFindMsgs
	stDidExpunge
)

/* operation dependencies:
   select(S): -
   select(M): select(S) | -
   new(M), new(S), flags(M): select(M) & select(S)
   flags(S): count(new(S))
   find_new(x): new(x)
   trash(x): flags(x)
   close(x): trash(x) & find_new(x) // with expunge
   cleanup: close(M) & close(S)
*/

// Sync is the per-channel run state. It is created by SyncBoxes and
// torn down exactly when its reference count drops to zero, at which
// point the user callback fires once with the accumulated result.
type Sync struct {
	loop       *Loop
	cb         func(ret int)
	globalconf *config.Config
	chanconf   *config.ChannelConfig
	logger     *log.Logger
	fsyncLevel int

	ctx [2]*Store
	drv [2]Driver

	dname, jname, nname, lname string
	lfile                      *os.File
	jfp, nfp                   *os.File

	srecs  []*syncRec
	recIdx int // most recently touched record, for journal replay
	osrecs int // count of records preceding the new-messages pass

	state    [2]int
	refCount int
	ret      int

	newTotal, newDone     [2]int
	flagsTotal, flagsDone [2]int
	trashTotal, trashDone [2]int

	maxuid [2]int32 // highest UID that was already propagated
	uidval [2]int32 // UID validity value
	newuid [2]int32 // TUID lookup makes sense only for UIDs >= this

	smaxxuid int32 // highest expired UID on slave
}

func (sv *Sync) ref() {
	sv.refCount++
}

func (sv *Sync) deref() bool {
	sv.refCount--
	if sv.refCount == 0 {
		cb := sv.cb
		ret := sv.ret
		cb(ret)
		return true
	}
	return false
}

func (sv *Sync) derefCheckCancel() bool {
	if sv.deref() {
		return true
	}
	return sv.checkCancel()
}

func (sv *Sync) checkCancel() bool {
	return (sv.state[Master]|sv.state[Slave])&(stSentCancel|stCanceled) != 0
}

// driverCall wraps a driver invocation with the reference counting
// that keeps the run alive across the call. Returns true if the
// caller must stop touching the run.
func (sv *Sync) driverCall(t Side, call func()) bool {
	sv.ref()
	call()
	return sv.derefCheckCancel()
}

func (sv *Sync) checkRet(t Side, sts Status) bool {
	if sts == DrvCanceled {
		return true
	}
	if sts == DrvBoxBad {
		sv.ret |= SyncFail
		sv.cancelSync()
		return true
	}
	return sv.checkCancel()
}

func (sv *Sync) ops(t Side) int {
	return sv.chanconf.OpsMask[t]
}

func (sv *Sync) storeConf(t Side) *config.StoreConfig {
	if t == Master {
		return sv.chanconf.MasterStore
	}
	return sv.chanconf.SlaveStore
}

var bindOps = [2]byte{'<', '>'}
var maxuidOps = [2]byte{'(', ')'}
var newuidOps = [2]byte{'{', '}'}

// generateTUID draws TUIDLength characters of [A-Za-z0-9+/] from a
// fresh UUID. Global uniqueness within a channel is not required.
func generateTUID() string {
	u := uuid.NewV4()
	var buf [TUIDLength]byte
	for i := 0; i < TUIDLength; i++ {
		c := u[i] & 0x3f
		switch {
		case c < 26:
			buf[i] = 'A' + c
		case c < 52:
			buf[i] = 'a' + c - 26
		case c < 62:
			buf[i] = '0' + c - 52
		case c == 62:
			buf[i] = '+'
		default:
			buf[i] = '/'
		}
	}
	return string(buf[:])
}

func (sv *Sync) stats() {
	sv.logger.Debugf("M: +%d/%d *%d/%d #%d/%d  S: +%d/%d *%d/%d #%d/%d",
		sv.newDone[Master], sv.newTotal[Master],
		sv.flagsDone[Master], sv.flagsTotal[Master],
		sv.trashDone[Master], sv.trashTotal[Master],
		sv.newDone[Slave], sv.newTotal[Slave],
		sv.flagsDone[Slave], sv.flagsTotal[Slave],
		sv.trashDone[Slave], sv.trashTotal[Slave])
}

// SyncBoxes synchronizes one mailbox pair. All passed values must stay
// alive until cb is invoked; cb fires exactly once, on the loop.
func SyncBoxes(loop *Loop, globalconf *config.Config, chanconf *config.ChannelConfig,
	drv [2]Driver, ctx [2]*Store, names [2]string, cb func(ret int)) *Sync {

	logprefix := fmt.Sprintf("channel: %s", chanconf.Name)
	logger := log.GetLogger(logprefix, globalconf.LogLevel)
	fsyncLevel, _ := config.FsyncLevelValue(globalconf.FsyncLevel)

	sv := &Sync{
		loop:       loop,
		cb:         cb,
		globalconf: globalconf,
		chanconf:   chanconf,
		logger:     logger,
		fsyncLevel: fsyncLevel,
		ctx:        ctx,
		drv:        drv,
		refCount:   1,
	}
	sv.uidval[Master] = -1
	sv.uidval[Slave] = -1

	for t := Master; t <= Slave; t++ {
		t := t
		conf := sv.storeConf(t)
		origname := names[t]
		if origname == "" || (conf.MapInbox != "" && conf.MapInbox == origname) {
			origname = "INBOX"
		}
		ctx[t].Conf = conf
		ctx[t].OrigName = origname
		ctx[t].Name = origname
		if conf.FlatDelim != "" {
			name, err := mapName(origname, '/', conf.FlatDelim[0])
			if err != nil {
				logger.Errorf("Error: canonical mailbox name '%s' contains flattened hierarchy delimiter", origname)
				sv.ret = SyncFail
				sv.bail2()
				return sv
			}
			ctx[t].Name = name
		}
		ctx[t].UIDValidity = -1
		ctx[t].SetBadCallback(func() { sv.storeBad(t) })
	}
	// Both boxes must be fully set up at this point, so that error exit
	// paths don't run into uninitialized variables.
	for t := Master; t <= Slave; t++ {
		t := t
		sv.logger.Infof("Selecting %s %s...", t, ctx[t].OrigName)
		if sv.driverCall(t, func() {
			sv.drv[t].Select(sv.ctx[t], sv.ops(t)&config.OpCreate != 0, func(sts Status) {
				sv.boxSelected(t, sts)
			})
		}) {
			return sv
		}
	}
	return sv
}

// Cancel requests teardown of the running channel, e.g. from a signal
// handler. Safe to call from any goroutine.
func (sv *Sync) Cancel() {
	sv.loop.Post(func() {
		if sv.refCount == 0 {
			return
		}
		sv.ret |= SyncFail
		sv.cancelSync()
	})
}

func (sv *Sync) cancelSync() {
	for t := Master; t <= Slave; t++ {
		t := t
		otherState := sv.state[t.Other()]
		if sv.ret&syncBad(t) != 0 {
			sv.cancelDone(t)
		} else if sv.state[t]&stSentCancel == 0 {
			// ignore subsequent failures from in-flight commands
			sv.state[t] |= stSentCancel
			sv.drv[t].Cancel(sv.ctx[t], func() { sv.cancelDone(t) })
		}
		if otherState&stCanceled != 0 {
			break
		}
	}
}

func (sv *Sync) cancelDone(t Side) {
	sv.state[t] |= stCanceled
	if sv.state[t.Other()]&stCanceled != 0 {
		if sv.lfile != nil {
			if sv.nfp != nil {
				sv.nfp.Close()
				sv.nfp = nil
			}
			if sv.jfp != nil {
				sv.jfp.Close()
				sv.jfp = nil
			}
			sv.bail()
		} else {
			sv.bail2()
		}
	}
}

func (sv *Sync) storeBad(t Side) {
	sv.drv[t].CancelStore(sv.ctx[t])
	sv.ret |= syncBad(t)
	sv.cancelSync()
}

func (sv *Sync) bail() {
	sv.srecs = nil
	os.Remove(sv.lname)
	sv.lfile.Close()
	sv.lfile = nil
	sv.bail2()
}

func (sv *Sync) bail2() {
	sv.deref()
}

func (sv *Sync) boxSelected(t Side, sts Status) {
	if sv.checkRet(t, sts) {
		return
	}
	sv.state[t] |= stSelected
	if sv.state[t.Other()]&stSelected == 0 {
		return
	}

	if err := sv.computeStatePaths(); err != nil {
		sv.logger.Errorf("Error: %s", err)
		sv.ret |= SyncFail
		sv.bail2()
		return
	}
	if err := sv.lockState(); err != nil {
		sv.logger.Errorf("Error: %s", err)
		sv.ret |= SyncFail
		sv.bail2()
		return
	}
	if err := sv.loadState(); err != nil {
		sv.logger.Errorf("Error: %s", err)
		sv.ret |= SyncFail
		sv.bail()
		return
	}
	replayed, err := sv.replayJournal()
	if err != nil {
		sv.logger.Errorf("Error: %s", err)
		sv.ret |= SyncFail
		sv.bail()
		return
	}

	uvfail := false
	for t := Master; t <= Slave; t++ {
		if sv.uidval[t] >= 0 && sv.uidval[t] != sv.ctx[t].UIDValidity {
			sv.logger.Errorf("Error: UIDVALIDITY of %s changed (got %d, expected %d)",
				t, sv.ctx[t].UIDValidity, sv.uidval[t])
			uvfail = true
		}
	}
	if uvfail {
		sv.ret |= SyncFail
		sv.bail()
		return
	}

	if err := sv.openStateFiles(replayed); err != nil {
		sv.logger.Errorf("Error: %s", err)
		sv.ret |= SyncFail
		sv.bail()
		return
	}

	var opts [2]int
	for t := Master; t <= Slave; t++ {
		ops := sv.ops(t)
		if ops&(config.OpDelete|config.OpFlags) != 0 {
			opts[t] |= OpenSetFlags
			opts[t.Other()] |= OpenOld
			if ops&config.OpFlags != 0 {
				opts[t.Other()] |= OpenFlags
			}
		}
		if ops&(config.OpNew|config.OpReNew) != 0 {
			opts[t] |= OpenAppend
			if ops&config.OpReNew != 0 {
				opts[t.Other()] |= OpenOld
			}
			if ops&config.OpNew != 0 {
				opts[t.Other()] |= OpenNew
			}
			if ops&config.OpExpunge != 0 {
				opts[t.Other()] |= OpenFlags
			}
			if sv.storeConf(t).MaxSize > 0 {
				opts[t.Other()] |= OpenSize
			}
		}
		if ops&config.OpExpunge != 0 {
			opts[t] |= OpenExpunge
			if sv.storeConf(t).Trash != "" {
				if !sv.storeConf(t).TrashOnlyNew {
					opts[t] |= OpenOld
				}
				opts[t] |= OpenNew | OpenFlags
			} else if sv.storeConf(t.Other()).Trash != "" && sv.storeConf(t.Other()).TrashRemoteNew {
				opts[t] |= OpenNew | OpenFlags
			}
		}
	}
	if sv.ops(Slave)&(config.OpNew|config.OpReNew) != 0 && sv.chanconf.MaxMessages > 0 {
		opts[Slave] |= OpenOld | OpenNew | OpenFlags | OpenTime
	}
	if replayed {
		for _, srec := range sv.srecs {
			if srec.status&sDead != 0 {
				continue
			}
			if (srec.status&sExpire != 0) != (srec.status&sExpired != 0) {
				opts[Slave] |= OpenOld | OpenFlags
			}
			if srec.tuid != "" {
				if srec.uid[Master] == -2 {
					opts[Master] |= OpenNew | OpenFind
					sv.state[Master] |= stFindMsgs
				} else if srec.uid[Slave] == -2 {
					opts[Slave] |= OpenNew | OpenFind
					sv.state[Slave] |= stFindMsgs
				}
			}
		}
	}
	sv.drv[Master].PrepareOpts(sv.ctx[Master], opts[Master])
	sv.drv[Slave].PrepareOpts(sv.ctx[Slave], opts[Slave])

	if sv.smaxxuid == 0 {
		if sv.loadBox(Master, loadMinUID(sv.ctx[Master]), nil) {
			return
		}
	}
	sv.loadBox(Slave, loadMinUID(sv.ctx[Slave]), nil)
}

func loadMinUID(ctx *Store) int32 {
	if ctx.Opts&OpenOld != 0 {
		return 1
	}
	return math.MaxInt32
}

func (sv *Sync) loadBox(t Side, minwuid int32, excs []int32) bool {
	var maxwuid int32
	if sv.ctx[t].Opts&OpenNew != 0 {
		if minwuid > sv.maxuid[t]+1 {
			minwuid = sv.maxuid[t] + 1
		}
		maxwuid = math.MaxInt32
	} else if sv.ctx[t].Opts&OpenOld != 0 {
		maxwuid = 0
		for _, srec := range sv.srecs {
			if srec.status&sDead == 0 && srec.uid[t] > maxwuid {
				maxwuid = srec.uid[t]
			}
		}
	} else {
		maxwuid = 0
	}
	sv.logger.Infof("Loading %s...", t)
	sv.logger.Debugf("loading %s [%d,%d]", t, minwuid, maxwuid)
	return sv.driverCall(t, func() {
		sv.drv[t].Load(sv.ctx[t], minwuid, maxwuid, sv.newuid[t], excs, func(sts Status) {
			sv.boxLoaded(t, sts)
		})
	})
}

// matchTUIDs binds in-flight records to freshly indexed messages by
// their tracking id. A record whose tag cannot be found anymore lost
// its copy; its flags and tag are reset so the copy is redone.
func (sv *Sync) matchTUIDs(t Side) {
	numLost := 0
	msgs := sv.ctx[t].Msgs
	ni := 0
	for _, srec := range sv.srecs {
		if srec.status&sDead != 0 {
			continue
		}
		if srec.uid[t] != -2 || srec.tuid == "" {
			continue
		}
		sv.logger.Debugf("  pair(%d,%d): lookup %s, TUID %s", srec.uid[Master], srec.uid[Slave], t, srec.tuid)
		found := -1
		diag := ""
		for i := ni; i < len(msgs); i++ {
			tmsg := msgs[i]
			if tmsg.Status&MDead != 0 {
				continue
			}
			if tmsg.TUID != "" && tmsg.TUID == srec.tuid {
				found = i
				if i == ni {
					diag = "adjacently"
				} else {
					diag = "after gap"
				}
				break
			}
		}
		if found < 0 {
			for i := 0; i < ni; i++ {
				tmsg := msgs[i]
				if tmsg.Status&MDead != 0 {
					continue
				}
				if tmsg.TUID != "" && tmsg.TUID == srec.tuid {
					found = i
					diag = "after reset"
					break
				}
			}
		}
		if found < 0 {
			sv.logger.Debugf("  -> TUID lost")
			sv.journalf("& %d %d\n", srec.uid[Master], srec.uid[Slave])
			srec.flags = 0
			srec.tuid = ""
			numLost++
			continue
		}
		tmsg := msgs[found]
		sv.logger.Debugf("  -> new UID %d %s", tmsg.UID, diag)
		sv.journalf("%c %d %d %d\n", bindOps[t], srec.uid[Master], srec.uid[Slave], tmsg.UID)
		tmsg.srec = srec
		ni = found + 1
		srec.uid[t] = tmsg.UID
		srec.tuid = ""
	}
	if numLost > 0 {
		sv.logger.Warningf("Warning: lost track of %d %sed message(s)", numLost, t.Direction())
	}
}

func (sv *Sync) boxLoaded(t Side, sts Status) {
	if sv.checkRet(t, sts) {
		return
	}
	sv.state[t] |= stLoaded
	sv.logger.Infof("%s: %d messages, %d recent", t, sv.ctx[t].Count, sv.ctx[t].Recent)

	if sv.state[t]&stFindMsgs != 0 {
		sv.state[t] &^= stFindMsgs
		sv.logger.Debugf("matching previously copied messages on %s", t)
		sv.matchTUIDs(t)
	}

	sv.logger.Debugf("matching messages on %s against sync records", t)
	recmap := make(map[int32]*syncRec, len(sv.srecs))
	for _, srec := range sv.srecs {
		if srec.status&sDead == 0 && srec.uid[t] > 0 {
			recmap[srec.uid[t]] = srec
		}
	}
	for _, tmsg := range sv.ctx[t].Msgs {
		if tmsg.srec != nil { // found by TUID
			continue
		}
		if srec, ok := recmap[tmsg.UID]; ok {
			tmsg.srec = srec
			srec.msg[t] = tmsg
			sv.logger.Debugf("  message %5d, %-4s: pairs %5d", tmsg.UID, tmsg.Flags, srec.uid[t.Other()])
		} else {
			sv.logger.Debugf("  message %5d, %-4s: new", tmsg.UID, tmsg.Flags)
		}
	}

	if t == Slave && sv.smaxxuid != 0 {
		sv.logger.Debugf("preparing master selection - max expired slave uid is %d", sv.smaxxuid)
		var mexcs []int32
		minwuid := int32(math.MaxInt32)
		for _, srec := range sv.srecs {
			if srec.status&sDead != 0 {
				continue
			}
			if srec.status&sExpired != 0 {
				if srec.uid[Slave] == 0 || (sv.ctx[Slave].Opts&OpenOld != 0 && srec.msg[Slave] == nil) {
					srec.status |= sExpS
					continue
				}
			} else {
				if sv.smaxxuid >= srec.uid[Slave] {
					continue
				}
			}
			if minwuid > srec.uid[Master] {
				minwuid = srec.uid[Master]
			}
		}
		sv.logger.Debugf("  min non-orphaned master uid is %d", minwuid)
		for _, srec := range sv.srecs {
			if srec.status&sDead != 0 {
				continue
			}
			if srec.status&sExpS != 0 {
				if minwuid > srec.uid[Master] && sv.maxuid[Master] >= srec.uid[Master] {
					sv.logger.Debugf("  -> killing (%d,%d)", srec.uid[Master], srec.uid[Slave])
					srec.status = sDead
					sv.journalf("- %d %d\n", srec.uid[Master], srec.uid[Slave])
				} else if srec.uid[Slave] != 0 {
					sv.logger.Debugf("  -> orphaning (%d,[%d])", srec.uid[Master], srec.uid[Slave])
					sv.journalf("> %d %d 0\n", srec.uid[Master], srec.uid[Slave])
					srec.uid[Slave] = 0
				}
			} else if minwuid > srec.uid[Master] {
				if srec.uid[Slave] < 0 {
					if sv.maxuid[Master] >= srec.uid[Master] {
						sv.logger.Debugf("  -> killing (%d,%d)", srec.uid[Master], srec.uid[Slave])
						srec.status = sDead
						sv.journalf("- %d %d\n", srec.uid[Master], srec.uid[Slave])
					}
				} else if srec.uid[Master] > 0 && srec.uid[Slave] != 0 && sv.ctx[Master].Opts&OpenOld != 0 &&
					(sv.ctx[Master].Opts&OpenNew == 0 || sv.maxuid[Master] >= srec.uid[Master]) {
					mexcs = append(mexcs, srec.uid[Master])
				}
			}
		}
		sv.logger.Debugf("  exception list is: %v", mexcs)
		sv.loadBox(Master, minwuid, mexcs)
		return
	}

	if sv.state[t.Other()]&stLoaded == 0 {
		return
	}

	if sv.uidval[Master] < 0 || sv.uidval[Slave] < 0 {
		sv.uidval[Master] = sv.ctx[Master].UIDValidity
		sv.uidval[Slave] = sv.ctx[Slave].UIDValidity
		sv.journalf("| %d %d\n", sv.uidval[Master], sv.uidval[Slave])
	}

	sv.logger.Infof("Synchronizing...")

	sv.logger.Debugf("synchronizing new entries")
	sv.osrecs = len(sv.srecs)
	var wroteNewUID [2]bool
	// The newuid baseline must hit the journal before any copy of that
	// side does, and must be the uidnext from selection time.
	writeNewUID := func(tt Side) {
		if !wroteNewUID[tt] {
			wroteNewUID[tt] = true
			sv.journalf("%c %d\n", newuidOps[tt], sv.ctx[tt].UIDNext)
		}
	}
	for tt := Master; tt <= Slave; tt++ {
		tt := tt
		for _, tmsg := range sv.ctx[tt.Other()].Msgs {
			if tmsg.srec != nil {
				if tmsg.srec.uid[tt] >= 0 {
					continue
				}
				if tmsg.srec.uid[tt] == -1 {
					if sv.ops(tt)&config.OpReNew == 0 {
						continue
					}
				} else if sv.ops(tt)&config.OpNew == 0 {
					continue
				}
			} else if sv.ops(tt)&config.OpNew == 0 {
				continue
			}
			sv.logger.Debugf("new message %d on %s", tmsg.UID, tt.Other())
			if sv.ops(tt)&config.OpExpunge != 0 && tmsg.Flags&FDeleted != 0 {
				sv.logger.Debugf("  -> not %sing - would be expunged anyway", tt.Direction())
				continue
			}
			var srec *syncRec
			if tmsg.srec != nil {
				srec = tmsg.srec
				srec.status |= sDone
				sv.logger.Debugf("  -> pair(%d,%d) exists", srec.uid[Master], srec.uid[Slave])
			} else {
				srec = &syncRec{status: sDone}
				srec.uid[tt.Other()] = tmsg.UID
				srec.uid[tt] = -2
				sv.appendRec(srec)
				writeNewUID(tt)
				sv.journalf("+ %d %d\n", srec.uid[Master], srec.uid[Slave])
				sv.logger.Debugf("  -> pair(%d,%d) created", srec.uid[Master], srec.uid[Slave])
			}
			maxSize := sv.storeConf(tt).MaxSize
			if tmsg.Flags&FFlagged != 0 || maxSize == 0 || tmsg.Size <= maxSize {
				writeNewUID(tt)
				if tmsg.Flags != 0 {
					srec.flags = tmsg.Flags
					sv.journalf("* %d %d %d\n", srec.uid[Master], srec.uid[Slave], srec.flags)
					sv.logger.Debugf("  -> updated flags to %s", tmsg.Flags)
				}
				srec.tuid = generateTUID()
				sv.newTotal[tt]++
				sv.stats()
				cv := &copyVars{cb: sv.msgCopied, t: tt, srec: srec, msg: tmsg}
				sv.journalf("# %d %d %s\n", srec.uid[Master], srec.uid[Slave], srec.tuid)
				sv.journalSync()
				sv.logger.Debugf("  -> %sing message, TUID %s", tt.Direction(), srec.tuid)
				if sv.copyMsg(cv) {
					return
				}
			} else {
				if tmsg.srec != nil {
					sv.logger.Debugf("  -> not %sing - still too big", tt.Direction())
				} else {
					sv.logger.Debugf("  -> not %sing - too big", tt.Direction())
					sv.msgCopiedP2(srec, tt, tmsg, -1)
				}
			}
		}
		sv.state[tt] |= stSentNew
		sv.msgsCopied(tt)
		if sv.checkCancel() {
			return
		}
	}

	sv.logger.Debugf("synchronizing old entries")
	for _, srec := range sv.srecs[:sv.osrecs] {
		if srec.status&(sDead|sDone) != 0 {
			continue
		}
		sv.logger.Debugf("pair (%d,%d)", srec.uid[Master], srec.uid[Slave])
		if srec.uid[Master] == 0 && srec.uid[Slave] == 0 {
			// no ground on either side; must have been compacted long ago
			sv.logger.Errorf("Error: sync record (0,0) is impossible")
			srec.status = sDead
			sv.journalf("- 0 0\n")
			continue
		}
		var no, del [2]bool
		no[Master] = srec.msg[Master] == nil && sv.ctx[Master].Opts&OpenOld != 0
		no[Slave] = srec.msg[Slave] == nil && sv.ctx[Slave].Opts&OpenOld != 0
		if no[Master] && no[Slave] {
			sv.logger.Debugf("  vanished")
			// d.1) d.5) d.6) d.10) d.11)
			srec.status = sDead
			sv.journalf("- %d %d\n", srec.uid[Master], srec.uid[Slave])
		} else {
			del[Master] = no[Master] && srec.uid[Master] > 0
			del[Slave] = no[Slave] && srec.uid[Slave] > 0

			for t := Master; t <= Slave; t++ {
				t := t
				srec.aflags[t] = 0
				srec.dflags[t] = 0
				if srec.msg[t] != nil && srec.msg[t].Flags&FDeleted != 0 {
					srec.status |= sDel(t)
				}
				// excludes (push) c.3) d.2) d.3) d.4) / (pull) b.3) d.7) d.8) d.9)
				if srec.uid[t] == 0 {
					// b.1) / c.1)
					sv.logger.Debugf("  no more %s", t)
				} else if del[t.Other()] {
					// c.4) d.9) / b.4) d.4)
					if srec.msg[t] != nil && srec.msg[t].Status&MFlags != 0 && srec.msg[t].Flags != srec.flags {
						sv.logger.Infof("Info: conflicting changes in (%d,%d)", srec.uid[Master], srec.uid[Slave])
					}
					if sv.ops(t)&config.OpDelete != 0 {
						sv.logger.Debugf("  %sing delete", t.Direction())
						sv.flagsTotal[t]++
						sv.stats()
						srec := srec
						if sv.driverCall(t, func() {
							sv.drv[t].SetFlags(sv.ctx[t], srec.msg[t], srec.uid[t], FDeleted, 0, func(sts Status) {
								sv.flagsSetDel(t, srec, sts)
							})
						}) {
							return
						}
					} else {
						sv.logger.Debugf("  not %sing delete", t.Direction())
					}
				} else if srec.msg[t.Other()] == nil {
					// c.1) c.2) d.7) d.8) / b.1) b.2) d.2) d.3)
				} else if srec.uid[t] < 0 {
					// b.2) / c.2)
					// handled as new messages (sort of)
				} else if !del[t] {
					// a) & b.3) / c.3)
					if sv.ops(t)&config.OpFlags != 0 {
						sflags := srec.msg[t.Other()].Flags
						if srec.status&(sExpire|sExpired) != 0 && t == Master {
							sflags &^= FDeleted
						}
						srec.aflags[t] = sflags &^ srec.flags
						srec.dflags[t] = srec.flags &^ sflags
						sv.logger.Debugf("  %sing flags: +%s -%s", t.Direction(), srec.aflags[t], srec.dflags[t])
					} else {
						sv.logger.Debugf("  not %sing flags", t.Direction())
					}
				} // else b.4) / c.4)
			}
		}
	}

	if sv.ops(Slave)&(config.OpNew|config.OpReNew|config.OpFlags) != 0 && sv.chanconf.MaxMessages > 0 {
		// Flagged and not yet synced messages older than the first not
		// expired message are not counted.
		todel := sv.ctx[Slave].Count + sv.newTotal[Slave] - sv.chanconf.MaxMessages
		sv.logger.Debugf("scheduling %d excess messages for expiration", todel)
		for _, tmsg := range sv.ctx[Slave].Msgs {
			if todel <= 0 {
				break
			}
			srec := tmsg.srec
			if tmsg.Status&MDead == 0 && srec != nil &&
				(tmsg.Flags|srec.aflags[Slave])&^srec.dflags[Slave]&FDeleted != 0 &&
				srec.status&(sExpire|sExpired) == 0 {
				todel--
			}
		}
		sv.logger.Debugf("%d non-deleted excess messages", todel)
		for _, tmsg := range sv.ctx[Slave].Msgs {
			if tmsg.Status&MDead != 0 {
				continue
			}
			srec := tmsg.srec
			if srec == nil || srec.uid[Master] <= 0 {
				todel--
				continue
			}
			nflags := (tmsg.Flags | srec.aflags[Slave]) &^ srec.dflags[Slave]
			if nflags&FDeleted == 0 || srec.status&(sExpire|sExpired) != 0 {
				if nflags&FFlagged != 0 {
					todel--
				} else if (tmsg.Status&MRecent == 0 || tmsg.Flags&FSeen != 0) &&
					(todel > 0 ||
						srec.status&(sExpire|sExpired) == (sExpire|sExpired) ||
						(srec.status&(sExpire|sExpired) != 0 && tmsg.Flags&FDeleted != 0)) {
					srec.status |= sNExpire
					sv.logger.Debugf("  pair(%d,%d)", srec.uid[Master], srec.uid[Slave])
					todel--
				}
			}
		}
		sv.logger.Debugf("%d excess messages remain", todel)
		for _, srec := range sv.srecs {
			if srec.status&(sDead|sDone) != 0 || srec.msg[Slave] == nil {
				continue
			}
			nex := srec.status&sNExpire != 0
			if nex != (srec.status&sExpired != 0) {
				if nex != (srec.status&sExpire != 0) {
					sv.journalf("~ %d %d %d\n", srec.uid[Master], srec.uid[Slave], boolToInt(nex))
					sv.logger.Debugf("  pair(%d,%d): %d (pre)", srec.uid[Master], srec.uid[Slave], boolToInt(nex))
					if nex {
						srec.status |= sExpire
					} else {
						srec.status &^= sExpire
					}
				} else {
					sv.logger.Debugf("  pair(%d,%d): %d (pending)", srec.uid[Master], srec.uid[Slave], boolToInt(nex))
				}
			}
		}
	}

	sv.logger.Debugf("synchronizing flags")
	for _, srec := range sv.srecs[:sv.osrecs] {
		if srec.status&(sDead|sDone) != 0 {
			continue
		}
		for t := Master; t <= Slave; t++ {
			t := t
			srec := srec
			aflags := srec.aflags[t]
			dflags := srec.dflags[t]
			if t == Slave && (srec.status&sExpire != 0) != (srec.status&sExpired != 0) {
				if srec.status&sNExpire != 0 {
					aflags |= FDeleted
				} else {
					dflags |= FDeleted
				}
			}
			if sv.ops(t)&config.OpExpunge != 0 && (msgFlags(srec.msg[t])|aflags)&^dflags&FDeleted != 0 &&
				(sv.storeConf(t).Trash == "" || sv.storeConf(t).TrashOnlyNew) {
				srec.aflags[t] &= FDeleted
				aflags &= FDeleted
				srec.dflags[t] = 0
				dflags = 0
			}
			if srec.msg[t] != nil && srec.msg[t].Status&MFlags != 0 {
				aflags &^= srec.msg[t].Flags
				dflags &= srec.msg[t].Flags
			}
			if aflags|dflags != 0 {
				sv.flagsTotal[t]++
				sv.stats()
				aflags, dflags := aflags, dflags
				if sv.driverCall(t, func() {
					sv.drv[t].SetFlags(sv.ctx[t], srec.msg[t], srec.uid[t], aflags, dflags, func(sts Status) {
						sv.flagsSetSync(t, srec, aflags, dflags, sts)
					})
				}) {
					return
				}
			} else {
				sv.flagsSetSyncP2(srec, t)
			}
		}
	}
	for t := Master; t <= Slave; t++ {
		sv.drv[t].Commit(sv.ctx[t])
		sv.state[t] |= stSentFlags
		if sv.msgsFlagsSet(t) {
			return
		}
	}
}

func msgFlags(m *Message) Flags {
	if m == nil {
		return 0
	}
	return m.Flags
}

func (sv *Sync) msgCopied(cv *copyVars, sts int, uid int32) {
	if sts == SyncCanceled {
		return
	}
	t := cv.t
	switch sts {
	case SyncOK:
		if uid < 0 {
			// uid not known yet; keep the record in flight so the
			// tracking id lookup can bind it after FindNewMsgs
			sv.state[t] |= stFindMsgs
			sv.msgCopiedLink(cv.srec, t, cv.msg)
		} else {
			sv.msgCopiedP2(cv.srec, t, cv.msg, uid)
		}
	case SyncNoGood:
		sv.logger.Debugf("  -> killing (%d,%d)", cv.srec.uid[Master], cv.srec.uid[Slave])
		cv.srec.status = sDead
		sv.journalf("- %d %d\n", cv.srec.uid[Master], cv.srec.uid[Slave])
	default:
		sv.cancelSync()
		return
	}
	sv.newDone[t]++
	sv.stats()
	sv.msgsCopied(t)
}

func (sv *Sync) msgCopiedP2(srec *syncRec, t Side, tmsg *Message, uid int32) {
	if srec.uid[t] != uid {
		sv.logger.Debugf("  -> new UID %d", uid)
		sv.journalf("%c %d %d %d\n", bindOps[t], srec.uid[Master], srec.uid[Slave], uid)
		srec.uid[t] = uid
		srec.tuid = ""
	}
	if uid > 0 && sv.maxuid[t] < uid {
		sv.maxuid[t] = uid
		sv.journalf("%c %d\n", maxuidOps[t], uid)
	}
	sv.msgCopiedLink(srec, t, tmsg)
}

func (sv *Sync) msgCopiedLink(srec *syncRec, t Side, tmsg *Message) {
	if tmsg.srec == nil {
		tmsg.srec = srec
		if sv.maxuid[t.Other()] < tmsg.UID {
			sv.maxuid[t.Other()] = tmsg.UID
			sv.journalf("%c %d\n", maxuidOps[t.Other()], tmsg.UID)
		}
	}
}

func (sv *Sync) msgsCopied(t Side) {
	if sv.state[t]&stSentNew == 0 || sv.newDone[t] < sv.newTotal[t] {
		return
	}

	if sv.state[t]&stFindMsgs != 0 {
		sv.logger.Debugf("finding just copied messages on %s", t)
		sv.drv[t].FindNewMsgs(sv.ctx[t], func(sts Status) {
			sv.msgsFoundNew(t, sts)
		})
	} else {
		sv.msgsNewDone(t)
	}
}

func (sv *Sync) msgsFoundNew(t Side, sts Status) {
	if sv.checkRet(t, sts) {
		return
	}
	switch sts {
	case DrvOK:
		sv.logger.Debugf("matching just copied messages on %s", t)
	default:
		sv.logger.Warningf("Warning: cannot find newly stored messages on %s.", t)
	}
	sv.state[t] &^= stFindMsgs
	sv.matchTUIDs(t)
	sv.msgsNewDone(t)
}

func (sv *Sync) msgsNewDone(t Side) {
	sv.state[t] |= stFoundNew
	sv.syncClose(t)
}

func (sv *Sync) flagsSetDel(t Side, srec *syncRec, sts Status) {
	if sv.checkRet(t, sts) {
		return
	}
	switch sts {
	case DrvOK:
		srec.status |= sDel(t)
		sv.journalf("%c %d %d 0\n", bindOps[t.Other()], srec.uid[Master], srec.uid[Slave])
		srec.uid[t.Other()] = 0
	}
	sv.flagsDone[t]++
	sv.stats()
	sv.msgsFlagsSet(t)
}

func (sv *Sync) flagsSetSync(t Side, srec *syncRec, aflags, dflags Flags, sts Status) {
	if sv.checkRet(t, sts) {
		return
	}
	switch sts {
	case DrvOK:
		if aflags&FDeleted != 0 {
			srec.status |= sDel(t)
		} else if dflags&FDeleted != 0 {
			srec.status &^= sDel(t)
		}
		sv.flagsSetSyncP2(srec, t)
	}
	sv.flagsDone[t]++
	sv.stats()
	sv.msgsFlagsSet(t)
}

func (sv *Sync) flagsSetSyncP2(srec *syncRec, t Side) {
	nflags := (srec.flags | srec.aflags[t]) &^ srec.dflags[t]
	if srec.flags != nflags {
		sv.logger.Debugf("  pair(%d,%d): updating flags (%s -> %s)", srec.uid[Master], srec.uid[Slave], srec.flags, nflags)
		srec.flags = nflags
		sv.journalf("* %d %d %d\n", srec.uid[Master], srec.uid[Slave], nflags)
	}
	if t == Slave {
		nex := srec.status&sNExpire != 0
		if nex != (srec.status&sExpired != 0) {
			if nex && sv.smaxxuid < srec.uid[Slave] {
				sv.smaxxuid = srec.uid[Slave]
			}
			sv.journalf("/ %d %d\n", srec.uid[Master], srec.uid[Slave])
			sv.logger.Debugf("  pair(%d,%d): expired %d (commit)", srec.uid[Master], srec.uid[Slave], boolToInt(nex))
			if nex {
				srec.status |= sExpired
			} else {
				srec.status &^= sExpired
			}
		} else if nex != (srec.status&sExpire != 0) {
			sv.journalf("\\ %d %d\n", srec.uid[Master], srec.uid[Slave])
			sv.logger.Debugf("  pair(%d,%d): expire %d (cancel)", srec.uid[Master], srec.uid[Slave], boolToInt(nex))
			if nex {
				srec.status |= sExpire
			} else {
				srec.status &^= sExpire
			}
		}
	}
}

func (sv *Sync) msgsFlagsSet(t Side) bool {
	if sv.state[t]&stSentFlags == 0 || sv.flagsDone[t] < sv.flagsTotal[t] {
		return false
	}

	if sv.ops(t)&config.OpExpunge != 0 &&
		(sv.storeConf(t).Trash != "" || (sv.storeConf(t.Other()).Trash != "" && sv.storeConf(t.Other()).TrashRemoteNew)) {
		sv.logger.Debugf("trashing in %s", t)
		for _, tmsg := range sv.ctx[t].Msgs {
			if tmsg.Flags&FDeleted == 0 {
				continue
			}
			if sv.storeConf(t).Trash != "" {
				if !sv.storeConf(t).TrashOnlyNew || tmsg.srec == nil || tmsg.srec.uid[t.Other()] < 0 {
					sv.logger.Debugf("%s: trashing message %d", t, tmsg.UID)
					sv.trashTotal[t]++
					sv.stats()
					tmsg := tmsg
					if sv.driverCall(t, func() {
						sv.drv[t].TrashMsg(sv.ctx[t], tmsg, func(sts Status) {
							sv.msgTrashed(t, sts)
						})
					}) {
						return true
					}
				} else {
					sv.logger.Debugf("%s: not trashing message %d - not new", t, tmsg.UID)
				}
			} else {
				if tmsg.srec == nil || tmsg.srec.uid[t.Other()] < 0 {
					maxSize := sv.storeConf(t.Other()).MaxSize
					if maxSize == 0 || tmsg.Size <= maxSize {
						sv.logger.Debugf("%s: remote trashing message %d", t, tmsg.UID)
						sv.trashTotal[t]++
						sv.stats()
						cv := &copyVars{cb: sv.msgRTrashed, t: t.Other(), msg: tmsg}
						if sv.copyMsg(cv) {
							return true
						}
					} else {
						sv.logger.Debugf("%s: not remote trashing message %d - too big", t, tmsg.UID)
					}
				} else {
					sv.logger.Debugf("%s: not remote trashing message %d - not new", t, tmsg.UID)
				}
			}
		}
	}
	sv.state[t] |= stSentTrash
	sv.syncClose(t)
	return false
}

func (sv *Sync) msgTrashed(t Side, sts Status) {
	if sts == DrvMsgBad {
		sts = DrvBoxBad
	}
	if sv.checkRet(t, sts) {
		return
	}
	sv.trashDone[t]++
	sv.stats()
	sv.syncClose(t)
}

func (sv *Sync) msgRTrashed(cv *copyVars, sts int, uid int32) {
	if sts == SyncCanceled {
		return
	}
	switch sts {
	case SyncOK, SyncNoGood: // the message is gone or heavily busted
	default:
		sv.cancelSync()
		return
	}
	t := cv.t.Other()
	sv.trashDone[t]++
	sv.stats()
	sv.syncClose(t)
}

func (sv *Sync) syncClose(t Side) {
	if (^sv.state[t])&(stFoundNew|stSentTrash) != 0 ||
		sv.trashDone[t] < sv.trashTotal[t] {
		return
	}

	if sv.ops(t)&config.OpExpunge != 0 {
		sv.logger.Debugf("expunging %s", t)
		sv.drv[t].Close(sv.ctx[t], func(sts Status) {
			sv.boxClosed(t, sts)
		})
	} else {
		sv.boxClosedP2(t)
	}
}

func (sv *Sync) boxClosed(t Side, sts Status) {
	if sv.checkRet(t, sts) {
		return
	}
	sv.state[t] |= stDidExpunge
	sv.boxClosedP2(t)
}

func (sv *Sync) boxClosedP2(t Side) {
	sv.state[t] |= stClosed
	if sv.state[t.Other()]&stClosed == 0 {
		return
	}

	if (sv.state[Master]|sv.state[Slave])&stDidExpunge != 0 {
		// This cleanup is not strictly necessary, as the next full sync
		// would throw out the dead entries anyway. But ...
		minwuid := int32(math.MaxInt32)
		if sv.smaxxuid != 0 {
			sv.logger.Debugf("preparing entry purge - max expired slave uid is %d", sv.smaxxuid)
			for _, srec := range sv.srecs {
				if srec.status&sDead != 0 {
					continue
				}
				if !((srec.uid[Slave] <= 0 || (srec.status&sDel(Slave) != 0 && sv.state[Slave]&stDidExpunge != 0)) &&
					(srec.uid[Master] <= 0 || (srec.status&sDel(Master) != 0 && sv.state[Master]&stDidExpunge != 0) || srec.status&sExpired != 0)) &&
					sv.smaxxuid < srec.uid[Slave] && minwuid > srec.uid[Master] {
					minwuid = srec.uid[Master]
				}
			}
			sv.logger.Debugf("  min non-orphaned master uid is %d", minwuid)
		}

		for _, srec := range sv.srecs {
			if srec.status&sDead != 0 {
				continue
			}
			if srec.uid[Slave] <= 0 || (srec.status&sDel(Slave) != 0 && sv.state[Slave]&stDidExpunge != 0) {
				if srec.uid[Master] <= 0 || (srec.status&sDel(Master) != 0 && sv.state[Master]&stDidExpunge != 0) ||
					(srec.status&sExpired != 0 && sv.maxuid[Master] >= srec.uid[Master] && minwuid > srec.uid[Master]) {
					sv.logger.Debugf("  -> killing (%d,%d)", srec.uid[Master], srec.uid[Slave])
					srec.status = sDead
					sv.journalf("- %d %d\n", srec.uid[Master], srec.uid[Slave])
				} else if srec.uid[Slave] > 0 {
					sv.logger.Debugf("  -> orphaning (%d,[%d])", srec.uid[Master], srec.uid[Slave])
					sv.journalf("> %d %d 0\n", srec.uid[Master], srec.uid[Slave])
					srec.uid[Slave] = 0
				}
			} else if srec.uid[Master] > 0 && srec.status&sDel(Master) != 0 && sv.state[Master]&stDidExpunge != 0 {
				sv.logger.Debugf("  -> orphaning ([%d],%d)", srec.uid[Master], srec.uid[Slave])
				sv.journalf("< %d %d 0\n", srec.uid[Master], srec.uid[Slave])
				srec.uid[Master] = 0
			}
		}
	}

	sv.writeNewState()
	sv.bail()
}
