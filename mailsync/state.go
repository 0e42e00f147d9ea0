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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/mback2k/isync/config"
)

const journalVersion = "2"

// Sync record status bits.
const (
	sDead    uint16 = 1 << 0 // tombstone, purged at state flush
	sDone    uint16 = 1 << 1 // handled by the new-messages pass
	sDelM    uint16 = 1 << 2
	sDelS    uint16 = 1 << 3
	sExpired uint16 = 1 << 4 // expired under the message cap
	sExpire  uint16 = 1 << 5 // pending expiration decision
	sNExpire uint16 = 1 << 6 // expiration wanted by this run
	sExpS    uint16 = 1 << 7 // slave side expired and gone
)

func sDel(t Side) uint16 {
	return 1 << (2 + uint(t))
}

// syncRec is one logical pairing between a master side message and a
// slave side message. The uid sentinels: >0 bound, 0 vanished, -1
// refused to place, -2 copy in flight (tuid carries the lookup tag).
type syncRec struct {
	uid    [2]int32
	msg    [2]*Message
	status uint16
	flags  Flags
	aflags [2]Flags
	dflags [2]Flags
	tuid   string
}

func cleanName(s string) string {
	return strings.Replace(s, "/", "!", -1)
}

// computeStatePaths derives the state, journal, new-state and lock
// file paths for the channel and creates the state directory.
func (sv *Sync) computeStatePaths() error {
	chanconf := sv.chanconf
	syncstate := chanconf.SyncState
	if syncstate == "" {
		syncstate = sv.globalconf.SyncStateDir
	}
	if syncstate == "*" {
		if sv.ctx[Slave].Path == "" {
			return fmt.Errorf("store \"%s\" does not support in-box sync state", chanconf.SlaveStore.Name)
		}
		sv.dname = filepath.Join(sv.ctx[Slave].Path, ".mbsyncstate")
	} else {
		csname := cleanName(sv.ctx[Slave].Name)
		if chanconf.SyncState != "" {
			sv.dname = chanconf.SyncState + csname
		} else {
			cmname := cleanName(sv.ctx[Master].Name)
			sv.dname = fmt.Sprintf("%s:%s:%s_:%s:%s", syncstate,
				chanconf.MasterStore.Name, cmname, chanconf.SlaveStore.Name, csname)
		}
		dir := filepath.Dir(sv.dname)
		if dir == "." {
			return fmt.Errorf("invalid sync state location \"%s\"", sv.dname)
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("cannot create sync state directory \"%s\": %s", dir, err)
		}
	}
	sv.jname = sv.dname + ".journal"
	sv.nname = sv.dname + ".new"
	sv.lname = sv.dname + ".lock"
	return nil
}

// lockState takes the advisory channel lock. A held lock means another
// run is active on the channel.
func (sv *Sync) lockState() error {
	lfile, err := os.OpenFile(sv.lname, os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		return fmt.Errorf("cannot create lock file %s: %s", sv.lname, err)
	}
	lck := syscall.Flock_t{
		Type:   syscall.F_WRLCK,
		Whence: 0,
	}
	if err := syscall.FcntlFlock(lfile.Fd(), syscall.F_SETLK, &lck); err != nil {
		lfile.Close()
		return fmt.Errorf("channel :%s:%s-:%s:%s is locked",
			sv.chanconf.MasterStore.Name, sv.ctx[Master].OrigName,
			sv.chanconf.SlaveStore.Name, sv.ctx[Slave].OrigName)
	}
	sv.lfile = lfile
	return nil
}

func (sv *Sync) appendRec(srec *syncRec) {
	sv.srecs = append(sv.srecs, srec)
	sv.recIdx = len(sv.srecs) - 1
}

// findRec looks up a record by its uid pair, starting at the most
// recently touched record and wrapping once.
func (sv *Sync) findRec(uidM, uidS int32) *syncRec {
	n := len(sv.srecs)
	for i := 0; i < n; i++ {
		idx := sv.recIdx + i
		if idx >= n {
			idx -= n
		}
		srec := sv.srecs[idx]
		if srec.uid[Master] == uidM && srec.uid[Slave] == uidS {
			sv.recIdx = idx
			return srec
		}
	}
	return nil
}

// loadState reads the authoritative state file. A missing file is a
// fresh channel.
func (sv *Sync) loadState() error {
	f, err := os.Open(sv.dname)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cannot read sync state %s: %s", sv.dname, err)
	}
	defer f.Close()
	sv.logger.Debugf("reading sync state %s ...", sv.dname)

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return fmt.Errorf("incomplete sync state header in %s", sv.dname)
	}
	var smaxxuid int
	var uvM, muM, uvS, muS int
	if n, _ := fmt.Sscanf(scanner.Text(), "%d:%d %d:%d:%d", &uvM, &muM, &uvS, &smaxxuid, &muS); n < 5 {
		return fmt.Errorf("invalid sync state header in %s", sv.dname)
	}
	sv.uidval[Master], sv.maxuid[Master] = int32(uvM), int32(muM)
	sv.uidval[Slave], sv.maxuid[Slave] = int32(uvS), int32(muS)
	sv.smaxxuid = int32(smaxxuid)

	line := 1
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || len(fields) > 3 {
			return fmt.Errorf("invalid sync state entry at %s:%d", sv.dname, line)
		}
		t1, err1 := strconv.ParseInt(fields[0], 10, 32)
		t2, err2 := strconv.ParseInt(fields[1], 10, 32)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("invalid sync state entry at %s:%d", sv.dname, line)
		}
		srec := &syncRec{}
		srec.uid[Master] = int32(t1)
		srec.uid[Slave] = int32(t2)
		fbuf := ""
		if len(fields) == 3 {
			fbuf = fields[2]
		}
		if strings.HasPrefix(fbuf, "X") {
			fbuf = fbuf[1:]
			srec.status = sExpire | sExpired
		}
		srec.flags = ParseFlags(fbuf)
		sv.logger.Debugf("  entry (%d,%d,%s,%s)", srec.uid[Master], srec.uid[Slave], srec.flags, expiredTag(srec))
		sv.appendRec(srec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("cannot read sync state %s: %s", sv.dname, err)
	}
	return nil
}

func expiredTag(srec *syncRec) string {
	if srec.status&sExpired != 0 {
		return "X"
	}
	return ""
}

// replayJournal applies a pending journal on top of the loaded state.
// The journal is only replayed when the staged new-state file exists
// too; otherwise the previous run completed and the journal is stale.
// Returns whether entries were replayed.
func (sv *Sync) replayJournal() (bool, error) {
	f, err := os.Open(sv.jname)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("cannot read journal %s: %s", sv.jname, err)
	}
	defer f.Close()
	if _, err := os.Stat(sv.nname); err != nil {
		return false, nil
	}

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return false, nil
	}
	sv.logger.Debugf("recovering journal ...")
	if scanner.Text() != journalVersion {
		return false, fmt.Errorf("incompatible journal version (got %s, expected %s)", scanner.Text(), journalVersion)
	}

	line := 1
	for scanner.Scan() {
		line++
		buf := scanner.Text()
		if len(buf) < 3 || buf[1] != ' ' {
			return false, fmt.Errorf("malformed journal entry at %s:%d", sv.jname, line)
		}
		op := buf[0]
		fields := strings.Fields(buf[2:])

		var args []int32
		var tuid string
		switch op {
		case '#':
			if len(fields) != 3 || len(fields[2]) != TUIDLength {
				return false, fmt.Errorf("malformed journal entry at %s:%d", sv.jname, line)
			}
			tuid = fields[2]
			fields = fields[:2]
		case '(', ')', '{', '}':
			if len(fields) != 1 {
				return false, fmt.Errorf("malformed journal entry at %s:%d", sv.jname, line)
			}
		case '+', '&', '-', '|', '/', '\\':
			if len(fields) != 2 {
				return false, fmt.Errorf("malformed journal entry at %s:%d", sv.jname, line)
			}
		case '<', '>', '*', '~':
			if len(fields) != 3 {
				return false, fmt.Errorf("malformed journal entry at %s:%d", sv.jname, line)
			}
		default:
			return false, fmt.Errorf("unrecognized journal entry at %s:%d", sv.jname, line)
		}
		for _, field := range fields {
			arg, err := strconv.ParseInt(field, 10, 32)
			if err != nil {
				return false, fmt.Errorf("malformed journal entry at %s:%d", sv.jname, line)
			}
			args = append(args, int32(arg))
		}

		switch op {
		case '(':
			sv.maxuid[Master] = args[0]
		case ')':
			sv.maxuid[Slave] = args[0]
		case '{':
			sv.newuid[Master] = args[0]
		case '}':
			sv.newuid[Slave] = args[0]
		case '|':
			sv.uidval[Master] = args[0]
			sv.uidval[Slave] = args[1]
		case '+':
			srec := &syncRec{}
			srec.uid[Master] = args[0]
			srec.uid[Slave] = args[1]
			sv.logger.Debugf("  new entry(%d,%d)", args[0], args[1])
			sv.appendRec(srec)
		default:
			srec := sv.findRec(args[0], args[1])
			if srec == nil {
				return false, fmt.Errorf("journal entry at %s:%d refers to non-existing sync state entry", sv.jname, line)
			}
			switch op {
			case '-':
				sv.logger.Debugf("  entry(%d,%d) killed", args[0], args[1])
				srec.status = sDead
			case '#':
				sv.logger.Debugf("  entry(%d,%d) TUID now %s", args[0], args[1], tuid)
				srec.tuid = tuid
			case '&':
				sv.logger.Debugf("  entry(%d,%d) TUID %s lost", args[0], args[1], srec.tuid)
				srec.flags = 0
				srec.tuid = ""
			case '<':
				sv.logger.Debugf("  entry(%d,%d) master now %d", args[0], args[1], args[2])
				srec.uid[Master] = args[2]
				srec.tuid = ""
			case '>':
				sv.logger.Debugf("  entry(%d,%d) slave now %d", args[0], args[1], args[2])
				srec.uid[Slave] = args[2]
				srec.tuid = ""
			case '*':
				sv.logger.Debugf("  entry(%d,%d) flags now %d", args[0], args[1], args[2])
				srec.flags = Flags(args[2])
			case '~':
				sv.logger.Debugf("  entry(%d,%d) expire now %d", args[0], args[1], args[2])
				if args[2] != 0 {
					srec.status |= sExpire
				} else {
					srec.status &^= sExpire
				}
			case '\\':
				expired := srec.status&sExpired != 0
				sv.logger.Debugf("  entry(%d,%d) expire back to %v", args[0], args[1], expired)
				if expired {
					srec.status |= sExpire
				} else {
					srec.status &^= sExpire
				}
			case '/':
				expire := srec.status&sExpire != 0
				sv.logger.Debugf("  entry(%d,%d) expired now %v", args[0], args[1], expire)
				if expire {
					if sv.smaxxuid < srec.uid[Slave] {
						sv.smaxxuid = srec.uid[Slave]
					}
					srec.status |= sExpired
				} else {
					srec.status &^= sExpired
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("cannot read journal %s: %s", sv.jname, err)
	}
	return true, nil
}

// openStateFiles creates the staged new-state file and opens the
// journal for appending. The version line is written only when the
// journal is fresh.
func (sv *Sync) openStateFiles(replayed bool) error {
	nfp, err := os.Create(sv.nname)
	if err != nil {
		return fmt.Errorf("cannot write new sync state %s: %s", sv.nname, err)
	}
	jfp, err := os.OpenFile(sv.jname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		nfp.Close()
		return fmt.Errorf("cannot write journal %s: %s", sv.jname, err)
	}
	sv.nfp = nfp
	sv.jfp = jfp
	if !replayed {
		sv.journalf("%s\n", journalVersion)
	}
	return nil
}

// journalf appends one journal entry. Write failures are fatal for
// the whole process: continuing would desync the stores from the
// recorded state.
func (sv *Sync) journalf(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(sv.jfp, format, args...); err != nil {
		sv.logger.Errorf("Error: cannot write journal. Disk full?")
		os.Exit(1)
	}
}

func (sv *Sync) journalSync() {
	if sv.fsyncLevel >= config.FsyncThorough {
		sv.jfp.Sync()
	}
}

// writeNewState serializes the surviving records into the staged state
// file and advances it over the old state. The rename is the
// linearization point; the journal is unlinked after it.
func (sv *Sync) writeNewState() {
	w := bufio.NewWriter(sv.nfp)
	fmt.Fprintf(w, "%d:%d %d:%d:%d\n",
		sv.uidval[Master], sv.maxuid[Master],
		sv.uidval[Slave], sv.smaxxuid, sv.maxuid[Slave])
	for _, srec := range sv.srecs {
		if srec.status&sDead != 0 {
			continue
		}
		fmt.Fprintf(w, "%d %d %s%s\n", srec.uid[Master], srec.uid[Slave],
			expiredTag(srec), srec.flags)
	}
	if err := w.Flush(); err != nil {
		sv.logger.Errorf("Error: cannot write file. Disk full?")
		os.Exit(1)
	}
	sv.closeNewState(true)
	sv.jfp.Close()
	sv.jfp = nil
	// order is important!
	os.Rename(sv.nname, sv.dname)
	os.Remove(sv.jname)
}

func (sv *Sync) closeNewState(safe bool) {
	if safe && sv.fsyncLevel >= config.FsyncNormal {
		if err := sv.nfp.Sync(); err != nil {
			sv.logger.Errorf("Error: cannot close file. Disk full?")
			os.Exit(1)
		}
	}
	if err := sv.nfp.Close(); err != nil {
		sv.logger.Errorf("Error: cannot close file. Disk full?")
		os.Exit(1)
	}
	sv.nfp = nil
}
