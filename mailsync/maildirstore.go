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
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mback2k/isync/config"
	"github.com/mback2k/isync/errors"
	"github.com/mback2k/isync/log"
)

// MaildirStore is the maildir Driver. One store drives one selected
// mailbox at a time; all operations run on a single worker goroutine.
type MaildirStore struct {
	globalconfig *config.Config
	conf         *config.StoreConfig
	name         string
	maildir      string
	loop         *Loop
	queue        *opQueue
	logger       *log.Logger
	e            *errors.Error

	// selected mailbox state
	boxpath     string
	uidvalidity int32
	uidnext     int32
	infoSep     byte
	uidmap      *uidMapDB
	files       map[int32]*maildirFile
	lastTime    int64
	lastTimeSeq uint32
}

type maildirFile struct {
	uid    int32
	base   string // filename without info suffix
	subdir string // cur or new
	flags  Flags
}

var uidTokenRe = regexp.MustCompile(`,u=(\d+),f=(\d+)`)

func NewMaildirStore(globalconfig *config.Config, conf *config.StoreConfig, loop *Loop) (m *MaildirStore, err error) {
	name := conf.Name
	logprefix := fmt.Sprintf("maildirstore: %s", name)
	logger := log.GetLogger(logprefix, globalconfig.LogLevel)
	e := errors.New(logprefix)

	if err = os.MkdirAll(conf.Maildir, 0777); err != nil {
		return nil, e.E(err)
	}

	infosep := byte(':')
	if conf.InfoSeparator != "" {
		infosep = conf.InfoSeparator[0]
	}

	m = &MaildirStore{
		globalconfig: globalconfig,
		conf:         conf,
		name:         name,
		maildir:      conf.Maildir,
		loop:         loop,
		queue:        newOpQueue(loop),
		logger:       logger,
		e:            e,
		infoSep:      infosep,
	}
	return m, nil
}

func (m *MaildirStore) DriverFlags() int {
	// maildir stores LF bodies
	return 0
}

func (m *MaildirStore) PrepareOpts(ctx *Store, opts int) {
	ctx.Opts = opts
}

func (m *MaildirStore) Commit(ctx *Store) {
	// flag changes are applied immediately
}

func (m *MaildirStore) Cancel(ctx *Store, cb func()) {
	m.queue.cancel(cb)
}

func (m *MaildirStore) CancelStore(ctx *Store) {
	m.queue.close()
	if m.uidmap != nil {
		m.uidmap.Close()
		m.uidmap = nil
	}
}

// boxPath resolves a mailbox name to its on-disk directory.
func (m *MaildirStore) boxPath(name string) string {
	if name == "INBOX" {
		return filepath.Join(m.maildir, filepath.Clean(m.conf.InboxPath))
	}
	return filepath.Join(m.maildir, strings.Replace(name, "/", string(m.conf.Separator), -1))
}

func (m *MaildirStore) getTimeSeq() (int64, uint32) {
	curtime := time.Now().Unix()
	if curtime == m.lastTime {
		m.lastTimeSeq++
	} else {
		m.lastTime = curtime
		m.lastTimeSeq = 0
	}
	return curtime, m.lastTimeSeq
}

func (m *MaildirStore) generateBase(uid int32) (string, error) {
	t, seq := m.getTimeSeq()
	hostname, err := os.Hostname()
	if err != nil {
		return "", err
	}
	if m.conf.UIDMapping == "db" {
		return fmt.Sprintf("%d_%d.%d.%s", t, seq, os.Getpid(), hostname), nil
	}
	return fmt.Sprintf("%d_%d.%d.%s,u=%d,f=%d", t, seq, os.Getpid(), hostname, uid, m.uidvalidity), nil
}

// splitFilename returns the base name and ordered flags of a maildir
// file name.
func (m *MaildirStore) splitFilename(fullname string) (string, Flags, error) {
	idx := strings.IndexByte(fullname, m.infoSep)
	if idx < 0 {
		return "", 0, fmt.Errorf("Wrong filename format: %s", fullname)
	}
	info := fullname[idx+1:]
	if !strings.HasPrefix(info, "2,") {
		return "", 0, fmt.Errorf("Wrong filename format: %s", fullname)
	}
	return fullname[:idx], parseMaildirFlags(info[2:]), nil
}

// parseMaildirFlags tolerates unordered and unknown flag characters.
func parseMaildirFlags(s string) Flags {
	var flags Flags
	for i := 0; i < len(s); i++ {
		for f := 0; f < NumFlags; f++ {
			if s[i] == flagChars[f] {
				flags |= 1 << uint(f)
			}
		}
	}
	return flags
}

func (m *MaildirStore) fullName(mf *maildirFile) string {
	return mf.base + string(m.infoSep) + "2," + mf.flags.String()
}

func (m *MaildirStore) filePath(mf *maildirFile) string {
	return filepath.Join(m.boxpath, mf.subdir, m.fullName(mf))
}

// uidvalidity file handling. The file carries the mailbox uid
// validity and the next uid to assign.
func (m *MaildirStore) uvPath() string {
	return filepath.Join(m.boxpath, ".isyncuidvalidity")
}

func (m *MaildirStore) readUIDValidity() error {
	f, err := os.Open(m.uvPath())
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return fmt.Errorf("incomplete uidvalidity file in %s", m.boxpath)
	}
	var uv, un int
	if n, _ := fmt.Sscanf(scanner.Text(), "%d %d", &uv, &un); n < 2 {
		return fmt.Errorf("invalid uidvalidity file in %s", m.boxpath)
	}
	m.uidvalidity = int32(uv)
	m.uidnext = int32(un)
	return nil
}

func (m *MaildirStore) writeUIDValidity() error {
	tmppath := m.uvPath() + ".tmp"
	fo, err := os.Create(tmppath)
	if err != nil {
		return err
	}
	if _, err = fmt.Fprintf(fo, "%d %d\n", m.uidvalidity, m.uidnext); err != nil {
		fo.Close()
		return err
	}
	if err = fo.Sync(); err != nil {
		fo.Close()
		return err
	}
	if err = fo.Close(); err != nil {
		return err
	}
	return os.Rename(tmppath, m.uvPath())
}

func (m *MaildirStore) nextUID() (int32, error) {
	uid := m.uidnext
	m.uidnext++
	if err := m.writeUIDValidity(); err != nil {
		return 0, err
	}
	return uid, nil
}

func (m *MaildirStore) Select(ctx *Store, create bool, cb func(sts Status)) {
	m.queue.submit(func() {
		sts := m.doSelect(ctx, create)
		m.loop.Post(func() { cb(sts) })
	}, func() { cb(DrvCanceled) })
}

func (m *MaildirStore) doSelect(ctx *Store, create bool) Status {
	m.boxpath = m.boxPath(ctx.Name)
	if _, err := os.Stat(filepath.Join(m.boxpath, "cur")); err != nil {
		if !os.IsNotExist(err) {
			m.logger.Errorf("Error: %s", err)
			return DrvBoxBad
		}
		if !create {
			m.logger.Errorf("Error: mailbox %s does not exist", ctx.Name)
			return DrvBoxBad
		}
		if err := m.createBox(m.boxpath); err != nil {
			m.logger.Errorf("Error: %s", err)
			return DrvBoxBad
		}
	}
	if err := m.readUIDValidity(); err != nil {
		if !os.IsNotExist(err) {
			m.logger.Errorf("Error: %s", err)
			return DrvBoxBad
		}
		m.uidvalidity = int32(time.Now().Unix())
		m.uidnext = 1
		if err := m.writeUIDValidity(); err != nil {
			m.logger.Errorf("Error: %s", err)
			return DrvBoxBad
		}
	}
	if m.conf.UIDMapping == "db" {
		uidmap, err := openUIDMapDB(filepath.Join(m.boxpath, ".isyncuidmap.db"))
		if err != nil {
			m.logger.Errorf("Error: %s", err)
			return DrvBoxBad
		}
		m.uidmap = uidmap
	}

	count, recent := 0, 0
	for _, d := range []string{"cur", "new"} {
		names, err := readDirNames(filepath.Join(m.boxpath, d))
		if err != nil {
			m.logger.Errorf("Error: %s", err)
			return DrvBoxBad
		}
		for _, n := range names {
			if strings.HasPrefix(n, ".") {
				continue
			}
			count++
			if d == "new" {
				recent++
			}
		}
	}
	ctx.Path = m.boxpath
	ctx.UIDValidity = m.uidvalidity
	ctx.UIDNext = m.uidnext
	ctx.Count = count
	ctx.Recent = recent
	return DrvOK
}

func (m *MaildirStore) createBox(path string) error {
	for _, d := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(path, d), 0777); err != nil {
			return err
		}
	}
	return nil
}

func readDirNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(0)
}

func (m *MaildirStore) Load(ctx *Store, minuid, maxuid, newuid int32, excs []int32, cb func(sts Status)) {
	m.queue.submit(func() {
		sts := m.doLoad(ctx, minuid, maxuid, newuid, excs)
		m.loop.Post(func() { cb(sts) })
	}, func() { cb(DrvCanceled) })
}

func (m *MaildirStore) wantUID(uid, minuid, maxuid int32, excs []int32) bool {
	if uid >= minuid && uid <= maxuid {
		return true
	}
	for _, exc := range excs {
		if uid == exc {
			return true
		}
	}
	return false
}

// scanBox indexes the mailbox directories, assigning uids to files
// which have none yet. The assignment is persisted before the message
// is reported, so repeated scans are stable.
func (m *MaildirStore) scanBox() (map[int32]*maildirFile, error) {
	files := make(map[int32]*maildirFile)
	for _, d := range []string{"cur", "new"} {
		names, err := readDirNames(filepath.Join(m.boxpath, d))
		if err != nil {
			return nil, m.e.E(err)
		}
		for _, n := range names {
			if strings.HasPrefix(n, ".") {
				continue
			}
			base, flags, err := m.splitFilename(n)
			if err != nil {
				if d != "new" || strings.ContainsRune(n, rune(m.infoSep)) {
					m.logger.Debugf("Split error: %s. Ignoring message filename: %s/%s", err, d, n)
					continue
				}
				// Accept a file without flags in "new"
				base = n
				flags = 0
			}

			mf := &maildirFile{base: base, subdir: d, flags: flags}
			if m.uidmap != nil {
				uid, ok, err := m.uidmap.uidForFile(base)
				if err != nil {
					return nil, m.e.E(err)
				}
				if !ok {
					if uid, err = m.nextUID(); err != nil {
						return nil, m.e.E(err)
					}
					if err = m.uidmap.addMapping(base, uid); err != nil {
						return nil, m.e.E(err)
					}
					m.logger.Debugf("Assigned uid %d to message %s", uid, base)
				}
				mf.uid = uid
			} else {
				match := uidTokenRe.FindStringSubmatch(base)
				var uid int64
				if len(match) == 3 {
					uid, _ = strconv.ParseInt(match[1], 10, 32)
					fuid, _ := strconv.ParseInt(match[2], 10, 32)
					if int32(fuid) != m.uidvalidity {
						uid = 0
					}
				}
				if uid == 0 {
					nuid, err := m.nextUID()
					if err != nil {
						return nil, m.e.E(err)
					}
					newbase, err := m.generateBase(nuid)
					if err != nil {
						return nil, m.e.E(err)
					}
					nmf := &maildirFile{uid: nuid, base: newbase, subdir: d, flags: flags}
					oldpath := filepath.Join(m.boxpath, d, n)
					if err := os.Rename(oldpath, m.filePath(nmf)); err != nil {
						return nil, m.e.E(err)
					}
					m.logger.Debugf("Assigned uid %d to message %s", nuid, newbase)
					mf = nmf
				} else {
					mf.uid = int32(uid)
				}
			}
			if prev, ok := files[mf.uid]; ok {
				m.logger.Warningf("Warning: duplicate uid %d (%s and %s); ignoring both", mf.uid, prev.base, mf.base)
				delete(files, mf.uid)
				continue
			}
			files[mf.uid] = mf
		}
	}
	return files, nil
}

func (m *MaildirStore) doLoad(ctx *Store, minuid, maxuid, newuid int32, excs []int32) Status {
	files, err := m.scanBox()
	if err != nil {
		m.logger.Errorf("Error: %s", err)
		return DrvBoxBad
	}
	m.files = files
	if maxuid == 0 {
		maxuid = minuid - 1 // range empty, excs only
	}

	ctx.Msgs = nil
	for uid, mf := range files {
		if !m.wantUID(uid, minuid, maxuid, excs) {
			continue
		}
		msg := &Message{
			UID:    uid,
			Flags:  mf.flags,
			Status: MFlags,
		}
		if mf.subdir == "new" {
			msg.Status |= MRecent
		}
		if ctx.Opts&(OpenSize|OpenTime) != 0 {
			fi, err := os.Stat(m.filePath(mf))
			if err != nil {
				m.logger.Debugf("cannot stat %s: %s", mf.base, err)
			} else {
				if ctx.Opts&OpenSize != 0 {
					msg.Size = uint(fi.Size())
				}
				if ctx.Opts&OpenTime != 0 {
					msg.Time = fi.ModTime().Unix()
					msg.Status |= MTime
				}
			}
		}
		if ctx.Opts&OpenFind != 0 && uid >= newuid {
			msg.TUID = m.readTUID(mf)
		}
		ctx.Msgs = append(ctx.Msgs, msg)
	}
	sortMsgs(ctx.Msgs)
	ctx.UIDNext = m.uidnext
	return DrvOK
}

// readTUID scans the header of the message file for the tracking id.
func (m *MaildirStore) readTUID(mf *maildirFile) string {
	f, err := os.Open(m.filePath(mf))
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "X-TUID: ") {
			tuid := line[8:]
			if len(tuid) == TUIDLength {
				return tuid
			}
			return ""
		}
	}
	return ""
}

func (m *MaildirStore) findFile(msg *Message, uid int32) *maildirFile {
	if msg != nil {
		uid = msg.UID
	}
	return m.files[uid]
}

func (m *MaildirStore) FetchMsg(ctx *Store, msg *Message, data *MessageData, cb func(sts Status)) {
	m.queue.submit(func() {
		sts := m.doFetchMsg(msg, data)
		m.loop.Post(func() { cb(sts) })
	}, func() { cb(DrvCanceled) })
}

func (m *MaildirStore) doFetchMsg(msg *Message, data *MessageData) Status {
	mf := m.findFile(msg, msg.UID)
	if mf == nil {
		m.logger.Errorf("Error: cannot find message with uid: %d", msg.UID)
		return DrvMsgBad
	}
	buf, err := ioutil.ReadFile(m.filePath(mf))
	if err != nil {
		m.logger.Debugf("Cannot read file: %s", err)
		return DrvMsgBad
	}
	fi, err := os.Stat(m.filePath(mf))
	if err == nil {
		data.Time = fi.ModTime().Unix()
	}
	data.Data = buf
	data.Flags = mf.flags
	return DrvOK
}

func (m *MaildirStore) StoreMsg(ctx *Store, data *MessageData, toTrash bool, cb func(sts Status, uid int32)) {
	m.queue.submit(func() {
		sts, uid := m.doStoreMsg(ctx, data, toTrash)
		m.loop.Post(func() { cb(sts, uid) })
	}, func() { cb(DrvCanceled, 0) })
}

func (m *MaildirStore) doStoreMsg(ctx *Store, data *MessageData, toTrash bool) (Status, int32) {
	boxpath := m.boxpath
	var uid int32
	var err error
	if toTrash {
		boxpath = m.boxPath(m.conf.Trash)
		if err := m.createBox(boxpath); err != nil {
			m.logger.Errorf("Error: %s", err)
			return DrvBoxBad, 0
		}
	} else {
		if uid, err = m.nextUID(); err != nil {
			m.logger.Errorf("Error: %s", err)
			return DrvBoxBad, 0
		}
	}

	base, err := m.generateBase(uid)
	if err != nil {
		m.logger.Errorf("Error: %s", err)
		return DrvBoxBad, 0
	}
	mf := &maildirFile{uid: uid, base: base, subdir: "cur", flags: data.Flags}
	fullname := m.fullName(mf)

	tmppath := filepath.Join(boxpath, "tmp", fullname)
	curpath := filepath.Join(boxpath, "cur", fullname)

	fo, err := os.Create(tmppath)
	if err != nil {
		m.logger.Errorf("Error: %s", err)
		return DrvBoxBad, 0
	}
	w := bufio.NewWriter(fo)
	if _, err := w.Write(data.Data); err != nil {
		fo.Close()
		m.logger.Errorf("Error: %s", err)
		return DrvBoxBad, 0
	}
	if err := w.Flush(); err != nil {
		fo.Close()
		m.logger.Errorf("Error: %s", err)
		return DrvBoxBad, 0
	}
	if err := fo.Close(); err != nil {
		m.logger.Errorf("Error: %s", err)
		return DrvBoxBad, 0
	}
	if err := os.Rename(tmppath, curpath); err != nil {
		m.logger.Errorf("Error: %s", err)
		return DrvBoxBad, 0
	}
	if data.Time != 0 {
		t := time.Unix(data.Time, 0)
		os.Chtimes(curpath, t, t)
	}

	if toTrash {
		return DrvOK, -1
	}
	if m.uidmap != nil {
		if err := m.uidmap.addMapping(base, uid); err != nil {
			m.logger.Errorf("Error: %s", err)
			return DrvBoxBad, 0
		}
	}
	if m.files != nil {
		m.files[uid] = mf
	}
	return DrvOK, uid
}

func (m *MaildirStore) FindNewMsgs(ctx *Store, cb func(sts Status)) {
	m.queue.submit(func() {
		sts := m.doFindNewMsgs(ctx)
		m.loop.Post(func() { cb(sts) })
	}, func() { cb(DrvCanceled) })
}

// doFindNewMsgs indexes files which are not indexed yet (neither by the
// load nor by StoreMsg), reading their tracking ids. Rescanning is idempotent: uids are persisted at
// assignment.
func (m *MaildirStore) doFindNewMsgs(ctx *Store) Status {
	files, err := m.scanBox()
	if err != nil {
		m.logger.Errorf("Error: %s", err)
		return DrvBoxBad
	}
	for uid, mf := range files {
		if _, ok := m.files[uid]; ok {
			continue
		}
		m.files[uid] = mf
		msg := &Message{
			UID:    uid,
			Flags:  mf.flags,
			Status: MFlags,
			TUID:   m.readTUID(mf),
		}
		if mf.subdir == "new" {
			msg.Status |= MRecent
		}
		ctx.Msgs = append(ctx.Msgs, msg)
	}
	sortMsgs(ctx.Msgs)
	ctx.UIDNext = m.uidnext
	return DrvOK
}

func (m *MaildirStore) SetFlags(ctx *Store, msg *Message, uid int32, add, del Flags, cb func(sts Status)) {
	m.queue.submit(func() {
		sts := m.doSetFlags(msg, uid, add, del)
		m.loop.Post(func() {
			if sts == DrvOK && msg != nil {
				msg.Flags = (msg.Flags | add) &^ del
			}
			cb(sts)
		})
	}, func() { cb(DrvCanceled) })
}

func (m *MaildirStore) doSetFlags(msg *Message, uid int32, add, del Flags) Status {
	mf := m.findFile(msg, uid)
	if mf == nil {
		m.logger.Errorf("Error: cannot find message with uid: %d", uid)
		return DrvMsgBad
	}
	nflags := (mf.flags | add) &^ del
	if nflags == mf.flags {
		return DrvOK
	}
	srcpath := m.filePath(mf)
	nmf := &maildirFile{uid: mf.uid, base: mf.base, subdir: "cur", flags: nflags}
	if err := os.Rename(srcpath, m.filePath(nmf)); err != nil {
		m.logger.Errorf("Error: %s", err)
		return DrvMsgBad
	}
	mf.flags = nflags
	mf.subdir = "cur"
	return DrvOK
}

func (m *MaildirStore) TrashMsg(ctx *Store, msg *Message, cb func(sts Status)) {
	m.queue.submit(func() {
		sts := m.doTrashMsg(msg)
		m.loop.Post(func() { cb(sts) })
	}, func() { cb(DrvCanceled) })
}

func (m *MaildirStore) doTrashMsg(msg *Message) Status {
	mf := m.findFile(msg, msg.UID)
	if mf == nil {
		m.logger.Errorf("Error: cannot find message with uid: %d", msg.UID)
		return DrvMsgBad
	}
	trashpath := m.boxPath(m.conf.Trash)
	if err := m.createBox(trashpath); err != nil {
		m.logger.Errorf("Error: %s", err)
		return DrvBoxBad
	}
	t, seq := m.getTimeSeq()
	hostname, _ := os.Hostname()
	base := fmt.Sprintf("%d_%d.%d.%s", t, seq, os.Getpid(), hostname)
	dstname := base + string(m.infoSep) + "2," + mf.flags.String()
	if err := os.Rename(m.filePath(mf), filepath.Join(trashpath, "cur", dstname)); err != nil {
		m.logger.Errorf("Error: %s", err)
		return DrvMsgBad
	}
	if m.uidmap != nil {
		m.uidmap.deleteMapping(mf.base)
	}
	delete(m.files, mf.uid)
	msg.Status |= MDead
	return DrvOK
}

func (m *MaildirStore) Close(ctx *Store, cb func(sts Status)) {
	m.queue.submit(func() {
		sts := m.doClose(ctx)
		m.loop.Post(func() { cb(sts) })
	}, func() { cb(DrvCanceled) })
}

// doClose expunges the messages flagged Deleted.
func (m *MaildirStore) doClose(ctx *Store) Status {
	for _, msg := range ctx.Msgs {
		if msg.Status&MDead != 0 || msg.Flags&FDeleted == 0 {
			continue
		}
		mf := m.files[msg.UID]
		if mf == nil {
			continue
		}
		if err := os.Remove(m.filePath(mf)); err != nil && !os.IsNotExist(err) {
			m.logger.Debugf("remove failed: %s. Ignoring", err)
		}
		if m.uidmap != nil {
			m.uidmap.deleteMapping(mf.base)
		}
		delete(m.files, msg.UID)
		msg.Status |= MDead
	}
	if m.uidmap != nil {
		m.uidmap.Close()
		m.uidmap = nil
	}
	return DrvOK
}

func (m *MaildirStore) Name() string {
	return m.name
}
