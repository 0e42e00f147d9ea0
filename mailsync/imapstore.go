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
	"crypto/tls"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mxk/go-imap/imap"

	"github.com/mback2k/isync/config"
	"github.com/mback2k/isync/errors"
	"github.com/mback2k/isync/log"
)

// ImapStore is the IMAP Driver. One worker goroutine serializes the
// client commands of the store.
type ImapStore struct {
	globalconfig *config.Config
	conf         *config.StoreConfig
	name         string
	loop         *Loop
	queue        *opQueue
	client       *imap.Client
	logger       *log.Logger
	e            *errors.Error

	boxname string
}

var (
	ImapFlagsMap = []struct {
		imapflag string
		flag     Flags
	}{
		{`\Seen`, FSeen},
		{`\Answered`, FAnswered},
		{`\Deleted`, FDeleted},
		{`\Draft`, FDraft},
		{`\Flagged`, FFlagged},
	}
)

func ImapFlagsToFlags(flagset imap.FlagSet) Flags {
	var flags Flags
	for _, v := range ImapFlagsMap {
		if flagset[v.imapflag] {
			flags |= v.flag
		}
	}
	return flags
}

func FlagsToImapFlags(flags Flags) imap.FlagSet {
	flagset := imap.NewFlagSet()
	for _, v := range ImapFlagsMap {
		if flags&v.flag != 0 {
			flagset[v.imapflag] = true
		}
	}
	return flagset
}

func NewImapStore(globalconfig *config.Config, conf *config.StoreConfig, loop *Loop) (m *ImapStore, err error) {
	name := conf.Name
	logprefix := fmt.Sprintf("imapstore: %s", name)
	logger := log.GetLogger(logprefix, globalconfig.LogLevel)
	e := errors.New(logprefix)

	m = &ImapStore{
		globalconfig: globalconfig,
		conf:         conf,
		name:         name,
		loop:         loop,
		queue:        newOpQueue(loop),
		logger:       logger,
		e:            e,
	}
	return m, nil
}

func (m *ImapStore) DriverFlags() int {
	return DriverCRLF
}

func (m *ImapStore) PrepareOpts(ctx *Store, opts int) {
	ctx.Opts = opts
}

func (m *ImapStore) Commit(ctx *Store) {
	// flag changes are applied immediately
}

func (m *ImapStore) Cancel(ctx *Store, cb func()) {
	m.queue.cancel(cb)
}

func (m *ImapStore) CancelStore(ctx *Store) {
	m.queue.close()
	if m.client != nil {
		m.client.Logout(5 * time.Second)
		m.client = nil
	}
}

func (m *ImapStore) newImapClient() (client *imap.Client, err error) {
	addr := m.conf.Host
	if m.conf.Port != 0 {
		addr = addr + ":" + strconv.FormatUint(uint64(m.conf.Port), 10)
	}
	var tlsconfig *tls.Config
	if !m.conf.Validateservercert {
		tlsconfig = &tls.Config{InsecureSkipVerify: true}
	}
	if m.conf.Tls {
		client, err = imap.DialTLS(addr, tlsconfig)
		if err != nil {
			return nil, m.e.E(err)
		}
	} else {
		client, err = imap.Dial(addr)
		if err != nil {
			return nil, m.e.E(err)
		}
	}

	if m.globalconfig.LogLevel == "debug" && m.globalconfig.DebugImap {
		client.SetLogMask(imap.LogAll)
	}

	if m.conf.Starttls {
		if _, err = client.StartTLS(tlsconfig); err != nil {
			return nil, m.e.E(err)
		}
	}

	if client.State() == imap.Login {
		if _, err = client.Login(m.conf.Username, m.conf.Password); err != nil {
			return nil, m.e.E(err)
		}
	}
	return client, nil
}

func (m *ImapStore) getImapClient() (*imap.Client, error) {
	if m.client != nil && m.client.State() != imap.Closed {
		return m.client, nil
	}
	client, err := m.newImapClient()
	if err != nil {
		m.logger.Debugf("Connection error: %s", err)
		return nil, err
	}
	m.client = client
	return client, nil
}

// recvLoop drains a fetch-style command, handing every message info
// to fn, and checks the command result.
func (m *ImapStore) recvLoop(client *imap.Client, cmd *imap.Command, fn func(info *imap.MessageInfo)) error {
	for cmd.InProgress() {
		if err := client.Recv(-1); err != nil {
			return m.e.E(err)
		}
		for _, rsp := range cmd.Data {
			fn(rsp.MessageInfo())
		}
		cmd.Data = nil
		client.Data = nil
	}
	if _, err := cmd.Result(imap.OK); err != nil {
		return m.e.E(err)
	}
	return nil
}

// uidFetch runs one UID FETCH over set, feeding fn.
func (m *ImapStore) uidFetch(client *imap.Client, seqstr, items string, fn func(info *imap.MessageInfo)) error {
	set, err := imap.NewSeqSet(seqstr)
	if err != nil {
		return m.e.E(err)
	}
	cmd, err := client.Send("UID FETCH", set, items)
	if err != nil {
		return m.e.E(err)
	}
	return m.recvLoop(client, cmd, fn)
}

// mailboxName maps a canonical name to the server-side name.
func (m *ImapStore) mailboxName(name string) string {
	return name
}

func (m *ImapStore) Select(ctx *Store, create bool, cb func(sts Status)) {
	m.queue.submit(func() {
		sts := m.doSelect(ctx, create)
		m.loop.Post(func() { cb(sts) })
	}, func() { cb(DrvCanceled) })
}

func (m *ImapStore) doSelect(ctx *Store, create bool) Status {
	client, err := m.getImapClient()
	if err != nil {
		return DrvBoxBad
	}
	m.boxname = m.mailboxName(ctx.Name)

	_, err = imap.Wait(client.Select(m.boxname, false))
	if err != nil {
		if !create {
			m.logger.Errorf("Error: cannot select mailbox %s: %s", m.boxname, m.e.E(err))
			return DrvBoxBad
		}
		if _, err = imap.Wait(client.Create(m.boxname)); err != nil {
			m.logger.Errorf("Error: cannot create mailbox %s: %s", m.boxname, m.e.E(err))
			return DrvBoxBad
		}
		if _, err = imap.Wait(client.Select(m.boxname, false)); err != nil {
			m.logger.Errorf("Error: cannot select mailbox %s: %s", m.boxname, m.e.E(err))
			return DrvBoxBad
		}
	}

	ctx.Path = ""
	ctx.UIDValidity = int32(client.Mailbox.UIDValidity)
	ctx.UIDNext = int32(client.Mailbox.UIDNext)
	ctx.Count = int(client.Mailbox.Messages)
	ctx.Recent = int(client.Mailbox.Recent)
	return DrvOK
}

func (m *ImapStore) Load(ctx *Store, minuid, maxuid, newuid int32, excs []int32, cb func(sts Status)) {
	m.queue.submit(func() {
		sts := m.doLoad(ctx, minuid, maxuid, newuid, excs)
		m.loop.Post(func() { cb(sts) })
	}, func() { cb(DrvCanceled) })
}

func seqSetString(minuid, maxuid int32, excs []int32) string {
	var parts []string
	if maxuid >= minuid {
		if maxuid == math.MaxInt32 {
			parts = append(parts, fmt.Sprintf("%d:*", minuid))
		} else {
			parts = append(parts, fmt.Sprintf("%d:%d", minuid, maxuid))
		}
	}
	for _, exc := range excs {
		parts = append(parts, strconv.FormatInt(int64(exc), 10))
	}
	return strings.Join(parts, ",")
}

func (m *ImapStore) doLoad(ctx *Store, minuid, maxuid, newuid int32, excs []int32) Status {
	ctx.Msgs = nil
	if maxuid == 0 {
		maxuid = minuid - 1
	}
	seqstr := seqSetString(minuid, maxuid, excs)
	if seqstr == "" {
		return DrvOK
	}
	client, err := m.getImapClient()
	if err != nil {
		return DrvBoxBad
	}

	items := "(UID FLAGS"
	if ctx.Opts&OpenSize != 0 {
		items += " RFC822.SIZE"
	}
	if ctx.Opts&OpenTime != 0 {
		items += " INTERNALDATE"
	}
	items += ")"

	msgs := make(map[int32]*Message)
	err = m.uidFetch(client, seqstr, items, func(info *imap.MessageInfo) {
		uid := int32(imap.AsNumber(info.Attrs["UID"]))
		if uid == 0 {
			return
		}
		msg := &Message{
			UID:    uid,
			Flags:  ImapFlagsToFlags(imap.AsFlagSet(info.Attrs["FLAGS"])),
			Status: MFlags,
		}
		if ctx.Opts&OpenSize != 0 {
			msg.Size = uint(imap.AsNumber(info.Attrs["RFC822.SIZE"]))
		}
		if ctx.Opts&OpenTime != 0 && !info.InternalDate.IsZero() {
			msg.Time = info.InternalDate.Unix()
			msg.Status |= MTime
		}
		msgs[uid] = msg
	})
	if err != nil {
		m.logger.Errorf("Error: %s", err)
		return DrvBoxBad
	}

	if ctx.Opts&OpenFind != 0 && newuid > 0 {
		err = m.uidFetch(client, fmt.Sprintf("%d:*", newuid),
			"(UID BODY.PEEK[HEADER.FIELDS (X-TUID)])", func(info *imap.MessageInfo) {
				uid := int32(imap.AsNumber(info.Attrs["UID"]))
				msg, ok := msgs[uid]
				if !ok {
					return
				}
				for name, value := range info.Attrs {
					if strings.HasPrefix(name, "BODY[HEADER.FIELDS") {
						msg.TUID = parseTUIDHeader(imap.AsBytes(value))
					}
				}
			})
		if err != nil {
			m.logger.Errorf("Error: %s", err)
			return DrvBoxBad
		}
	}

	for _, msg := range msgs {
		ctx.Msgs = append(ctx.Msgs, msg)
	}
	sortMsgs(ctx.Msgs)
	ctx.UIDNext = int32(client.Mailbox.UIDNext)
	return DrvOK
}

func parseTUIDHeader(header []byte) string {
	for _, line := range strings.Split(string(header), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, "X-TUID: ") {
			tuid := line[8:]
			if len(tuid) == TUIDLength {
				return tuid
			}
		}
	}
	return ""
}

func (m *ImapStore) FetchMsg(ctx *Store, msg *Message, data *MessageData, cb func(sts Status)) {
	m.queue.submit(func() {
		sts := m.doFetchMsg(msg, data)
		m.loop.Post(func() { cb(sts) })
	}, func() { cb(DrvCanceled) })
}

func (m *ImapStore) doFetchMsg(msg *Message, data *MessageData) Status {
	client, err := m.getImapClient()
	if err != nil {
		return DrvBoxBad
	}
	var body []byte
	got := false
	err = m.uidFetch(client, strconv.FormatInt(int64(msg.UID), 10),
		"(UID BODY.PEEK[] FLAGS INTERNALDATE)", func(info *imap.MessageInfo) {
			for name, value := range info.Attrs {
				if strings.HasPrefix(name, "BODY[") {
					body = imap.AsBytes(value)
					got = true
				}
			}
			if info.Attrs["FLAGS"] != nil {
				data.Flags = ImapFlagsToFlags(imap.AsFlagSet(info.Attrs["FLAGS"]))
			}
			if !info.InternalDate.IsZero() {
				data.Time = info.InternalDate.Unix()
			}
		})
	if err != nil {
		m.logger.Debugf("Fetch error: %s", err)
		return DrvMsgBad
	}
	if !got {
		m.logger.Debugf("Message %d went missing", msg.UID)
		return DrvMsgBad
	}
	data.Data = body
	return DrvOK
}

func (m *ImapStore) StoreMsg(ctx *Store, data *MessageData, toTrash bool, cb func(sts Status, uid int32)) {
	m.queue.submit(func() {
		sts, uid := m.doStoreMsg(data, toTrash)
		m.loop.Post(func() { cb(sts, uid) })
	}, func() { cb(DrvCanceled, 0) })
}

func (m *ImapStore) doStoreMsg(data *MessageData, toTrash bool) (Status, int32) {
	client, err := m.getImapClient()
	if err != nil {
		return DrvBoxBad, 0
	}
	mbox := m.boxname
	if toTrash {
		mbox = m.mailboxName(m.conf.Trash)
	}
	literal := imap.NewLiteral(data.Data)
	flagset := FlagsToImapFlags(data.Flags)
	var date *time.Time
	if data.Time != 0 {
		d := time.Unix(data.Time, 0)
		date = &d
	}

	cmd, err := imap.Wait(client.Append(mbox, flagset, date, literal))
	if err != nil && toTrash {
		// mailbox may not exist yet
		if _, cerr := imap.Wait(client.Create(mbox)); cerr == nil {
			cmd, err = imap.Wait(client.Append(mbox, flagset, date, literal))
		}
	}
	if err != nil {
		m.logger.Debugf("Append error: %s", m.e.E(err))
		return DrvMsgBad, 0
	}

	rsp, err := cmd.Result(imap.OK)
	if err != nil {
		m.logger.Debugf("Append error: %s", m.e.E(err))
		return DrvMsgBad, 0
	}
	// UIDPLUS: OK [APPENDUID uidvalidity uid]
	if len(rsp.Fields) >= 3 {
		if uid := imap.AsNumber(rsp.Fields[2]); uid > 0 {
			return DrvOK, int32(uid)
		}
	}
	return DrvOK, -1
}

func (m *ImapStore) FindNewMsgs(ctx *Store, cb func(sts Status)) {
	m.queue.submit(func() {
		sts := m.doFindNewMsgs(ctx)
		m.loop.Post(func() { cb(sts) })
	}, func() { cb(DrvCanceled) })
}

// doFindNewMsgs indexes the messages appended since the load together
// with their tracking ids.
func (m *ImapStore) doFindNewMsgs(ctx *Store) Status {
	client, err := m.getImapClient()
	if err != nil {
		return DrvBoxBad
	}
	minuid := int32(1)
	if n := len(ctx.Msgs); n > 0 {
		minuid = ctx.Msgs[n-1].UID + 1
	}
	msgs := make(map[int32]*Message)
	err = m.uidFetch(client, fmt.Sprintf("%d:*", minuid),
		"(UID FLAGS BODY.PEEK[HEADER.FIELDS (X-TUID)])", func(info *imap.MessageInfo) {
			uid := int32(imap.AsNumber(info.Attrs["UID"]))
			if uid < minuid {
				return
			}
			msg := &Message{
				UID:    uid,
				Flags:  ImapFlagsToFlags(imap.AsFlagSet(info.Attrs["FLAGS"])),
				Status: MFlags,
			}
			for name, value := range info.Attrs {
				if strings.HasPrefix(name, "BODY[HEADER.FIELDS") {
					msg.TUID = parseTUIDHeader(imap.AsBytes(value))
				}
			}
			msgs[uid] = msg
		})
	if err != nil {
		m.logger.Errorf("Error: %s", err)
		return DrvBoxBad
	}
	for _, msg := range msgs {
		ctx.Msgs = append(ctx.Msgs, msg)
	}
	sortMsgs(ctx.Msgs)
	ctx.UIDNext = int32(client.Mailbox.UIDNext)
	return DrvOK
}

func (m *ImapStore) SetFlags(ctx *Store, msg *Message, uid int32, add, del Flags, cb func(sts Status)) {
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

func (m *ImapStore) doSetFlags(msg *Message, uid int32, add, del Flags) Status {
	client, err := m.getImapClient()
	if err != nil {
		return DrvBoxBad
	}
	if msg != nil {
		uid = msg.UID
	}
	set, err := imap.NewSeqSet(strconv.FormatInt(int64(uid), 10))
	if err != nil {
		return DrvBoxBad
	}
	if add != 0 {
		if _, err := imap.Wait(client.UIDStore(set, "+FLAGS.SILENT", FlagsToImapFlags(add))); err != nil {
			m.logger.Debugf("UIDStore error: %s", m.e.E(err))
			return DrvMsgBad
		}
	}
	if del != 0 {
		if _, err := imap.Wait(client.UIDStore(set, "-FLAGS.SILENT", FlagsToImapFlags(del))); err != nil {
			m.logger.Debugf("UIDStore error: %s", m.e.E(err))
			return DrvMsgBad
		}
	}
	return DrvOK
}

func (m *ImapStore) TrashMsg(ctx *Store, msg *Message, cb func(sts Status)) {
	m.queue.submit(func() {
		sts := m.doTrashMsg(msg)
		m.loop.Post(func() { cb(sts) })
	}, func() { cb(DrvCanceled) })
}

func (m *ImapStore) doTrashMsg(msg *Message) Status {
	client, err := m.getImapClient()
	if err != nil {
		return DrvBoxBad
	}
	trash := m.mailboxName(m.conf.Trash)
	set, err := imap.NewSeqSet(strconv.FormatInt(int64(msg.UID), 10))
	if err != nil {
		return DrvBoxBad
	}
	if _, err := imap.Wait(client.UIDCopy(set, trash)); err != nil {
		// mailbox may not exist yet
		if _, cerr := imap.Wait(client.Create(trash)); cerr != nil {
			m.logger.Debugf("UIDCopy error: %s", m.e.E(err))
			return DrvMsgBad
		}
		if _, err := imap.Wait(client.UIDCopy(set, trash)); err != nil {
			m.logger.Debugf("UIDCopy error: %s", m.e.E(err))
			return DrvMsgBad
		}
	}
	return DrvOK
}

func (m *ImapStore) Close(ctx *Store, cb func(sts Status)) {
	m.queue.submit(func() {
		sts := m.doClose(ctx)
		m.loop.Post(func() { cb(sts) })
	}, func() { cb(DrvCanceled) })
}

func (m *ImapStore) doClose(ctx *Store) Status {
	client, err := m.getImapClient()
	if err != nil {
		return DrvBoxBad
	}
	if _, err := imap.Wait(client.Close(true)); err != nil {
		m.logger.Debugf("Close error: %s", m.e.E(err))
		return DrvBoxBad
	}
	for _, msg := range ctx.Msgs {
		if msg.Flags&FDeleted != 0 {
			msg.Status |= MDead
		}
	}
	return DrvOK
}

func (m *ImapStore) Name() string {
	return m.name
}
