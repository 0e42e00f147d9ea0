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
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mback2k/isync/config"
)

type syncFixture struct {
	t          *testing.T
	dir        string
	m, s       *memStore
	globalconf *config.Config
	chanconf   *config.ChannelConfig
}

func setupSyncTest(t *testing.T) *syncFixture {
	dir := t.TempDir()
	mstoreconf := &config.StoreConfig{Name: "mstore"}
	sstoreconf := &config.StoreConfig{Name: "sstore"}
	chanconf := &config.ChannelConfig{
		Name:        "channel1",
		Master:      "mstore",
		Slave:       "sstore",
		MasterBox:   "INBOX",
		SlaveBox:    "INBOX",
		MasterStore: mstoreconf,
		SlaveStore:  sstoreconf,
	}
	globalconf := &config.Config{
		Metadatadir:  dir,
		SyncStateDir: filepath.Join(dir, "state") + string(os.PathSeparator),
		LogLevel:     "error",
		FsyncLevel:   "none",
	}
	loop := NewLoop()
	return &syncFixture{
		t:          t,
		dir:        dir,
		m:          newMemStore(loop),
		s:          newMemStore(loop),
		globalconf: globalconf,
		chanconf:   chanconf,
	}
}

func (f *syncFixture) statePath() string {
	return filepath.Join(f.dir, "state", ":mstore:INBOX_:sstore:INBOX")
}

func (f *syncFixture) writeState(content string) {
	if err := os.MkdirAll(filepath.Join(f.dir, "state"), 0700); err != nil {
		f.t.Fatal(err)
	}
	if err := ioutil.WriteFile(f.statePath(), []byte(content), 0600); err != nil {
		f.t.Fatal(err)
	}
}

func (f *syncFixture) readState() string {
	content, err := ioutil.ReadFile(f.statePath())
	if err != nil {
		f.t.Fatal(err)
	}
	return string(content)
}

// stateLines returns the state file split into lines, trailing spaces
// removed (records without flags end in a space).
func (f *syncFixture) stateLines() []string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSuffix(f.readState(), "\n"), "\n") {
		lines = append(lines, strings.TrimRight(line, " "))
	}
	return lines
}

func (f *syncFixture) fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (f *syncFixture) run() int {
	loop := NewLoop()
	f.m.rebind(loop)
	f.s.rebind(loop)
	drv := [2]Driver{f.m, f.s}
	ctx := [2]*Store{{}, {}}
	names := [2]string{f.chanconf.MasterBox, f.chanconf.SlaveBox}
	ret := -1
	SyncBoxes(loop, f.globalconf, f.chanconf, drv, ctx, names, func(r int) {
		ret = r
		loop.Stop()
	})
	loop.Run()
	return ret
}

func checkStateLines(t *testing.T, got, expected []string) {
	if len(got) != len(expected) {
		t.Fatalf("Wrong state file content. Expected %q, found %q", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("Wrong state file line %d. Expected %q, found %q", i, expected[i], got[i])
		}
	}
}

func TestSyncNewMessages(t *testing.T) {
	f := setupSyncTest(t)
	f.m.add("S", "")
	f.m.add("FS", "")
	f.chanconf.OpsMask = [2]int{0, config.OpNew}

	ret := f.run()
	if ret != SyncOK {
		t.Fatalf("Expected SyncOK, found %d", ret)
	}

	uids := f.s.uids()
	if len(uids) != 2 {
		t.Fatalf("Expected 2 slave messages, found %d", len(uids))
	}
	if f.s.msgs[1].flags.String() != "S" || f.s.msgs[2].flags.String() != "FS" {
		t.Fatalf("Wrong slave flags: %s, %s", f.s.msgs[1].flags, f.s.msgs[2].flags)
	}
	for _, uid := range uids {
		if bodyTUID(f.s.msgs[uid].body) == "" {
			t.Fatalf("Slave message %d misses the X-TUID header: %q", uid, f.s.msgs[uid].body)
		}
	}

	checkStateLines(t, f.stateLines(), []string{"1:2 1:0:2", "1 1 S", "2 2 FS"})
	for _, suffix := range []string{".journal", ".new", ".lock"} {
		if f.fileExists(f.statePath() + suffix) {
			t.Fatalf("File %s%s still exists after a clean run", f.statePath(), suffix)
		}
	}
}

func TestSyncQuiescence(t *testing.T) {
	f := setupSyncTest(t)
	f.m.add("S", "")
	f.m.add("FS", "")
	f.chanconf.OpsMask = [2]int{config.OpNew | config.OpFlags, config.OpNew | config.OpFlags}

	if ret := f.run(); ret != SyncOK {
		t.Fatalf("Expected SyncOK, found %d", ret)
	}
	state1 := f.readState()
	mcount, scount := len(f.m.msgs), len(f.s.msgs)

	if ret := f.run(); ret != SyncOK {
		t.Fatalf("Expected SyncOK, found %d", ret)
	}
	if state2 := f.readState(); state2 != state1 {
		t.Fatalf("State changed across a no-op run. Before: %q, after: %q", state1, state2)
	}
	if len(f.m.msgs) != mcount || len(f.s.msgs) != scount {
		t.Fatalf("Messages copied during a no-op run")
	}
}

func TestSyncFlagMerge(t *testing.T) {
	f := setupSyncTest(t)
	f.writeState("1:5 1:0:7\n5 7 S\n")
	f.m.addAt(5, "FS", "")
	f.s.addAt(7, "RS", "")
	f.chanconf.OpsMask = [2]int{config.OpFlags, config.OpFlags}

	if ret := f.run(); ret != SyncOK {
		t.Fatalf("Expected SyncOK, found %d", ret)
	}
	if flags := f.m.msgs[5].flags.String(); flags != "FRS" {
		t.Fatalf("Wrong master flags: %s", flags)
	}
	if flags := f.s.msgs[7].flags.String(); flags != "FRS" {
		t.Fatalf("Wrong slave flags: %s", flags)
	}
	checkStateLines(t, f.stateLines(), []string{"1:5 1:0:7", "5 7 FRS"})
}

func TestSyncDeletePropagation(t *testing.T) {
	f := setupSyncTest(t)
	f.writeState("1:3 1:0:4\n3 4 S\n")
	f.s.addAt(4, "S", "")
	f.chanconf.OpsMask = [2]int{0, config.OpDelete | config.OpExpunge}

	if ret := f.run(); ret != SyncOK {
		t.Fatalf("Expected SyncOK, found %d", ret)
	}
	if len(f.s.msgs) != 0 {
		t.Fatalf("Expected slave message to be expunged, found %v", f.s.uids())
	}
	checkStateLines(t, f.stateLines(), []string{"1:3 1:0:4"})
}

func TestSyncJournalRecovery(t *testing.T) {
	f := setupSyncTest(t)
	tuid := "ABCDEFGHIJKL"

	// Crashed run: the copy was journaled and actually landed on the
	// slave, but the assigned uid never made it to the journal.
	if err := os.MkdirAll(filepath.Join(f.dir, "state"), 0700); err != nil {
		t.Fatal(err)
	}
	journal := "2\n| 1 1\n} 1\n+ 3 -2\n# 3 -2 " + tuid + "\n"
	if err := ioutil.WriteFile(f.statePath()+".journal", []byte(journal), 0600); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(f.statePath()+".new", nil, 0600); err != nil {
		t.Fatal(err)
	}

	f.m.addAt(3, "", "")
	f.s.addAt(1, "", "X-TUID: "+tuid+"\nSubject: test\n\nbody\n")
	f.chanconf.OpsMask = [2]int{0, config.OpNew}

	if ret := f.run(); ret != SyncOK {
		t.Fatalf("Expected SyncOK, found %d", ret)
	}
	if len(f.s.msgs) != 1 {
		t.Fatalf("Expected no duplicate copy, found %d slave messages", len(f.s.msgs))
	}
	lines := f.stateLines()
	if len(lines) != 2 || lines[1] != "3 1" {
		t.Fatalf("Expected record \"3 1\", found %q", lines)
	}
}

func TestSyncUIDValidityMismatch(t *testing.T) {
	f := setupSyncTest(t)
	state := "100:5 1:0:7\n5 7 S\n"
	f.writeState(state)
	f.m.addAt(5, "S", "")
	f.s.addAt(7, "S", "")
	f.chanconf.OpsMask = [2]int{config.OpFlags, config.OpFlags}

	ret := f.run()
	if ret&SyncFail == 0 {
		t.Fatalf("Expected SyncFail, found %d", ret)
	}
	if f.readState() != state {
		t.Fatalf("State file was modified on uid validity mismatch")
	}
	if f.fileExists(f.statePath() + ".journal") {
		t.Fatalf("Journal was written on uid validity mismatch")
	}
	if f.fileExists(f.statePath() + ".new") {
		t.Fatalf("New state was written on uid validity mismatch")
	}
}

func TestSyncMaxMessagesExpire(t *testing.T) {
	f := setupSyncTest(t)
	f.writeState("1:13 1:0:4\n10 1 S\n11 2 S\n12 3 S\n13 4 S\n")
	for i := int32(0); i < 4; i++ {
		f.m.addAt(10+i, "S", "")
		f.s.addAt(1+i, "S", "")
	}
	f.chanconf.OpsMask = [2]int{config.OpFlags, config.OpFlags}
	f.chanconf.MaxMessages = 2

	if ret := f.run(); ret != SyncOK {
		t.Fatalf("Expected SyncOK, found %d", ret)
	}
	if flags := f.s.msgs[1].flags.String(); flags != "ST" {
		t.Fatalf("Wrong flags on oldest slave message: %s", flags)
	}
	if flags := f.s.msgs[2].flags.String(); flags != "ST" {
		t.Fatalf("Wrong flags on second oldest slave message: %s", flags)
	}
	if flags := f.s.msgs[3].flags.String(); flags != "S" {
		t.Fatalf("Wrong flags on third slave message: %s", flags)
	}
	checkStateLines(t, f.stateLines(), []string{"1:13 1:2:4", "10 1 XS", "11 2 XS", "12 3 S", "13 4 S"})
}

func TestSyncCopyViaTUIDFind(t *testing.T) {
	f := setupSyncTest(t)
	f.m.add("", "")
	f.s.returnUID = false
	f.chanconf.OpsMask = [2]int{0, config.OpNew}

	if ret := f.run(); ret != SyncOK {
		t.Fatalf("Expected SyncOK, found %d", ret)
	}
	if len(f.s.msgs) != 1 {
		t.Fatalf("Expected 1 slave message, found %d", len(f.s.msgs))
	}
	lines := f.stateLines()
	if len(lines) != 2 || lines[1] != "1 1" {
		t.Fatalf("Expected record \"1 1\", found %q", lines)
	}
	if bodyTUID(f.s.msgs[1].body) == "" {
		t.Fatalf("Slave message misses the X-TUID header")
	}
}

func TestSyncBothVanished(t *testing.T) {
	f := setupSyncTest(t)
	f.writeState("1:5 1:0:5\n5 5 S\n")
	f.chanconf.OpsMask = [2]int{config.OpFlags, config.OpFlags}

	if ret := f.run(); ret != SyncOK {
		t.Fatalf("Expected SyncOK, found %d", ret)
	}
	checkStateLines(t, f.stateLines(), []string{"1:5 1:0:5"})
}

func TestSyncRefusesTooBigMessage(t *testing.T) {
	f := setupSyncTest(t)
	f.m.add("S", "Subject: test\n\n"+strings.Repeat("x", 100)+"\n")
	f.chanconf.SlaveStore.MaxSize = 10
	f.chanconf.OpsMask = [2]int{0, config.OpNew}

	if ret := f.run(); ret != SyncOK {
		t.Fatalf("Expected SyncOK, found %d", ret)
	}
	if len(f.s.msgs) != 0 {
		t.Fatalf("Expected no slave messages, found %d", len(f.s.msgs))
	}
	lines := f.stateLines()
	if len(lines) != 2 || lines[1] != "1 -1" {
		t.Fatalf("Expected record \"1 -1\", found %q", lines)
	}
}

func TestSyncFlaggedBypassesMaxSize(t *testing.T) {
	f := setupSyncTest(t)
	f.m.add("F", "Subject: test\n\n"+strings.Repeat("x", 100)+"\n")
	f.chanconf.SlaveStore.MaxSize = 10
	f.chanconf.OpsMask = [2]int{0, config.OpNew}

	if ret := f.run(); ret != SyncOK {
		t.Fatalf("Expected SyncOK, found %d", ret)
	}
	if len(f.s.msgs) != 1 {
		t.Fatalf("Expected 1 slave message, found %d", len(f.s.msgs))
	}
}

func TestSyncTrashOnExpunge(t *testing.T) {
	f := setupSyncTest(t)
	f.writeState("1:3 1:0:4\n3 4 S\n")
	f.m.addAt(3, "ST", "")
	f.s.addAt(4, "S", "")
	f.chanconf.SlaveStore.Trash = "Trash"
	f.chanconf.OpsMask = [2]int{config.OpFlags, config.OpFlags | config.OpExpunge}

	if ret := f.run(); ret != SyncOK {
		t.Fatalf("Expected SyncOK, found %d", ret)
	}
	if len(f.s.trashed) != 1 {
		t.Fatalf("Expected 1 trashed slave message, found %d", len(f.s.trashed))
	}
	if len(f.s.msgs) != 0 {
		t.Fatalf("Expected slave message to be gone, found %v", f.s.uids())
	}
}
