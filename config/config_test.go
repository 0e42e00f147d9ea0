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

package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
)

const testConfig = `
metadatadir = "/tmp/isync-test-metadata"
loglevel = "debug"
fsynclevel = "none"

[[store]]
name = "local"
storetype = "Maildir"
maildir = "/tmp/isync-test-maildir"

[[store]]
name = "remote"
storetype = "IMAP"
host = "imap.example.com"
port = 993
username = "user"
password = "pass"
tls = true
trash = "Trash"

[[channel]]
name = "inbox"
master = "remote"
slave = "local"
ops = ["Sync"]
expunge = true
maxmessages = 100
`

func writeTestConfig(t *testing.T, content string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "isyncrc.toml")
	if err := ioutil.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseConfig(t *testing.T) {
	conf, err := ParseConfig(writeTestConfig(t, testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyConfig(conf); err != nil {
		t.Fatal(err)
	}

	if conf.LogLevel != "debug" || conf.FsyncLevel != "none" {
		t.Fatalf("Wrong global options: %s %s", conf.LogLevel, conf.FsyncLevel)
	}
	if len(conf.Stores) != 2 || len(conf.Channels) != 1 {
		t.Fatalf("Wrong store/channel count: %d/%d", len(conf.Stores), len(conf.Channels))
	}

	local := conf.Store("local")
	if local == nil || local.StoreType != "Maildir" {
		t.Fatalf("Wrong local store: %+v", local)
	}
	// defaults are prefilled
	if local.UIDMapping != "files" || !local.Validateservercert {
		t.Fatalf("Store defaults missing: %+v", local)
	}

	chanconf := conf.Channels[0]
	if chanconf.MasterStore != conf.Store("remote") || chanconf.SlaveStore != local {
		t.Fatalf("Channel stores not resolved")
	}
	if chanconf.MasterBox != "INBOX" || chanconf.SlaveBox != "INBOX" {
		t.Fatalf("Wrong default boxes: %s %s", chanconf.MasterBox, chanconf.SlaveBox)
	}
	expected := OpNew | OpReNew | OpDelete | OpFlags | OpExpunge
	if chanconf.OpsMask[0] != expected || chanconf.OpsMask[1] != expected {
		t.Fatalf("Wrong ops masks: %v", chanconf.OpsMask)
	}
}

func TestExpandOps(t *testing.T) {
	chanconf := &ChannelConfig{Ops: []string{"Flags"}, PushOps: []string{"New"}, PullOps: []string{"Delete"}}
	mask, err := ExpandOps(chanconf)
	if err != nil {
		t.Fatal(err)
	}
	if mask[0] != OpFlags|OpNew {
		t.Fatalf("Wrong master ops: %d", mask[0])
	}
	if mask[1] != OpFlags|OpDelete {
		t.Fatalf("Wrong slave ops: %d", mask[1])
	}

	chanconf = &ChannelConfig{Ops: []string{"Frobnicate"}}
	if _, err := ExpandOps(chanconf); err == nil {
		t.Fatalf("Expected error for unknown operation")
	}
}

func TestExpandOpsDirections(t *testing.T) {
	// a bare direction selects every typed operation for its side
	mask, err := ExpandOps(&ChannelConfig{Ops: []string{"Push"}})
	if err != nil {
		t.Fatal(err)
	}
	if mask[0] != OpMaskType || mask[1] != 0 {
		t.Fatalf("Wrong masks for Push: %v", mask)
	}

	mask, err = ExpandOps(&ChannelConfig{Ops: []string{"Pull", "New"}})
	if err != nil {
		t.Fatal(err)
	}
	if mask[0] != 0 || mask[1] != OpNew {
		t.Fatalf("Wrong masks for Pull New: %v", mask)
	}

	mask, err = ExpandOps(&ChannelConfig{Ops: []string{"All"}})
	if err != nil {
		t.Fatal(err)
	}
	if mask[0] != OpMaskType || mask[1] != OpMaskType {
		t.Fatalf("Wrong masks for All: %v", mask)
	}

	mask, err = ExpandOps(&ChannelConfig{Ops: []string{"Sync", "Expunge", "Create"}})
	if err != nil {
		t.Fatal(err)
	}
	expected := OpMaskType | OpExpunge | OpCreate
	if mask[0] != expected || mask[1] != expected {
		t.Fatalf("Wrong masks for Sync Expunge Create: %v", mask)
	}
}

func TestVerifyStoreConfig(t *testing.T) {
	global := &Config{LogLevel: "info", FsyncLevel: "normal"}

	bad := []*StoreConfig{
		{Name: "", StoreType: "Maildir", Maildir: "/tmp/x", UIDMapping: "files", Separator: '/'},
		{Name: "s", StoreType: "Wrong"},
		{Name: "s", StoreType: "Maildir", UIDMapping: "files", Separator: '/'},
		{Name: "s", StoreType: "Maildir", Maildir: "/tmp/x", UIDMapping: "wrong", Separator: '/'},
		{Name: "s", StoreType: "IMAP", Host: "h", Username: "u", Password: "p", Tls: true, Starttls: true},
		{Name: "s", StoreType: "IMAP", Username: "u", Password: "p"},
		{Name: "s", StoreType: "Maildir", Maildir: "/tmp/x", UIDMapping: "files", Separator: '/', FlatDelim: ".."},
	}
	for _, storeconf := range bad {
		if err := VerifyStoreConfig(global, storeconf); err == nil {
			t.Fatalf("Expected error for store config %+v", storeconf)
		}
	}

	good := &StoreConfig{Name: "s", StoreType: "Maildir", Maildir: "/tmp/x", UIDMapping: "db", Separator: '.'}
	if err := VerifyStoreConfig(global, good); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyChannelConfig(t *testing.T) {
	store1 := &StoreConfig{Name: "s1", StoreType: "Maildir", Maildir: "/tmp/x", UIDMapping: "files", Separator: '/'}
	store2 := &StoreConfig{Name: "s2", StoreType: "Maildir", Maildir: "/tmp/y", UIDMapping: "files", Separator: '/'}
	global := &Config{LogLevel: "info", FsyncLevel: "normal", Stores: []*StoreConfig{store1, store2}}

	bad := []*ChannelConfig{
		{Name: "", Master: "s1", Slave: "s2"},
		{Name: "c", Master: "s1", Slave: "s1"},
		{Name: "c", Master: "s1", Slave: "missing"},
		{Name: "c", Master: "s1", Slave: "s2", MaxMessages: -1},
		{Name: "c", Master: "s1", Slave: "s2", Ops: []string{"Wrong"}},
	}
	for _, chanconf := range bad {
		if err := VerifyChannelConfig(global, chanconf); err == nil {
			t.Fatalf("Expected error for channel config %+v", chanconf)
		}
	}

	good := &ChannelConfig{Name: "c", Master: "s1", Slave: "s2", Ops: []string{"Sync"}}
	if err := VerifyChannelConfig(global, good); err != nil {
		t.Fatal(err)
	}
	if good.MasterStore != store1 || good.SlaveStore != store2 {
		t.Fatalf("Channel stores not resolved")
	}
}

func TestFsyncLevelValue(t *testing.T) {
	levels := map[string]int{"none": FsyncNone, "normal": FsyncNormal, "thorough": FsyncThorough}
	for name, expected := range levels {
		level, err := FsyncLevelValue(name)
		if err != nil || level != expected {
			t.Fatalf("Wrong level for %s: %d (err %v)", name, level, err)
		}
	}
	if _, err := FsyncLevelValue("wrong"); err == nil {
		t.Fatalf("Expected error for wrong fsynclevel")
	}
}
