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
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/mback2k/isync/log"
)

// Channel operations, per side.
const (
	OpNew = 1 << iota
	OpReNew
	OpDelete
	OpFlags
	OpExpunge
	OpCreate
)

const OpMaskType = OpNew | OpReNew | OpDelete | OpFlags

// Fsync thoroughness for the sync state store.
const (
	FsyncNone = iota
	FsyncNormal
	FsyncThorough
)

type Config struct {
	Channels     []*ChannelConfig `toml:"channel"`
	Stores       []*StoreConfig   `toml:"store"`
	Metadatadir  string
	SyncStateDir string
	LogLevel     string
	FsyncLevel   string
	DebugImap    bool
}

type ChannelConfig struct {
	Name        string
	Master      string
	Slave       string
	MasterBox   string
	SlaveBox    string
	Ops         []string
	PushOps     []string
	PullOps     []string
	MaxMessages int
	SyncState   string
	Expunge     bool
	Create      bool

	// Resolved by VerifyConfig.
	MasterStore *StoreConfig `toml:"-"`
	SlaveStore  *StoreConfig `toml:"-"`
	OpsMask     [2]int       `toml:"-"`
}

type StoreConfig struct {
	Name      string
	StoreType string

	// Imap specific config options
	Host               string
	Port               uint16
	Username           string
	Password           string
	Starttls           bool
	Tls                bool
	Validateservercert bool

	// Maildir specific config options
	Maildir       string
	InboxPath     string
	UIDMapping    string
	InfoSeparator string
	Separator     rune

	// Common options
	Trash          string
	TrashOnlyNew   bool
	TrashRemoteNew bool
	MaxSize        uint
	MapInbox       string
	FlatDelim      string
}

// Path returns the on-disk location of the store, or "" if the store
// has none (network stores).
func (c *StoreConfig) Path() string {
	if c.StoreType == "Maildir" {
		return c.Maildir
	}
	return ""
}

// rawConfig defers store/channel decoding so each entry can be
// prefilled with defaults first.
type rawConfig struct {
	Metadatadir  string
	SyncStateDir string
	LogLevel     string
	FsyncLevel   string
	DebugImap    bool
	Stores       []toml.Primitive `toml:"store"`
	Channels     []toml.Primitive `toml:"channel"`
}

func ParseConfig(conffilepath string) (conf *Config, err error) {
	logger := log.GetLogger("config", "info")
	logger.Debugf("ParseConfig")

	defaultStoreConfig := StoreConfig{
		Validateservercert: true,
		UIDMapping:         "files",
		InfoSeparator:      ":",
		Separator:          os.PathSeparator,
		InboxPath:          "./INBOX",
	}
	defaultChannelConfig := ChannelConfig{
		Ops: []string{"Sync"},
	}

	var raw rawConfig
	md, err := toml.DecodeFile(conffilepath, &raw)
	if err != nil {
		return nil, err
	}

	u, err := user.Current()
	if err != nil {
		return nil, err
	}

	defMetadatadir := filepath.Join(u.HomeDir, ".isync")

	conf = &Config{
		Metadatadir:  defMetadatadir,
		SyncStateDir: raw.SyncStateDir,
		LogLevel:     "info",
		FsyncLevel:   "normal",
		DebugImap:    raw.DebugImap,
	}
	if raw.Metadatadir != "" {
		conf.Metadatadir = raw.Metadatadir
	}
	if raw.LogLevel != "" {
		conf.LogLevel = raw.LogLevel
	}
	if raw.FsyncLevel != "" {
		conf.FsyncLevel = raw.FsyncLevel
	}

	for _, prim := range raw.Stores {
		storeconfig := defaultStoreConfig
		if err := md.PrimitiveDecode(prim, &storeconfig); err != nil {
			return nil, err
		}
		conf.Stores = append(conf.Stores, &storeconfig)
	}
	for _, prim := range raw.Channels {
		channelconfig := defaultChannelConfig
		if err := md.PrimitiveDecode(prim, &channelconfig); err != nil {
			return nil, err
		}
		conf.Channels = append(conf.Channels, &channelconfig)
	}

	if conf.SyncStateDir == "" {
		conf.SyncStateDir = filepath.Join(conf.Metadatadir, "state") + string(os.PathSeparator)
	}
	return
}

func FsyncLevelValue(fsynclevel string) (int, error) {
	switch fsynclevel {
	case "none":
		return FsyncNone, nil
	case "normal":
		return FsyncNormal, nil
	case "thorough":
		return FsyncThorough, nil
	}
	return 0, fmt.Errorf("Wrong fsynclevel: \"%s\". Valid levels are: none, normal, thorough", fsynclevel)
}

func (c *Config) Store(name string) *StoreConfig {
	for _, storeconf := range c.Stores {
		if storeconf.Name == name {
			return storeconf
		}
	}
	return nil
}

func VerifyConfig(config *Config) (err error) {
	if _, err = log.LogLevelToPriority(config.LogLevel); err != nil {
		return err
	}
	if _, err = FsyncLevelValue(config.FsyncLevel); err != nil {
		return err
	}

	for _, storeconf := range config.Stores {
		if err = VerifyStoreConfig(config, storeconf); err != nil {
			return err
		}
	}
	for _, channelconf := range config.Channels {
		if err = VerifyChannelConfig(config, channelconf); err != nil {
			return err
		}
	}
	return nil
}

func VerifyStoreConfig(globalconfig *Config, config *StoreConfig) (err error) {
	if config.Name == "" {
		return fmt.Errorf("Store name is empty")
	}
	errprefix := fmt.Sprintf("[Store: %s] ", config.Name)
	validstoretypes := []string{"IMAP", "Maildir"}
	if !StringInSlice(config.StoreType, validstoretypes) {
		return fmt.Errorf(errprefix+"Wrong store type: \"%s\". Valid types are: %s", config.StoreType, validstoretypes)
	}
	switch config.StoreType {
	case "IMAP":
		if config.Host == "" {
			return fmt.Errorf(errprefix + "host option is empty")
		}
		if config.Username == "" {
			return fmt.Errorf(errprefix + "username option is empty")
		}
		if config.Password == "" {
			return fmt.Errorf(errprefix + "password option is empty")
		}
		if config.Tls && config.Starttls {
			return fmt.Errorf(errprefix + "Both tls and starttls enabled. Only one of them is permitted.")
		}
	case "Maildir":
		if config.Maildir == "" {
			return fmt.Errorf(errprefix + "maildir option is empty")
		}

		validuidmappings := []string{"files", "db"}
		if !StringInSlice(config.UIDMapping, validuidmappings) {
			return fmt.Errorf(errprefix+"Wrong uidmapping: \"%s\". Valid uidmappings are: %s", config.UIDMapping, validuidmappings)
		}

		validseparators := []rune{'.', '/'}
		if !RuneInSlice(config.Separator, validseparators) {
			return fmt.Errorf(errprefix+"Wrong separator: %q. Valid separators are: %q", config.Separator, validseparators)
		}
	}
	if len(config.FlatDelim) > 1 {
		return fmt.Errorf(errprefix+"flatdelim must be a single character: \"%s\"", config.FlatDelim)
	}
	return
}

func VerifyChannelConfig(globalconfig *Config, config *ChannelConfig) (err error) {
	if config.Name == "" {
		return fmt.Errorf("Channel name is empty")
	}
	errprefix := fmt.Sprintf("[Channel: %s] ", config.Name)

	if config.Master == "" || config.Slave == "" {
		return fmt.Errorf(errprefix + "Both master and slave stores are required")
	}
	if config.Master == config.Slave {
		return fmt.Errorf(errprefix + "Master and slave must name different stores")
	}
	config.MasterStore = globalconfig.Store(config.Master)
	if config.MasterStore == nil {
		return fmt.Errorf(errprefix+"Missing store definition for: \"%s\"", config.Master)
	}
	config.SlaveStore = globalconfig.Store(config.Slave)
	if config.SlaveStore == nil {
		return fmt.Errorf(errprefix+"Missing store definition for: \"%s\"", config.Slave)
	}
	if config.MasterBox == "" {
		config.MasterBox = "INBOX"
	}
	if config.SlaveBox == "" {
		config.SlaveBox = "INBOX"
	}
	if config.MaxMessages < 0 {
		return fmt.Errorf(errprefix + "maxmessages must not be negative")
	}
	if config.OpsMask, err = ExpandOps(config); err != nil {
		return fmt.Errorf(errprefix+"%s", err)
	}
	return
}

// Direction markers. They may appear in Ops and are resolved to the
// per-side masks by ExpandOps; they never reach the engine.
const (
	opPush = 1 << 14
	opPull = 1 << 15
)

var opNames = map[string]int{
	"New":     OpNew,
	"ReNew":   OpReNew,
	"Delete":  OpDelete,
	"Flags":   OpFlags,
	"Sync":    OpNew | OpReNew | OpDelete | OpFlags,
	"Expunge": OpExpunge,
	"Create":  OpCreate,
	"Push":    opPush,
	"Pull":    opPull,
	"All":     opPush | opPull,
}

func parseOps(names []string) (ops int, err error) {
	for _, name := range names {
		op, ok := opNames[name]
		if !ok {
			return 0, fmt.Errorf("Wrong operation: \"%s\"", name)
		}
		ops |= op
	}
	return ops, nil
}

// ExpandOps computes the per-side operation masks. The typed entries
// of Ops apply to the sides its direction markers name (both sides
// when no marker is given); a bare direction selects every typed
// operation for its side. PushOps applies only to the master side,
// PullOps only to the slave side. The Expunge and Create switches
// apply to both sides.
func ExpandOps(config *ChannelConfig) (mask [2]int, err error) {
	both, err := parseOps(config.Ops)
	if err != nil {
		return mask, err
	}
	push, err := parseOps(config.PushOps)
	if err != nil {
		return mask, err
	}
	pull, err := parseOps(config.PullOps)
	if err != nil {
		return mask, err
	}
	dirs := both & (opPush | opPull)
	typed := both &^ (opPush | opPull)
	if dirs != 0 && typed&OpMaskType == 0 {
		typed |= OpMaskType
	}
	if dirs == 0 {
		dirs = opPush | opPull
	}
	if dirs&opPush != 0 {
		mask[0] = typed
	}
	if dirs&opPull != 0 {
		mask[1] = typed
	}
	mask[0] |= push &^ (opPush | opPull)
	mask[1] |= pull &^ (opPush | opPull)
	for t := 0; t < 2; t++ {
		if config.Expunge {
			mask[t] |= OpExpunge
		}
		if config.Create {
			mask[t] |= OpCreate
		}
	}
	return mask, nil
}

func StringInSlice(a string, list []string) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}

func RuneInSlice(a rune, list []rune) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}
