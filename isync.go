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

package main

import (
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/mback2k/isync/config"
	"github.com/mback2k/isync/log"
	"github.com/mback2k/isync/mailsync"
)

var opts struct {
	Configfile  string   `short:"c" long:"config" description:"Config file location. Default: ~/.isyncrc.toml"`
	Debug       bool     `short:"d" long:"debug" description:"Enable full debug logs. Overrides log levels in configuration file"`
	List        bool     `short:"l" long:"list" description:"List channels and then exit"`
	ChannelList []string `short:"C" long:"channel" description:"Limit the channels to the specified. Use this option multiple times to specify multiple channels."`
}

func newDriver(globalconfig *config.Config, storeconf *config.StoreConfig, loop *mailsync.Loop) (drv mailsync.Driver, err error) {
	switch storeconf.StoreType {
	case "Maildir":
		drv, err = mailsync.NewMaildirStore(globalconfig, storeconf, loop)
	case "IMAP":
		drv, err = mailsync.NewImapStore(globalconfig, storeconf, loop)
	}
	return drv, err
}

func runChannel(globalconfig *config.Config, chanconf *config.ChannelConfig, sigch chan os.Signal) int {
	logger := log.GetLogger("main", globalconfig.LogLevel)

	loop := mailsync.NewLoop()

	mdrv, err := newDriver(globalconfig, chanconf.MasterStore, loop)
	if err != nil {
		logger.Errorf("Error creating master store \"%s\": %s", chanconf.Master, err)
		return mailsync.SyncFail
	}
	sdrv, err := newDriver(globalconfig, chanconf.SlaveStore, loop)
	if err != nil {
		logger.Errorf("Error creating slave store \"%s\": %s", chanconf.Slave, err)
		return mailsync.SyncFail
	}

	drv := [2]mailsync.Driver{mdrv, sdrv}
	ctx := [2]*mailsync.Store{{}, {}}
	names := [2]string{chanconf.MasterBox, chanconf.SlaveBox}

	ret := mailsync.SyncOK
	run := mailsync.SyncBoxes(loop, globalconfig, chanconf, drv, ctx, names, func(r int) {
		ret = r
		loop.Stop()
	})

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigch:
				logger.Errorf("Interrupted, canceling channel \"%s\"", chanconf.Name)
				run.Cancel()
			case <-done:
				return
			}
		}
	}()

	loop.Run()
	close(done)
	return ret
}

func main() {
	logger := log.GetLogger("main", "info")
	u, err := user.Current()
	if err != nil {
		logger.Errorf("Cannot determine current user")
		os.Exit(1)
	}

	var parser = flags.NewParser(&opts, flags.Default)

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	if opts.Configfile == "" {
		opts.Configfile = filepath.Join(u.HomeDir, ".isyncrc.toml")
	}

	globalconfig, err := config.ParseConfig(opts.Configfile)
	if err != nil {
		logger.Errorf("Error parsing config file: %s", err)
		os.Exit(1)
	}

	err = config.VerifyConfig(globalconfig)
	if err != nil {
		logger.Errorf("Error parsing config file: %s", err)
		os.Exit(1)
	}

	if opts.Debug {
		globalconfig.LogLevel = "debug"
		globalconfig.DebugImap = true
	}

	if _, err := log.LogLevelToPriority(globalconfig.LogLevel); err != nil {
		logger.Errorf("Error: %s", err)
		os.Exit(1)
	}

	err = mailsync.MkdirIfNotExists(globalconfig.Metadatadir)
	if err != nil {
		logger.Errorf("Error: %s", err)
		os.Exit(1)
	}

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)

	ret := mailsync.SyncOK
	for _, chanconf := range globalconfig.Channels {
		if opts.ChannelList != nil {
			ok := false
			for _, c := range opts.ChannelList {
				if chanconf.Name == c {
					ok = true
					break
				}
			}
			if !ok {
				continue
			}
		}

		if opts.List {
			logger.Printf("Channel: %s (%s:%s -> %s:%s)", chanconf.Name,
				chanconf.Master, chanconf.MasterBox, chanconf.Slave, chanconf.SlaveBox)
			continue
		}

		ret |= runChannel(globalconfig, chanconf, sigch)
	}

	if ret&(mailsync.SyncFail|mailsync.SyncFailAll|mailsync.SyncBadMaster|mailsync.SyncBadSlave) != 0 {
		os.Exit(1)
	}
}
