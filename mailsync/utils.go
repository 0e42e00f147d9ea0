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
	"os"
	"sort"
	"strings"
)

// mapName flattens every occurrence of from into to. A name already
// containing the target character cannot be represented.
func mapName(name string, from, to byte) (string, error) {
	if strings.IndexByte(name, to) >= 0 {
		return "", fmt.Errorf("name \"%s\" contains mapped character %q", name, to)
	}
	return strings.Replace(name, string(from), string(to), -1), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func MkdirIfNotExists(name string) (err error) {
	if _, err = os.Stat(name); os.IsNotExist(err) {
		err = os.Mkdir(name, 0777)
	}
	return
}

// sortMsgs orders a message list by ascending uid, the order the
// engine expects from Load.
func sortMsgs(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].UID < msgs[j].UID
	})
}
