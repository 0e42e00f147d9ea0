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

// Side selects one of the two stores of a channel.
type Side int

const (
	Master Side = 0
	Slave  Side = 1
)

func (t Side) Other() Side {
	return 1 - t
}

func (t Side) String() string {
	if t == Master {
		return "master"
	}
	return "slave"
}

// Direction name for messages propagated onto side t.
func (t Side) Direction() string {
	if t == Master {
		return "push"
	}
	return "pull"
}

// Flags is the set of syncable message flags. The bit order matches
// the alphabetical maildir flag sort.
type Flags uint8

const (
	FDraft Flags = 1 << iota
	FFlagged
	FAnswered
	FSeen
	FDeleted
)

const NumFlags = 5

var flagChars = [NumFlags]byte{'D', 'F', 'R', 'S', 'T'}

// ParseFlags reads a canonically ordered flag string. Characters out
// of order or outside the alphabet terminate the scan.
func ParseFlags(buf string) Flags {
	var flags Flags
	d := 0
	for i := 0; i < NumFlags; i++ {
		if d < len(buf) && buf[d] == flagChars[i] {
			flags |= 1 << uint(i)
			d++
		}
	}
	return flags
}

func (f Flags) String() string {
	var buf [NumFlags]byte
	d := 0
	for i := 0; i < NumFlags; i++ {
		if f&(1<<uint(i)) != 0 {
			buf[d] = flagChars[i]
			d++
		}
	}
	return string(buf[:d])
}

// Message status bits.
const (
	MRecent uint8 = 1 << iota
	MDead         // expunged
	MFlags        // flags fetched
	MTime         // time fetched
)

// TUIDLength is the size of the tracking id injected into copied
// messages.
const TUIDLength = 12
