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
	"testing"
)

func TestParseFlags(t *testing.T) {
	cases := map[string]Flags{
		"":      0,
		"D":     FDraft,
		"S":     FSeen,
		"FS":    FFlagged | FSeen,
		"DFRST": FDraft | FFlagged | FAnswered | FSeen | FDeleted,
		"ST":    FSeen | FDeleted,
	}
	for s, expected := range cases {
		if flags := ParseFlags(s); flags != expected {
			t.Fatalf("ParseFlags(%q): expected %d, found %d", s, expected, flags)
		}
		if out := expected.String(); out != s {
			t.Fatalf("Flags(%d).String(): expected %q, found %q", expected, s, out)
		}
	}
}

func TestParseMaildirFlags(t *testing.T) {
	// maildir file names may carry unordered and foreign flag chars
	if flags := parseMaildirFlags("TSa"); flags != FSeen|FDeleted {
		t.Fatalf("Expected ST, found %s", flags)
	}
}

func TestSideHelpers(t *testing.T) {
	if Master.Other() != Slave || Slave.Other() != Master {
		t.Fatalf("Side.Other is broken")
	}
	if Master.String() != "master" || Slave.String() != "slave" {
		t.Fatalf("Side.String is broken")
	}
	if Master.Direction() != "push" || Slave.Direction() != "pull" {
		t.Fatalf("Side.Direction is broken")
	}
}
