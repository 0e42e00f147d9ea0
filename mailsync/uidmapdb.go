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
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// uidMapDB is the "db" uid mapping of the maildir driver: a sqlite
// database pairing message file base names with their assigned uids.
// With it, message files keep their original names.
type uidMapDB struct {
	db *sql.DB
}

func openUIDMapDB(dbfilepath string) (u *uidMapDB, err error) {
	db, err := sql.Open("sqlite3", dbfilepath)
	if err != nil {
		return nil, err
	}

	sqlstmt := `create table if not exists uidmap (file text not null primary key, uid integer not null);`
	if _, err = db.Exec(sqlstmt); err != nil {
		db.Close()
		return nil, err
	}
	return &uidMapDB{db: db}, nil
}

func (u *uidMapDB) Close() (err error) {
	u.db.Close()
	return
}

func (u *uidMapDB) uidForFile(file string) (uid int32, ok bool, err error) {
	rows, err := u.db.Query("select uid from uidmap where file = ?", file)
	if err != nil {
		return 0, false, err
	}
	defer rows.Close()

	for rows.Next() {
		rows.Scan(&uid)
		return uid, true, nil
	}
	return 0, false, nil
}

func (u *uidMapDB) addMapping(file string, uid int32) (err error) {
	stmt, err := u.db.Prepare("insert or replace into uidmap(file, uid) values (?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	_, err = stmt.Exec(file, uid)
	return err
}

func (u *uidMapDB) deleteMapping(file string) (err error) {
	stmt, err := u.db.Prepare("delete from uidmap where file = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()
	_, err = stmt.Exec(file)
	return err
}
