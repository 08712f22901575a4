/*
Copyright 2026 jr42.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package storage implements spec.md §4.6/§6's stable-storage contract:
// the single persisted ULA choice, and per-iface preferred prefixes tried
// (in insertion order) before falling back to random search. The SQLite
// backend follows the load/create-table/prepared-statement shape of
// lion7-caddydhcp's handlers/range/storage.go, substituting
// github.com/mattn/go-sqlite3 for that package's driver.
package storage

import (
	"database/sql"
	"fmt"
	"net/netip"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a database/sql-backed implementation of kernel.StableStorage
// and localprefix.StableStorage.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and ensures
// its schema exists.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("open stable storage: %w", err)
	}
	if _, err := db.Exec(`create table if not exists ula (id integer primary key check (id = 0), prefix string not null)`); err != nil {
		return nil, fmt.Errorf("ula table creation failed: %w", err)
	}
	if _, err := db.Exec(`create table if not exists iface_prefixes (ifname string not null, prefix string not null, seq integer not null, primary key (ifname, prefix))`); err != nil {
		return nil, fmt.Errorf("iface_prefixes table creation failed: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// ULAGet returns the single persisted ULA prefix, if one has been chosen.
func (s *SQLite) ULAGet() (netip.Prefix, bool, error) {
	var raw string
	err := s.db.QueryRow(`select prefix from ula where id = 0`).Scan(&raw)
	if err == sql.ErrNoRows {
		return netip.Prefix{}, false, nil
	}
	if err != nil {
		return netip.Prefix{}, false, fmt.Errorf("ula lookup failed: %w", err)
	}
	p, err := netip.ParsePrefix(raw)
	if err != nil {
		return netip.Prefix{}, false, fmt.Errorf("stored ula prefix is malformed: %w", err)
	}
	return p, true, nil
}

// ULASet persists the chosen ULA prefix, replacing any prior choice.
func (s *SQLite) ULASet(p netip.Prefix) error {
	stmt, err := s.db.Prepare(`insert or replace into ula(id, prefix) values (0, ?)`)
	if err != nil {
		return fmt.Errorf("ula statement preparation failed: %w", err)
	}
	defer stmt.Close()
	if _, err := stmt.Exec(p.String()); err != nil {
		return fmt.Errorf("ula persist failed: %w", err)
	}
	return nil
}

// PrefixFind returns the first stored per-iface preferred prefix, in
// insertion order, for which fits reports true.
func (s *SQLite) PrefixFind(ifname string, fits func(netip.Prefix) bool) (netip.Prefix, bool, error) {
	rows, err := s.db.Query(`select prefix from iface_prefixes where ifname = ? order by seq asc`, ifname)
	if err != nil {
		return netip.Prefix{}, false, fmt.Errorf("iface prefix query failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return netip.Prefix{}, false, fmt.Errorf("iface prefix row scan failed: %w", err)
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			continue
		}
		if fits(p) {
			return p, true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return netip.Prefix{}, false, fmt.Errorf("iface prefix row iteration failed: %w", err)
	}
	return netip.Prefix{}, false, nil
}

// PrefixAdd records p as a preferred prefix for ifname, so a future search
// tries it before drawing a new random candidate.
func (s *SQLite) PrefixAdd(ifname string, p netip.Prefix) error {
	var seq int
	if err := s.db.QueryRow(`select coalesce(max(seq), 0) + 1 from iface_prefixes where ifname = ?`, ifname).Scan(&seq); err != nil {
		return fmt.Errorf("iface prefix sequence lookup failed: %w", err)
	}
	stmt, err := s.db.Prepare(`insert or replace into iface_prefixes(ifname, prefix, seq) values (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("iface prefix statement preparation failed: %w", err)
	}
	defer stmt.Close()
	if _, err := stmt.Exec(ifname, p.String(), seq); err != nil {
		return fmt.Errorf("iface prefix persist failed: %w", err)
	}
	return nil
}
