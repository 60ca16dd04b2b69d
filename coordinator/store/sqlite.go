// Copyright 2023 StreamNative, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/juju/fslock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"github.com/ecs-project/ecs/coordinator/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS Detector (
	id          TEXT PRIMARY KEY,
	address     TEXT NOT NULL,
	type        TEXT NOT NULL,
	portCommand INTEGER NOT NULL,
	pingPort    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS Partition (
	id               TEXT PRIMARY KEY,
	address          TEXT NOT NULL,
	portPublish      INTEGER NOT NULL,
	portLog          INTEGER NOT NULL,
	portUpdates      INTEGER NOT NULL,
	portCurrentState INTEGER NOT NULL,
	portCommand      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS GlobalSystem (
	id               TEXT PRIMARY KEY,
	address          TEXT NOT NULL,
	portCommand      INTEGER NOT NULL,
	portPublish      INTEGER NOT NULL,
	portUpdates      INTEGER NOT NULL,
	portCurrentState INTEGER NOT NULL,
	portLog          INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS Mapping (
	detectorId  TEXT PRIMARY KEY REFERENCES Detector(id) ON DELETE CASCADE,
	partitionId TEXT NOT NULL REFERENCES Partition(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS Permission (
	partitionId TEXT PRIMARY KEY,
	token       TEXT NOT NULL
);
`

const (
	detectorColumns     = "id, address, type, portCommand, pingPort"
	partitionColumns    = "id, address, portPublish, portLog, portUpdates, portCurrentState, portCommand"
	globalSystemColumns = "id, address, portCommand, portPublish, portUpdates, portCurrentState, portLog"
)

type sqliteStore struct {
	db       *sql.DB
	fileLock *fslock.Lock
	log      *slog.Logger
}

// OpenSQLite opens (and creates if needed) the store at path. A lock file
// next to the database keeps a second coordinator from using it.
func OpenSQLite(path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create store directory")
	}

	fileLock := fslock.New(path + ".lock")
	if err := fileLock.TryLock(); err != nil {
		return nil, errors.Wrapf(err, "store %s is in use by another coordinator", path)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = fileLock.Unlock()
		return nil, errors.Wrap(err, "failed to open store")
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		_ = fileLock.Unlock()
		return nil, errors.Wrap(err, "failed to initialize store schema")
	}

	s := &sqliteStore{
		db:       db,
		fileLock: fileLock,
		log: slog.With(
			slog.String("component", "sqlite-store"),
			slog.String("path", path),
		),
	}
	s.log.Info("Opened store")
	return s, nil
}

func (s *sqliteStore) Close() error {
	return multierr.Combine(
		s.db.Close(),
		s.fileLock.Unlock(),
	)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDetector(row scanner) (model.Detector, error) {
	d := model.Detector{}
	err := row.Scan(&d.Id, &d.Address, &d.Type, &d.PortCommand, &d.PingPort)
	return d, err
}

func scanPartition(row scanner) (model.Partition, error) {
	p := model.Partition{}
	err := row.Scan(&p.Id, &p.Address, &p.PortPublish, &p.PortLog, &p.PortUpdates, &p.PortCurrentState, &p.PortCommand)
	return p, err
}

func scanGlobalSystem(row scanner) (model.GlobalSystem, error) {
	g := model.GlobalSystem{}
	err := row.Scan(&g.Id, &g.Address, &g.PortCommand, &g.PortPublish, &g.PortUpdates, &g.PortCurrentState, &g.PortLog)
	return g, err
}

func notFound(err error, kind string, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrNotFound, "%s %s", kind, id)
	}
	return errors.Wrapf(err, "failed to read %s %s", kind, id)
}

func queryAll[T any](db *sql.DB, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]T, 0)
	for rows.Next() {
		t, err := scan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func isUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func affected(res sql.Result, err error, notFoundErr error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFoundErr
	}
	return nil
}

func (s *sqliteStore) GetDetector(id string) (model.Detector, error) {
	d, err := scanDetector(s.db.QueryRow("SELECT "+detectorColumns+" FROM Detector WHERE id = ?", id))
	if err != nil {
		return d, notFound(err, "detector", id)
	}
	return d, nil
}

func (s *sqliteStore) GetAllDetectors() ([]model.Detector, error) {
	return queryAll(s.db, scanDetector, "SELECT "+detectorColumns+" FROM Detector ORDER BY id")
}

func (s *sqliteStore) AddDetector(d model.Detector) error {
	_, err := s.db.Exec("INSERT INTO Detector ("+detectorColumns+") VALUES (?, ?, ?, ?, ?)",
		d.Id, d.Address, d.Type, d.PortCommand, d.PingPort)
	if isUnique(err) {
		return errors.Wrapf(ErrAlreadyExists, "detector %s", d.Id)
	}
	return err
}

func (s *sqliteStore) RemoveDetector(id string) error {
	res, err := s.db.Exec("DELETE FROM Detector WHERE id = ?", id)
	return affected(res, err,
		errors.Wrapf(ErrNotFound, "detector %s", id))
}

func (s *sqliteStore) GetPartition(id string) (model.Partition, error) {
	p, err := scanPartition(s.db.QueryRow("SELECT "+partitionColumns+" FROM Partition WHERE id = ?", id))
	if err != nil {
		return p, notFound(err, "partition", id)
	}
	return p, nil
}

func (s *sqliteStore) GetAllPartitions() ([]model.Partition, error) {
	return queryAll(s.db, scanPartition, "SELECT "+partitionColumns+" FROM Partition ORDER BY id")
}

func (s *sqliteStore) AddPartition(p model.Partition) error {
	_, err := s.db.Exec("INSERT INTO Partition ("+partitionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		p.Id, p.Address, p.PortPublish, p.PortLog, p.PortUpdates, p.PortCurrentState, p.PortCommand)
	if isUnique(err) {
		return errors.Wrapf(ErrAlreadyExists, "partition %s", p.Id)
	}
	return err
}

func (s *sqliteStore) RemovePartition(id string) error {
	res, err := s.db.Exec("DELETE FROM Partition WHERE id = ?", id)
	return affected(res, err,
		errors.Wrapf(ErrNotFound, "partition %s", id))
}

func (s *sqliteStore) GetGlobalSystem(id string) (model.GlobalSystem, error) {
	g, err := scanGlobalSystem(s.db.QueryRow("SELECT "+globalSystemColumns+" FROM GlobalSystem WHERE id = ?", id))
	if err != nil {
		return g, notFound(err, "global system", id)
	}
	return g, nil
}

func (s *sqliteStore) GetAllGlobalSystems() ([]model.GlobalSystem, error) {
	return queryAll(s.db, scanGlobalSystem, "SELECT "+globalSystemColumns+" FROM GlobalSystem ORDER BY id")
}

func (s *sqliteStore) PutGlobalSystem(g model.GlobalSystem) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO GlobalSystem ("+globalSystemColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		g.Id, g.Address, g.PortCommand, g.PortPublish, g.PortUpdates, g.PortCurrentState, g.PortLog)
	return err
}

func (s *sqliteStore) MapDetector(detectorId string, partitionId string) error {
	_, err := s.db.Exec("INSERT INTO Mapping (detectorId, partitionId) VALUES (?, ?)", detectorId, partitionId)
	if isUnique(err) {
		return errors.Wrapf(ErrAlreadyExists, "mapping for detector %s", detectorId)
	}
	if isForeignKey(err) {
		return errors.Wrapf(ErrNotFound, "detector %s or partition %s", detectorId, partitionId)
	}
	return err
}

func (s *sqliteStore) UnmapDetector(detectorId string) error {
	res, err := s.db.Exec("DELETE FROM Mapping WHERE detectorId = ?", detectorId)
	return affected(res, err,
		errors.Wrapf(ErrNotFound, "mapping for detector %s", detectorId))
}

func (s *sqliteStore) RemapDetector(detectorId string, newPartitionId string, oldPartitionId string) error {
	res, err := s.db.Exec("UPDATE Mapping SET partitionId = ? WHERE detectorId = ? AND partitionId = ?",
		newPartitionId, detectorId, oldPartitionId)
	if isForeignKey(err) {
		return errors.Wrapf(ErrNotFound, "partition %s", newPartitionId)
	}
	return affected(res, err, errors.Wrapf(ErrNotFound, "mapping for detector %s to %s", detectorId, oldPartitionId))
}

func (s *sqliteStore) GetPartitionForDetector(detectorId string) (model.Partition, error) {
	p, err := scanPartition(s.db.QueryRow("SELECT p."+strings.ReplaceAll(partitionColumns, ", ", ", p.")+
		" FROM Partition p JOIN Mapping m ON m.partitionId = p.id WHERE m.detectorId = ?", detectorId))
	if err != nil {
		return p, notFound(err, "mapping for detector", detectorId)
	}
	return p, nil
}

func (s *sqliteStore) GetDetectorsForPartition(partitionId string) ([]model.Detector, error) {
	if _, err := s.GetPartition(partitionId); err != nil {
		return nil, err
	}
	return queryAll(s.db, scanDetector, "SELECT d."+strings.ReplaceAll(detectorColumns, ", ", ", d.")+
		" FROM Detector d JOIN Mapping m ON m.detectorId = d.id WHERE m.partitionId = ? ORDER BY d.id", partitionId)
}

func (s *sqliteStore) GetUnmappedDetectors() ([]model.Detector, error) {
	return queryAll(s.db, scanDetector, "SELECT "+detectorColumns+
		" FROM Detector WHERE id NOT IN (SELECT detectorId FROM Mapping) ORDER BY id")
}

func (s *sqliteStore) GetDetectorMapping() (model.Mapping, error) {
	rows, err := s.db.Query("SELECT detectorId, partitionId FROM Mapping")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := model.Mapping{}
	for rows.Next() {
		var d, p string
		if err := rows.Scan(&d, &p); err != nil {
			return nil, err
		}
		res[d] = p
	}
	return res, rows.Err()
}

func (s *sqliteStore) UsedPortsForAddress(address string) ([]int, error) {
	rows, err := s.db.Query(`
		SELECT portCommand FROM Detector WHERE address = ?1
		UNION SELECT pingPort FROM Detector WHERE address = ?1
		UNION SELECT portPublish FROM Partition WHERE address = ?1
		UNION SELECT portLog FROM Partition WHERE address = ?1
		UNION SELECT portUpdates FROM Partition WHERE address = ?1
		UNION SELECT portCurrentState FROM Partition WHERE address = ?1
		UNION SELECT portCommand FROM Partition WHERE address = ?1
		UNION SELECT portCommand FROM GlobalSystem WHERE address = ?1
		UNION SELECT portPublish FROM GlobalSystem WHERE address = ?1
		UNION SELECT portUpdates FROM GlobalSystem WHERE address = ?1
		UNION SELECT portCurrentState FROM GlobalSystem WHERE address = ?1
		UNION SELECT portLog FROM GlobalSystem WHERE address = ?1`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]int, 0)
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		if port != model.NoPort {
			res = append(res, port)
		}
	}
	slices.Sort(res)
	return res, rows.Err()
}

func (s *sqliteStore) PutPermission(p model.Permission) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO Permission (partitionId, token) VALUES (?, ?)", p.PartitionId, p.Token)
	return err
}

func (s *sqliteStore) GetPermission(partitionId string) (model.Permission, error) {
	p := model.Permission{}
	err := s.db.QueryRow("SELECT partitionId, token FROM Permission WHERE partitionId = ?", partitionId).
		Scan(&p.PartitionId, &p.Token)
	if err != nil {
		return p, notFound(err, "permission", partitionId)
	}
	return p, nil
}

func (s *sqliteStore) RemovePermission(partitionId string) error {
	_, err := s.db.Exec("DELETE FROM Permission WHERE partitionId = ?", partitionId)
	return err
}

func (s *sqliteStore) ClearPermissions() error {
	_, err := s.db.Exec("DELETE FROM Permission")
	return err
}
