// Package calibdb stores wavefront-sensor calibration products: subaperture
// lookup tables, validity masks and reference background frames. Products are
// grouped into sets keyed by uuid; the newest set per WFS is what an operator
// publishes into shared memory before starting a centroider.
//
// The store never holds slopes or any other per-cycle output.
package calibdb

import (
	"database/sql"
	"embed"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsRoot embed.FS

// ErrNoSet reports that no calibration set matches the query.
var ErrNoSet = errors.New("calibdb: no such calibration set")

// DB wraps the calibration database.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the calibration database at path and brings
// its schema up to date.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("calibdb: open %s: %w", path, err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("calibdb: ping %s: %w", path, err)
	}
	db := &DB{DB: sqlDB}
	migrations, err := fs.Sub(migrationsRoot, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrateUp(migrations); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Set is one calibration product group for one WFS.
type Set struct {
	ID          string
	WFSNumber   int
	Nsubx       int
	Nsuby       int
	FrameWidth  int
	FrameHeight int
	CreatedAt   time.Time
	Comment     string

	LUTX  []float32 // fractional x-centers, length Nsubx*Nsuby
	LUTY  []float32 // fractional y-centers, length Nsubx*Nsuby
	Valid []uint8   // validity mask, nil when absent
	BG    []float32 // reference background frame, nil when absent
}

func (s *Set) numSubaps() int { return s.Nsubx * s.Nsuby }

func (s *Set) validate() error {
	n := s.numSubaps()
	if s.WFSNumber < 1 {
		return fmt.Errorf("calibdb: wfs number %d, want >= 1", s.WFSNumber)
	}
	if n <= 0 {
		return fmt.Errorf("calibdb: bad grid %dx%d", s.Nsubx, s.Nsuby)
	}
	if len(s.LUTX) != n || len(s.LUTY) != n {
		return fmt.Errorf("calibdb: LUT length %d/%d, want %d", len(s.LUTX), len(s.LUTY), n)
	}
	if s.Valid != nil && len(s.Valid) != n {
		return fmt.Errorf("calibdb: validity mask length %d, want %d", len(s.Valid), n)
	}
	if s.BG != nil && len(s.BG) != s.FrameWidth*s.FrameHeight {
		return fmt.Errorf("calibdb: background length %d, want %d",
			len(s.BG), s.FrameWidth*s.FrameHeight)
	}
	return nil
}

// SaveSet stores a new calibration set and returns its assigned ID.
func (db *DB) SaveSet(s *Set) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	created := s.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := db.Exec(`INSERT INTO calibration_sets
		(set_id, wfs_number, nsubx, nsuby, frame_width, frame_height, created_unix, comment,
		 lut_x_blob, lut_y_blob, valid_blob, bg_blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, s.WFSNumber, s.Nsubx, s.Nsuby, s.FrameWidth, s.FrameHeight, created.Unix(), s.Comment,
		floatBlob(s.LUTX), floatBlob(s.LUTY), nullableBytes(s.Valid), nullableBytes(floatBlob(s.BG)))
	if err != nil {
		return "", fmt.Errorf("calibdb: insert set: %w", err)
	}
	return id, nil
}

// GetSet loads the calibration set with the given ID.
func (db *DB) GetSet(id string) (*Set, error) {
	row := db.QueryRow(`SELECT set_id, wfs_number, nsubx, nsuby, frame_width, frame_height,
		created_unix, comment, lut_x_blob, lut_y_blob, valid_blob, bg_blob
		FROM calibration_sets WHERE set_id = ?`, id)
	return scanSet(row)
}

// LatestSet loads the newest calibration set for a WFS.
func (db *DB) LatestSet(wfsNumber int) (*Set, error) {
	row := db.QueryRow(`SELECT set_id, wfs_number, nsubx, nsuby, frame_width, frame_height,
		created_unix, comment, lut_x_blob, lut_y_blob, valid_blob, bg_blob
		FROM calibration_sets WHERE wfs_number = ?
		ORDER BY created_unix DESC, set_id DESC LIMIT 1`, wfsNumber)
	return scanSet(row)
}

// SetInfo is the listing row for a stored calibration set.
type SetInfo struct {
	ID        string
	WFSNumber int
	Nsubx     int
	Nsuby     int
	CreatedAt time.Time
	Comment   string
	HasValid  bool
	HasBG     bool
}

// ListSets returns metadata for every stored set, newest first.
func (db *DB) ListSets() ([]SetInfo, error) {
	rows, err := db.Query(`SELECT set_id, wfs_number, nsubx, nsuby, created_unix, comment,
		valid_blob IS NOT NULL, bg_blob IS NOT NULL
		FROM calibration_sets ORDER BY created_unix DESC, set_id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SetInfo
	for rows.Next() {
		var info SetInfo
		var created int64
		if err := rows.Scan(&info.ID, &info.WFSNumber, &info.Nsubx, &info.Nsuby,
			&created, &info.Comment, &info.HasValid, &info.HasBG); err != nil {
			return nil, err
		}
		info.CreatedAt = time.Unix(created, 0)
		out = append(out, info)
	}
	return out, rows.Err()
}

func scanSet(row *sql.Row) (*Set, error) {
	var s Set
	var created int64
	var lutX, lutY []byte
	var valid, bg []byte
	err := row.Scan(&s.ID, &s.WFSNumber, &s.Nsubx, &s.Nsuby, &s.FrameWidth, &s.FrameHeight,
		&created, &s.Comment, &lutX, &lutY, &valid, &bg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSet
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(created, 0)
	if s.LUTX, err = blobFloats(lutX); err != nil {
		return nil, err
	}
	if s.LUTY, err = blobFloats(lutY); err != nil {
		return nil, err
	}
	if valid != nil {
		s.Valid = append([]uint8(nil), valid...)
	}
	if bg != nil {
		if s.BG, err = blobFloats(bg); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

// floatBlob packs a float32 slice little-endian. A nil slice packs to nil.
func floatBlob(v []float32) []byte {
	if v == nil {
		return nil
	}
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

func blobFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("calibdb: blob length %d not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

// nullableBytes maps an empty slice to NULL so absence survives a roundtrip.
func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
