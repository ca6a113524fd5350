package calibdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "calib.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleSet(wfs int) *Set {
	n := 4
	s := &Set{
		WFSNumber:   wfs,
		Nsubx:       2,
		Nsuby:       2,
		FrameWidth:  16,
		FrameHeight: 16,
		Comment:     "bench lamp",
		LUTX:        make([]float32, n),
		LUTY:        make([]float32, n),
		Valid:       []uint8{1, 1, 0, 1},
	}
	for i := 0; i < n; i++ {
		s.LUTX[i] = 4 + float32(i)*6 + 0.25
		s.LUTY[i] = 4 + float32(i/2)*6
	}
	s.BG = make([]float32, 16*16)
	for i := range s.BG {
		s.BG[i] = float32(i % 5)
	}
	return s
}

func TestSaveGetRoundtrip(t *testing.T) {
	db := openTestDB(t)
	want := sampleSet(2)
	id, err := db.SaveSet(want)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := db.GetSet(id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, 2, got.WFSNumber)
	assert.Equal(t, "bench lamp", got.Comment)
	assert.Empty(t, cmp.Diff(want.LUTX, got.LUTX))
	assert.Empty(t, cmp.Diff(want.LUTY, got.LUTY))
	assert.Empty(t, cmp.Diff(want.Valid, got.Valid))
	assert.Empty(t, cmp.Diff(want.BG, got.BG))
}

func TestOptionalBlobsAbsent(t *testing.T) {
	db := openTestDB(t)
	s := sampleSet(1)
	s.Valid = nil
	s.BG = nil
	id, err := db.SaveSet(s)
	require.NoError(t, err)

	got, err := db.GetSet(id)
	require.NoError(t, err)
	assert.Nil(t, got.Valid)
	assert.Nil(t, got.BG)
}

func TestLatestSetPicksNewest(t *testing.T) {
	db := openTestDB(t)
	old := sampleSet(3)
	old.CreatedAt = time.Unix(1000, 0)
	_, err := db.SaveSet(old)
	require.NoError(t, err)

	newer := sampleSet(3)
	newer.CreatedAt = time.Unix(2000, 0)
	newer.Comment = "after realignment"
	id, err := db.SaveSet(newer)
	require.NoError(t, err)

	other := sampleSet(4)
	other.CreatedAt = time.Unix(3000, 0)
	_, err = db.SaveSet(other)
	require.NoError(t, err)

	got, err := db.LatestSet(3)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "after realignment", got.Comment)
}

func TestLatestSetMissing(t *testing.T) {
	db := openTestDB(t)
	_, err := db.LatestSet(9)
	assert.ErrorIs(t, err, ErrNoSet)
}

func TestSaveSetValidation(t *testing.T) {
	db := openTestDB(t)
	s := sampleSet(1)
	s.LUTX = s.LUTX[:2]
	_, err := db.SaveSet(s)
	assert.Error(t, err, "short LUT rejected")

	s = sampleSet(1)
	s.BG = s.BG[:10]
	_, err = db.SaveSet(s)
	assert.Error(t, err, "short background rejected")

	s = sampleSet(0)
	_, err = db.SaveSet(s)
	assert.Error(t, err, "wfs number 0 rejected")
}

func TestListSets(t *testing.T) {
	db := openTestDB(t)
	a := sampleSet(1)
	a.CreatedAt = time.Unix(1000, 0)
	_, err := db.SaveSet(a)
	require.NoError(t, err)
	b := sampleSet(2)
	b.CreatedAt = time.Unix(2000, 0)
	b.Valid = nil
	_, err = db.SaveSet(b)
	require.NoError(t, err)

	infos, err := db.ListSets()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, 2, infos[0].WFSNumber, "newest first")
	assert.False(t, infos[0].HasValid)
	assert.True(t, infos[0].HasBG)
	assert.True(t, infos[1].HasValid)
}

func TestMigrationsReentrant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calib.db")
	db, err := Open(path)
	require.NoError(t, err)
	_, err = db.SaveSet(sampleSet(1))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening runs migrations against an up-to-date schema.
	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()
	infos, err := db2.ListSets()
	require.NoError(t, err)
	assert.Len(t, infos, 1)

	version, dirty, err := db2.SchemaVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)
}
