package journal

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/assignment-scheduler/internal/audit"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

func sealed(seq uint64, typ types.EventType) *types.AssignmentEvent {
	e := &types.AssignmentEvent{
		Seq:          seq,
		AssignmentID: "a-001",
		Type:         typ,
		ActorUserID:  "system:dispatcher",
		Data:         map[string]any{"seq": seq},
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC),
	}
	e.Checksum = audit.Checksum(e)
	return e
}

func TestWriteReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	j, err := Open(path, Options{BufferSize: 2})
	require.NoError(t, err)

	require.NoError(t, j.Write(sealed(1, types.EventCreated)))
	require.NoError(t, j.Write(sealed(2, types.EventCommented), sealed(3, types.EventCompleted)))
	assert.Equal(t, uint64(3), j.LastSeq())

	var got []uint64
	require.NoError(t, j.Replay(func(e *types.AssignmentEvent) error {
		got = append(got, e.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2, 3}, got)
	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Write(sealed(4, types.EventCommented)), ErrClosed)
}

func TestReopenRecoversLastSeq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	j, err := Open(path, Options{SyncOnWrite: true})
	require.NoError(t, err)
	require.NoError(t, j.Write(sealed(7, types.EventCreated)))
	require.NoError(t, j.Close())

	// A torn trailing line is ignored when reading the tail.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq": 8, "event_type": "comm`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path, Options{})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	assert.Equal(t, uint64(7), reopened.LastSeq())
}

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	j, err := Open(path, Options{SyncOnWrite: true})
	require.NoError(t, err)

	bad := sealed(1, types.EventCreated)
	bad.ActorUserID = "mallory"
	require.NoError(t, j.Write(bad))

	err = j.Replay(func(*types.AssignmentEvent) error { return nil })
	var ce *audit.ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.Seq)
	require.NoError(t, j.Close())

	stats, err := GetStats(path)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CorruptedCount)
	assert.Zero(t, stats.TotalEvents)
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	require.NoError(t, j.Write(sealed(1, types.EventCreated), sealed(2, types.EventCompleted)))
	segment, err := j.Rotate()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(segment), "audit.jsonl."))

	stats, err := GetStats(segment)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEvents)
	assert.Equal(t, uint64(1), stats.FirstSeq)
	assert.Equal(t, uint64(2), stats.LastSeq)
	assert.Equal(t, 1, stats.EventTypes[types.EventCreated])

	require.NoError(t, j.Write(sealed(3, types.EventCreated)))
	require.NoError(t, j.Flush())
	stats, err = GetStats(path)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEvents)
	assert.Equal(t, uint64(3), j.LastSeq(), "seq keeps growing across rotations")
}

func TestBackgroundFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	j, err := Open(path, Options{BufferSize: 100, FlushInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	require.NoError(t, j.Write(sealed(1, types.EventCreated)))
	assert.Eventually(t, func() bool {
		last, err := GetLastEvent(path)
		return err == nil && last != nil && last.Seq == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDumpAndCompress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	j, err := Open(path, Options{SyncOnWrite: true})
	require.NoError(t, err)
	require.NoError(t, j.Write(sealed(1, types.EventCreated)))
	require.NoError(t, j.Close())

	var out bytes.Buffer
	require.NoError(t, Dump(path, &out))
	assert.Contains(t, out.String(), "[seq:1] created a-001 by system:dispatcher")

	var gz bytes.Buffer
	require.NoError(t, Compress(path, &gz))
	r, err := gzip.NewReader(&gz)
	require.NoError(t, err)
	plain, err := io.ReadAll(r)
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, raw, plain)
}
