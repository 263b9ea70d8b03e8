package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/assignment-scheduler/internal/audit"
	"github.com/ChuLiYu/assignment-scheduler/internal/audit/journal"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func writeSegment(t *testing.T, corrupt bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	j, err := journal.Open(path, journal.Options{SyncOnWrite: true})
	require.NoError(t, err)
	for seq := uint64(1); seq <= 3; seq++ {
		e := &types.AssignmentEvent{
			Seq: seq, AssignmentID: "a1", Type: types.EventCommented, ActorUserID: "alice",
			CreatedAt: time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC),
		}
		e.Checksum = audit.Checksum(e)
		if corrupt && seq == 2 {
			e.Checksum++
		}
		require.NoError(t, j.Write(e))
	}
	segment, err := j.Rotate()
	require.NoError(t, err)
	require.NoError(t, j.Close())
	return segment
}

func TestUpload(t *testing.T) {
	segment := writeSegment(t, false)
	fake := &fakeS3{}
	a, err := New(fake, Config{Bucket: "audit", Prefix: "/scheduler/"})
	require.NoError(t, err)
	a.now = func() time.Time { return time.Date(2026, 10, 15, 3, 0, 0, 0, time.UTC) }

	key, err := a.Upload(context.Background(), segment)
	require.NoError(t, err)
	assert.Equal(t, "scheduler/2026/10/15/"+filepath.Base(segment)+".gz", key)

	require.Len(t, fake.inputs, 1)
	in := fake.inputs[0]
	assert.Equal(t, "audit", aws.ToString(in.Bucket))
	assert.Equal(t, "gzip", aws.ToString(in.ContentEncoding))
	assert.Equal(t, "1", in.Metadata["first-seq"])
	assert.Equal(t, "3", in.Metadata["last-seq"])
	assert.Equal(t, "3", in.Metadata["events"])

	r, err := gzip.NewReader(bytes.NewReader(fake.bodies[0]))
	require.NoError(t, err)
	plain, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, 3, bytes.Count(plain, []byte("\n")))

	_, err = os.Stat(segment)
	assert.True(t, os.IsNotExist(err), "archived segment is removed locally")
}

func TestUploadRefusesCorruptedSegment(t *testing.T) {
	segment := writeSegment(t, true)
	fake := &fakeS3{}
	a, err := New(fake, Config{Bucket: "audit"})
	require.NoError(t, err)

	_, err = a.Upload(context.Background(), segment)
	require.Error(t, err)
	assert.Empty(t, fake.inputs)
	_, statErr := os.Stat(segment)
	assert.NoError(t, statErr, "segment kept for inspection")
}

func TestUploadErrorKeepsSegment(t *testing.T) {
	segment := writeSegment(t, false)
	a, err := New(&fakeS3{err: errors.New("503 slow down")}, Config{Bucket: "audit"})
	require.NoError(t, err)

	_, err = a.Upload(context.Background(), segment)
	assert.ErrorContains(t, err, "slow down")
	_, statErr := os.Stat(segment)
	assert.NoError(t, statErr)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"})
	assert.Error(t, err)
	_, err = New(&fakeS3{}, Config{})
	assert.Error(t, err)
}

func TestNewS3Client(t *testing.T) {
	client, err := NewS3Client(context.Background(), Config{
		Bucket: "audit", Endpoint: "http://localhost:9000", AccessKeyID: "AKIA", SecretAccessKey: "SECRET", PathStyle: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", client.Options().Region)
	assert.True(t, client.Options().UsePathStyle)
}
