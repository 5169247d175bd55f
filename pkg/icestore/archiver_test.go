package icestore

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/illmade-knight/lorawan-bridge/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWriter struct {
	buf      bytes.Buffer
	closed   bool
	closeErr error
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write on closed writer")
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	if w.closed {
		return errors.New("already closed")
	}
	w.closed = true
	return w.closeErr
}

type storedObject struct {
	bucket string
	meta   ObjectMeta
	writer *memWriter
}

// memStore is an in-memory ObjectStore keyed by object name.
type memStore struct {
	mu       sync.Mutex
	objects  map[string]*storedObject
	closeErr error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string]*storedObject)}
}

func (m *memStore) NewObjectWriter(_ context.Context, bucket, object string, meta ObjectMeta) io.WriteCloser {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj := &storedObject{bucket: bucket, meta: meta, writer: &memWriter{closeErr: m.closeErr}}
	m.objects[object] = obj
	return obj.writer
}

func (m *memStore) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *memStore) object(name string) *storedObject {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[name]
}

// readObject decompresses one archived object into records.
func readObject(t *testing.T, w *memWriter) []types.SensorRecord {
	t.Helper()
	require.True(t, w.closed, "object must be committed")
	gz, err := gzip.NewReader(&w.buf)
	require.NoError(t, err)
	defer gz.Close()

	var out []types.SensorRecord
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		var rec types.SensorRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, scanner.Err())
	return out
}

// --- Tests ---

const (
	day1 = int64(1680696000000) // 2023-04-05T12:00:00Z
	day2 = int64(1680782400000) // 2023-04-06T12:00:00Z
)

func TestNewGCSArchiver_Validation(t *testing.T) {
	_, err := NewGCSArchiver(nil, GCSArchiverConfig{BucketName: "b"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewGCSArchiver(newMemStore(), GCSArchiverConfig{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestGCSArchiver_SendGroupsByDay(t *testing.T) {
	store := newMemStore()
	archiver, err := NewGCSArchiver(store, GCSArchiverConfig{BucketName: "sensor-archive", ObjectPrefix: "uplinks"}, zerolog.Nop())
	require.NoError(t, err)

	batch := []types.SensorRecord{
		{DeviceID: 0xE1150005A3C7, SensorType: 1, Value: 21.5, TimestampMs: day1},
		{DeviceID: 0xE1150005A3C7, SensorType: 1, Value: 19, TimestampMs: day2},
		{DeviceID: 0xE1150005A3C7, SensorType: 2, Value: 40, TimestampMs: day1},
	}
	require.NoError(t, archiver.Send(context.Background(), batch))

	names := store.names()
	require.Len(t, names, 2)
	assert.True(t, strings.HasPrefix(names[0], "uplinks/2023/04/05/"), names[0])
	assert.True(t, strings.HasPrefix(names[1], "uplinks/2023/04/06/"), names[1])
	assert.True(t, strings.HasSuffix(names[0], ".jsonl.gz"))

	first := store.object(names[0])
	assert.Equal(t, "sensor-archive", first.bucket)
	assert.Equal(t, ObjectMeta{
		ContentType:     "application/x-ndjson",
		ContentEncoding: "gzip",
		Metadata:        map[string]string{"day": "2023/04/05", "record_count": "2"},
	}, first.meta)
	assert.Equal(t, []types.SensorRecord{batch[0], batch[2]}, readObject(t, first.writer))

	second := store.object(names[1])
	assert.Equal(t, "1", second.meta.Metadata["record_count"])
	assert.Equal(t, []types.SensorRecord{batch[1]}, readObject(t, second.writer))

	assert.NoError(t, archiver.Close())
}

func TestGCSArchiver_EmptyBatch(t *testing.T) {
	store := newMemStore()
	archiver, err := NewGCSArchiver(store, GCSArchiverConfig{BucketName: "b"}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, archiver.Send(context.Background(), nil))
	assert.Empty(t, store.names())
}

func TestGCSArchiver_CommitFailure(t *testing.T) {
	store := newMemStore()
	store.closeErr = errors.New("precondition failed")
	archiver, err := NewGCSArchiver(store, GCSArchiverConfig{BucketName: "b"}, zerolog.Nop())
	require.NoError(t, err)

	err = archiver.Send(context.Background(), []types.SensorRecord{{DeviceID: 1, SensorType: 1, TimestampMs: day1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "precondition failed")
}

func TestNewObjectStore_NilClient(t *testing.T) {
	assert.Nil(t, NewObjectStore(nil))
}
