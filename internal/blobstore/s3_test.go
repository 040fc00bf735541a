package blobstore

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kilupskalvis/binstore/internal/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBucket = "binaries"

type fakeObject struct {
	data    []byte
	modTime time.Time
}

// fakeS3 is an in-memory S3 endpoint covering the calls S3Store makes.
// Its clock only moves when the test advances it.
type fakeS3 struct {
	mu      sync.Mutex
	now     time.Time
	buckets map[string]bool
	objects map[string]fakeObject // bucket/key
	puts    int
	copies  int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		buckets: make(map[string]bool),
		objects: make(map[string]fakeObject),
	}
}

func (f *fakeS3) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeS3) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeS3) putRaw(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[testBucket+"/"+key] = fakeObject{data: data, modTime: f.now}
}

func (f *fakeS3) counts() (puts, copies int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts, f.copies
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if key == "" {
		f.serveBucket(w, r, bucket)
		return
	}
	full := bucket + "/" + key

	switch r.Method {
	case http.MethodPut:
		if src := r.Header.Get("X-Amz-Copy-Source"); src != "" {
			src, _ = url.PathUnescape(src)
			obj, ok := f.objects[strings.TrimPrefix(src, "/")]
			if !ok {
				writeS3Error(w, http.StatusNotFound, "NoSuchKey")
				return
			}
			obj.modTime = f.now
			f.objects[full] = obj
			f.copies++
			fmt.Fprintf(w, "<CopyObjectResult><LastModified>%s</LastModified><ETag>%s</ETag></CopyObjectResult>",
				obj.modTime.Format("2006-01-02T15:04:05.000Z"), etag(obj.data))
			return
		}
		data, err := readS3Body(r)
		if err != nil {
			writeS3Error(w, http.StatusBadRequest, "IncompleteBody")
			return
		}
		f.objects[full] = fakeObject{data: data, modTime: f.now}
		f.puts++
		w.Header().Set("ETag", etag(data))
		w.WriteHeader(http.StatusOK)
	case http.MethodHead, http.MethodGet:
		obj, ok := f.objects[full]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeS3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Last-Modified", obj.modTime.Format(http.TimeFormat))
		w.Header().Set("ETag", etag(obj.data))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(obj.data)
		}
	case http.MethodDelete:
		delete(f.objects, full)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

type listEntry struct {
	Key          string
	LastModified string
	ETag         string
	Size         int
	StorageClass string
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string
	Prefix      string
	KeyCount    int
	MaxKeys     int
	IsTruncated bool
	Contents    []listEntry
}

func (f *fakeS3) serveBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	switch r.Method {
	case http.MethodHead:
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		f.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		prefix := r.URL.Query().Get("prefix")
		res := listResult{Name: bucket, Prefix: prefix, MaxKeys: 1000}
		for full, obj := range f.objects {
			key, ok := strings.CutPrefix(full, bucket+"/")
			if !ok || !strings.HasPrefix(key, prefix) {
				continue
			}
			res.Contents = append(res.Contents, listEntry{
				Key:          key,
				LastModified: obj.modTime.Format("2006-01-02T15:04:05.000Z"),
				ETag:         etag(obj.data),
				Size:         len(obj.data),
				StorageClass: "STANDARD",
			})
		}
		sort.Slice(res.Contents, func(i, j int) bool { return res.Contents[i].Key < res.Contents[j].Key })
		res.KeyCount = len(res.Contents)
		w.Header().Set("Content-Type", "application/xml")
		xml.NewEncoder(w).Encode(res)
	default:
		writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<Error><Code>%s</Code><Message>%s</Message></Error>", code, code)
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// readS3Body returns the payload of a PUT, decoding the aws-chunked framing
// the client uses for streaming signatures over plain HTTP.
func readS3Body(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return io.ReadAll(r.Body)
	}
	br := bufio.NewReader(r.Body)
	var out bytes.Buffer
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		n, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, br, n); err != nil {
			return nil, err
		}
		if _, err := br.Discard(2); err != nil {
			return nil, err
		}
	}
}

func newTestS3Store(t *testing.T, prefix string) (*S3Store, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewS3Store(context.Background(), S3Config{
		Endpoint:   strings.TrimPrefix(srv.URL, "http://"),
		Region:     "us-east-1",
		Bucket:     testBucket,
		Prefix:     prefix,
		AccessKey:  "binstore",
		SecretKey:  "binstore-secret",
		PathStyle:  true,
		StagingDir: t.TempDir(),
	})
	require.NoError(t, err)
	return s, fake
}

func TestObjectKey(t *testing.T) {
	d := digest.MustParse("d25ea4f4642073b7f218024d397dbaef")

	assert.Equal(t, "d2/d25ea4f4642073b7f218024d397dbaef", objectKey("", d))
	assert.Equal(t, "blobs/d2/d25ea4f4642073b7f218024d397dbaef", objectKey("blobs", d))
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}

func TestNewS3Store_CreatesBucket(t *testing.T) {
	_, fake := newTestS3Store(t, "")
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.True(t, fake.buckets[testBucket])
}

func TestS3Store_PutGetStat(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestS3Store(t, "")

	data := []byte("this is a file au café")
	d := hashBytes(data)
	created, err := s.Put(ctx, d, stage(t, s, data))
	require.NoError(t, err)
	assert.True(t, created)

	info, err := s.Stat(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.True(t, info.ModTime.Equal(fake.clock()))

	rc, err := s.Get(ctx, d)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	fake.mu.Lock()
	_, ok := fake.objects[testBucket+"/"+objectKey("", d)]
	fake.mu.Unlock()
	assert.True(t, ok)
}

func TestS3Store_PutExistingTouches(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestS3Store(t, "")

	data := []byte("pending reference")
	d := put(t, s, data)
	fake.advance(10 * time.Second)

	staged := stage(t, s, data)
	created, err := s.Put(ctx, d, staged)
	require.NoError(t, err)
	assert.False(t, created)

	puts, copies := fake.counts()
	assert.Equal(t, 1, puts)
	assert.Equal(t, 1, copies)

	info, err := s.Stat(ctx, d)
	require.NoError(t, err)
	assert.True(t, info.ModTime.Equal(fake.clock()))

	_, err = os.Stat(staged)
	assert.True(t, os.IsNotExist(err))
}

func TestS3Store_NotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestS3Store(t, "")
	d := hashBytes([]byte("absent"))

	_, err := s.Stat(ctx, d)
	assert.ErrorIs(t, err, ErrBlobNotFound)

	_, err = s.Get(ctx, d)
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestS3Store_Delete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestS3Store(t, "")

	d := put(t, s, []byte("doomed"))
	require.NoError(t, s.Delete(ctx, d))

	_, err := s.Stat(ctx, d)
	assert.ErrorIs(t, err, ErrBlobNotFound)

	require.NoError(t, s.Delete(ctx, d))
}

func TestS3Store_WalkFiltersPrefixAndNames(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestS3Store(t, "blobs")

	a := put(t, s, []byte("alpha"))
	b := put(t, s, []byte("beta"))

	outside := hashBytes([]byte("other tenant"))
	fake.putRaw(objectKey("other", outside), []byte("other tenant"))
	fake.putRaw("blobs/xx/README", []byte("not a blob"))
	_, err := s.Now(ctx)
	require.NoError(t, err)

	got := walkDigests(t, s)
	want := []digest.Digest{a, b}
	sort.Slice(want, func(i, j int) bool { return want[i].Hex < want[j].Hex })
	sort.Slice(got, func(i, j int) bool { return got[i].Hex < got[j].Hex })
	assert.Equal(t, want, got)

	count, size, err := Usage(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(9), size)
}

func TestS3Store_NowUsesServerClock(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestS3Store(t, "")

	fake.advance(-6 * time.Hour)
	now, err := s.Now(ctx)
	require.NoError(t, err)
	assert.True(t, now.Equal(fake.clock()), "got %s, server clock %s", now, fake.clock())

	// The marker is not a blob.
	count, _, err := Usage(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
