package archive

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.keys = append(f.keys, *in.Key)
	return &s3.PutObjectOutput{}, nil
}

func writeFile(t *testing.T, root string, parts ...string) {
	t.Helper()
	p := filepath.Join(append([]string{root}, parts...)...)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestUploader(t *testing.T, root string, put ObjectPutter) *Uploader {
	t.Helper()
	u := NewUploader(Config{Bucket: "ticks", Prefix: "gw1"}, root, []string{"json", "protobuf"}, nil)
	u.client = put
	u.ctx, u.cancel = context.WithCancel(context.Background())
	t.Cleanup(u.cancel)
	return u
}

func TestUploader_SweepUploadsClosedPartitionsOnce(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

	writeFile(t, root, "json", "2024", "01", "15", "13", "265598_last_1705323600.jsonl")
	writeFile(t, root, "protobuf", "2024", "01", "15", "13", "265598_last_1705323600.pb")
	// Live hour, must not be uploaded.
	writeFile(t, root, "json", "2024", "01", "15", "14", "265598_last_1705327200.jsonl")
	// Not an hour partition.
	writeFile(t, root, "json", "stray.jsonl")

	put := &fakePutter{}
	u := newTestUploader(t, root, put)

	u.sweep(now)

	if len(put.keys) != 2 {
		t.Fatalf("uploaded keys = %v, want 2", put.keys)
	}
	want := "gw1/json/2024/01/15/13/265598_last_1705323600.jsonl"
	found := false
	for _, k := range put.keys {
		if k == want {
			found = true
		}
	}
	if !found {
		t.Errorf("keys = %v, missing %s", put.keys, want)
	}

	stats := u.Stats()
	if stats.Uploaded != 2 || stats.UploadErrors != 0 {
		t.Errorf("stats = %+v", stats)
	}

	// Second sweep: everything already pushed.
	u.sweep(now)
	if len(put.keys) != 2 {
		t.Errorf("re-sweep uploaded again: %v", put.keys)
	}
}

func TestUploader_FailedUploadIsRetriedNextSweep(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)
	writeFile(t, root, "json", "2024", "01", "15", "12", "1_last_0.jsonl")

	put := &fakePutter{err: os.ErrDeadlineExceeded}
	u := newTestUploader(t, root, put)

	u.sweep(now)
	if got := u.Stats(); got.UploadErrors != 1 || got.Uploaded != 0 {
		t.Errorf("after failure: %+v", got)
	}

	put.mu.Lock()
	put.err = nil
	put.mu.Unlock()

	u.sweep(now)
	if len(put.keys) != 1 {
		t.Errorf("retry keys = %v, want 1", put.keys)
	}
}

func TestPartitionHour(t *testing.T) {
	cases := []struct {
		rel  string
		want time.Time
		ok   bool
	}{
		{"json/2024/01/15/13/a.jsonl", time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC), true},
		{"json/stray.jsonl", time.Time{}, false},
		{"json/2024/01/15/bad/a.jsonl", time.Time{}, false},
	}
	for _, tc := range cases {
		got, ok := partitionHour(tc.rel)
		if ok != tc.ok || (ok && !got.Equal(tc.want)) {
			t.Errorf("partitionHour(%q) = %v, %v", tc.rel, got, ok)
		}
	}
}

func TestObjectKey(t *testing.T) {
	if got := objectKey("", "json/a.jsonl"); got != "json/a.jsonl" {
		t.Errorf("no prefix = %q", got)
	}
	if got := objectKey("gw1", "json/a.jsonl"); got != "gw1/json/a.jsonl" {
		t.Errorf("with prefix = %q", got)
	}
}
