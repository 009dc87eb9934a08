package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pixserve/pixserve/core/origin"
)

type fakeUploader struct {
	mu      sync.Mutex
	uploads []string
	fail    bool
}

func (u *fakeUploader) Upload(ctx context.Context, cred *origin.Credential, payload []byte, contentType, name, suffix, ext string) (*origin.UploadResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fail {
		return nil, errors.New("boom")
	}
	objName := origin.ObjectName(name, suffix, ext)
	u.uploads = append(u.uploads, objName)
	return &origin.UploadResult{FileID: "file-1", FileName: objName}, nil
}

type fakeAppender struct {
	mu      sync.Mutex
	appends map[string][]uint
	fail    bool
}

func (a *fakeAppender) AppendVariant(ctx context.Context, key string, width uint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("kv down")
	}
	if a.appends == nil {
		a.appends = map[string][]uint{}
	}
	for _, w := range a.appends[key] {
		if w == width {
			return nil
		}
	}
	a.appends[key] = append(a.appends[key], width)
	return nil
}

func testTask(width uint) Task {
	return Task{
		Key:         "avatars/cat.jpg",
		Name:        "cat",
		Ext:         "jpg",
		ContentType: "image/jpeg",
		Width:       width,
		Payload:     []byte("resized"),
		Credential:  &origin.Credential{AuthorizationToken: "tok"},
	}
}

func drain(t *testing.T, p *Persister) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestScheduleUploadsAndAppends(t *testing.T) {
	up := &fakeUploader{}
	app := &fakeAppender{}
	p := New(up, app, nil, 8, 2)

	p.Schedule(testTask(500))
	drain(t, p)

	if len(up.uploads) != 1 || up.uploads[0] != "cat-500.jpg" {
		t.Fatalf("unexpected uploads: %v", up.uploads)
	}
	if got := app.appends["avatars/cat.jpg"]; len(got) != 1 || got[0] != 500 {
		t.Fatalf("unexpected appends: %v", got)
	}
}

func TestScheduleIdempotent(t *testing.T) {
	up := &fakeUploader{}
	app := &fakeAppender{}
	p := New(up, app, nil, 8, 2)

	p.Schedule(testTask(500))
	p.Schedule(testTask(500))
	drain(t, p)

	if got := app.appends["avatars/cat.jpg"]; len(got) != 1 {
		t.Fatalf("duplicate schedule must not duplicate variants: %v", got)
	}
}

func TestUploadFailureSwallowed(t *testing.T) {
	up := &fakeUploader{fail: true}
	app := &fakeAppender{}
	p := New(up, app, nil, 8, 1)

	p.Schedule(testTask(500))
	drain(t, p)

	if len(app.appends) != 0 {
		t.Fatalf("failed upload must not append metadata: %v", app.appends)
	}
}

func TestAppendFailureSwallowed(t *testing.T) {
	up := &fakeUploader{}
	app := &fakeAppender{fail: true}
	p := New(up, app, nil, 8, 1)

	p.Schedule(testTask(500))
	drain(t, p)

	if len(up.uploads) != 1 {
		t.Fatalf("upload should have happened: %v", up.uploads)
	}
}

func TestQueueFullDropsTask(t *testing.T) {
	up := &fakeUploader{}
	app := &fakeAppender{}
	// Zero workers would hang; use one worker with a tiny queue and flood it.
	p := New(up, app, nil, 1, 1)
	for i := 0; i < 50; i++ {
		p.Schedule(testTask(uint(300 + i)))
	}
	drain(t, p)
	// Some tasks ran, and Schedule never blocked. Exact counts depend on
	// scheduling; the invariant is that Drain returns and nothing deadlocks.
	if len(up.uploads) == 0 {
		t.Fatalf("expected at least one task to run")
	}
}
