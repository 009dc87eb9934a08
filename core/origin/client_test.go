package origin

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixserve/pixserve/core/metadata"
)

// fakeB2 emulates the subset of the B2 REST API the client uses.
type fakeB2 struct {
	srv        *httptest.Server
	authCalls  atomic.Int64
	authStatus int
	objects    map[string][]byte
	types      map[string]string
}

func newFakeB2(t *testing.T) *fakeB2 {
	t.Helper()
	f := &fakeB2{
		authStatus: http.StatusOK,
		objects:    map[string][]byte{},
		types:      map[string]string{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /b2_authorize_account", func(w http.ResponseWriter, r *http.Request) {
		f.authCalls.Add(1)
		if f.authStatus != http.StatusOK {
			w.WriteHeader(f.authStatus)
			return
		}
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"apiUrl":             f.srv.URL,
			"authorizationToken": "token-1",
			"downloadUrl":        f.srv.URL,
			"allowed":            map[string]string{"bucketId": "bkt-id", "bucketName": "images"},
		})
	})
	mux.HandleFunc("POST /b2api/v2/b2_get_upload_url", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["bucketId"] != "bkt-id" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"uploadUrl":          f.srv.URL + "/upload-slot",
			"authorizationToken": "upload-token",
		})
	})
	mux.HandleFunc("POST /upload-slot", func(w http.ResponseWriter, r *http.Request) {
		name := r.Header.Get("X-Bz-File-Name")
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		sum := sha1.Sum(payload)
		if r.Header.Get("X-Bz-Content-Sha1") != hex.EncodeToString(sum[:]) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.objects[name] = payload
		f.types[name] = r.Header.Get("Content-Type")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"fileId":   "file-" + name,
			"fileName": name,
		})
	})
	mux.HandleFunc("GET /file/images/{name}", func(w http.ResponseWriter, r *http.Request) {
		data, ok := f.objects[r.PathValue("name")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", f.types[r.PathValue("name")])
		_, _ = w.Write(data)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeB2) credential() *Credential {
	return &Credential{
		APIURL:             f.srv.URL,
		AuthorizationToken: "token-1",
		DownloadURL:        f.srv.URL,
		Allowed:            AllowedBucket{BucketID: "bkt-id", BucketName: "images"},
		ExpiresAt:          time.Now().Add(time.Hour),
	}
}

func TestAuthorize(t *testing.T) {
	f := newFakeB2(t)
	client := NewClient(f.srv.URL, "key-id", "key-secret")
	cred, err := client.Authorize(context.Background())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if cred.AuthorizationToken != "token-1" || cred.Allowed.BucketName != "images" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
}

func TestAuthorizeFailure(t *testing.T) {
	f := newFakeB2(t)
	f.authStatus = http.StatusUnauthorized
	client := NewClient(f.srv.URL, "key-id", "bad-secret")
	if _, err := client.Authorize(context.Background()); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestUploadThenDownload(t *testing.T) {
	f := newFakeB2(t)
	client := NewClient(f.srv.URL, "key-id", "key-secret")
	ctx := context.Background()
	payload := []byte("derivative bytes")

	res, err := client.Upload(ctx, f.credential(), payload, "image/jpeg", "cat", "640", "jpg")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.FileName != "cat-640.jpg" {
		t.Fatalf("unexpected file name: %s", res.FileName)
	}

	data, contentType, err := client.Download(ctx, f.credential(), "cat", "640", "jpg")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("roundtrip mismatch: %q", data)
	}
	if contentType != "image/jpeg" {
		t.Fatalf("unexpected content type: %s", contentType)
	}
}

func TestDownloadMissing(t *testing.T) {
	f := newFakeB2(t)
	client := NewClient(f.srv.URL, "key-id", "key-secret")
	_, _, err := client.Download(context.Background(), f.credential(), "ghost", OriginalSuffix, "png")
	if !errors.Is(err, metadata.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDownloadUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	client := NewClient(srv.URL, "key-id", "key-secret")
	cred := &Credential{APIURL: srv.URL, DownloadURL: srv.URL, Allowed: AllowedBucket{BucketName: "images"}}
	_, _, err := client.Download(context.Background(), cred, "cat", OriginalSuffix, "jpg")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestObjectName(t *testing.T) {
	if got := ObjectName("cat", "640", "jpg"); got != "cat-640.jpg" {
		t.Fatalf("unexpected object name: %s", got)
	}
	if got := ObjectName("cat", OriginalSuffix, "png"); got != "cat-orig.png" {
		t.Fatalf("unexpected object name: %s", got)
	}
	if got := ObjectName("cat", fmt.Sprint(uint(500)), "jpg"); got != "cat-500.jpg" {
		t.Fatalf("unexpected object name: %s", got)
	}
}
