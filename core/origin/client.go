// Package origin talks to the B2-compatible object storage holding originals
// and derivatives, and caches the account credential it authenticates with.
package origin

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pixserve/pixserve/core/infra/logging"
	"github.com/pixserve/pixserve/core/metadata"
)

var (
	// ErrAuth indicates credential issuance failed.
	ErrAuth = errors.New("authorization_failed")
	// ErrUpstream indicates a non-success response from origin storage.
	ErrUpstream = errors.New("origin_upstream_failed")
)

// OriginalSuffix names the unresized object of an image.
const OriginalSuffix = "orig"

// Credential is the time-limited authorization for the storage account.
// It is immutable once issued and replaced wholesale on refresh.
type Credential struct {
	APIURL             string        `json:"apiUrl"`
	AuthorizationToken string        `json:"authorizationToken"`
	DownloadURL        string        `json:"downloadUrl"`
	Allowed            AllowedBucket `json:"allowed"`
	ExpiresAt          time.Time     `json:"expiresAt"`
}

// AllowedBucket identifies the bucket the credential is scoped to.
type AllowedBucket struct {
	BucketID   string `json:"bucketId"`
	BucketName string `json:"bucketName"`
}

// Expired reports whether the credential is past its TTL.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// UploadResult identifies a stored object.
type UploadResult struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
}

type uploadURLResponse struct {
	UploadURL          string `json:"uploadUrl"`
	AuthorizationToken string `json:"authorizationToken"`
}

// Client is the REST client for the storage origin.
type Client struct {
	httpc     *http.Client
	apiURL    string
	keyID     string
	keySecret string
}

// NewClient builds an origin client. apiURL is the authentication endpoint
// base (the account-scoped API URL arrives with the credential).
func NewClient(apiURL, keyID, keySecret string) *Client {
	return &Client{
		httpc:     &http.Client{Timeout: 60 * time.Second},
		apiURL:    apiURL,
		keyID:     keyID,
		keySecret: keySecret,
	}
}

// Authorize obtains a fresh credential from the origin's authentication
// endpoint. Every failure maps to ErrAuth.
func (c *Client) Authorize(ctx context.Context) (*Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/b2_authorize_account", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.keyID + ":" + c.keySecret))
	req.Header.Set("Authorization", "Basic "+basic)

	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: authorize status %d", ErrAuth, res.StatusCode)
	}
	var cred Credential
	if err := json.NewDecoder(res.Body).Decode(&cred); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return &cred, nil
}

// Download fetches an object by name/suffix/extension and returns its bytes
// and content type. A missing object maps to metadata.ErrNotFound.
func (c *Client) Download(ctx context.Context, cred *Credential, name, suffix, ext string) ([]byte, string, error) {
	url := fmt.Sprintf("%s/file/%s/%s", cred.DownloadURL, cred.Allowed.BucketName, ObjectName(name, suffix, ext))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Authorization", cred.AuthorizationToken)

	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, "", fmt.Errorf("download %s: %w", ObjectName(name, suffix, ext), metadata.ErrNotFound)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, "", fmt.Errorf("%w: download status %d", ErrUpstream, res.StatusCode)
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return data, res.Header.Get("Content-Type"), nil
}

// Upload stores a payload at the origin: first obtains a single-use upload
// endpoint, then posts the bytes with a SHA-1 integrity header.
func (c *Client) Upload(ctx context.Context, cred *Credential, payload []byte, contentType, name, suffix, ext string) (*UploadResult, error) {
	target, err := c.uploadURL(ctx, cred)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.UploadURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	sum := sha1.Sum(payload)
	req.Header.Set("Authorization", target.AuthorizationToken)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Bz-File-Name", ObjectName(name, suffix, ext))
	req.Header.Set("X-Bz-Content-Sha1", hex.EncodeToString(sum[:]))
	req.ContentLength = int64(len(payload))

	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: upload status %d", ErrUpstream, res.StatusCode)
	}
	var out UploadResult
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	logging.Debug("origin", "uploaded object", "name", out.FileName, "id", out.FileID)
	return &out, nil
}

func (c *Client) uploadURL(ctx context.Context, cred *Credential) (*uploadURLResponse, error) {
	body, err := json.Marshal(map[string]string{"bucketId": cred.Allowed.BucketID})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.APIURL+"/b2api/v2/b2_get_upload_url", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Authorization", cred.AuthorizationToken)

	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: upload url status %d", ErrUpstream, res.StatusCode)
	}
	var out uploadURLResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return &out, nil
}

// ObjectName composes the stored object name for an image variant.
func ObjectName(name, suffix, ext string) string {
	return fmt.Sprintf("%s-%s.%s", name, suffix, ext)
}
