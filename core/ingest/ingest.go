// Package ingest handles upload-time processing: it stores the original and
// eagerly materializes the configured ladder of smaller widths, unlike the
// lazy path used for ad-hoc widths at read time.
package ingest

import (
	"context"
	"fmt"
	"image"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pixserve/pixserve/core/imaging"
	"github.com/pixserve/pixserve/core/infra/logging"
	"github.com/pixserve/pixserve/core/metadata"
	"github.com/pixserve/pixserve/core/origin"
)

const component = "ingest"

// TokenSource hands out the current storage credential.
type TokenSource interface {
	Token(ctx context.Context) (*origin.Credential, error)
}

// Uploader stores objects at the origin.
type Uploader interface {
	Upload(ctx context.Context, cred *origin.Credential, payload []byte, contentType, name, suffix, ext string) (*origin.UploadResult, error)
}

// Pipeline ingests raw uploads.
type Pipeline struct {
	creds  TokenSource
	origin Uploader
	store  metadata.Store
	ladder []uint
}

// New builds a pipeline with the candidate width ladder.
func New(creds TokenSource, up Uploader, store metadata.Store, ladder []uint) *Pipeline {
	return &Pipeline{
		creds:  creds,
		origin: up,
		store:  store,
		ladder: ladder,
	}
}

// Key derives the logical key for a scoped filename. Ingest and read paths
// share this single derivation rule.
func Key(scope, filename string) string {
	return scope + "/" + filename
}

// Ingest stores the original and every ladder width smaller than it, then
// persists the image record. The original upload must succeed; individual
// ladder widths may fail and are simply excluded from the record.
func (p *Pipeline) Ingest(ctx context.Context, scope, filename string, data []byte) (string, error) {
	cred, err := p.creds.Token(ctx)
	if err != nil {
		return "", err
	}

	format, err := imaging.Sniff(data)
	if err != nil {
		return "", err
	}
	img, err := imaging.Decode(data)
	if err != nil {
		return "", err
	}
	width := uint(img.Bounds().Dx())
	name := baseName(filename)
	key := Key(scope, filename)

	candidates := make([]uint, 0, len(p.ladder))
	for _, w := range p.ladder {
		if w < width {
			candidates = append(candidates, w)
		}
	}
	logging.Info(component, "ingesting image",
		"key", key, "format", format.Ext(), "width", width, "candidates", fmt.Sprint(candidates))

	res, err := p.origin.Upload(ctx, cred, data, format.MIME(), name, origin.OriginalSuffix, format.Ext())
	if err != nil {
		return "", fmt.Errorf("upload original %s: %w", key, err)
	}

	variants := p.uploadLadder(ctx, cred, img, format, name, candidates)

	rec := &metadata.Record{
		Key:      key,
		FileID:   res.FileID,
		Name:     name,
		Format:   format.Ext(),
		Width:    width,
		Variants: variants,
	}
	if err := p.store.Put(ctx, key, rec, 0); err != nil {
		return "", fmt.Errorf("persist record %s: %w", key, err)
	}
	logging.Info(component, "ingested image", "key", key, "id", res.FileID, "variants", fmt.Sprint(variants))
	return res.FileID, nil
}

// uploadLadder resizes and uploads every candidate width concurrently. All
// uploads are joined before returning; a failed width is logged and dropped.
func (p *Pipeline) uploadLadder(ctx context.Context, cred *origin.Credential, img image.Image, format imaging.Format, name string, candidates []uint) []uint {
	var mu sync.Mutex
	variants := make([]uint, 0, len(candidates))

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range candidates {
		g.Go(func() error {
			payload, err := imaging.Encode(imaging.Resize(img, w), format)
			if err != nil {
				logging.Error(component, "variant encode failed", "name", name, "width", w, "error", err)
				return nil
			}
			suffix := strconv.FormatUint(uint64(w), 10)
			if _, err := p.origin.Upload(ctx, cred, payload, format.MIME(), name, suffix, format.Ext()); err != nil {
				logging.Error(component, "variant upload failed", "name", name, "width", w, "error", err)
				return nil
			}
			mu.Lock()
			variants = append(variants, w)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(variants, func(i, j int) bool { return variants[i] < variants[j] })
	return variants
}

func baseName(filename string) string {
	base := path.Base(filename)
	return strings.TrimSuffix(base, path.Ext(base))
}
