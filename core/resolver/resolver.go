// Package resolver decides how a requested width is served: the stored
// original, an already-materialized derivative, or a derivative synthesized
// on the fly and persisted in the background.
package resolver

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/pixserve/pixserve/core/imaging"
	"github.com/pixserve/pixserve/core/infra/logging"
	"github.com/pixserve/pixserve/core/infra/metrics"
	"github.com/pixserve/pixserve/core/metadata"
	"github.com/pixserve/pixserve/core/origin"
	"github.com/pixserve/pixserve/core/persist"
)

const component = "resolver"

// TokenSource hands out the current storage credential.
type TokenSource interface {
	Token(ctx context.Context) (*origin.Credential, error)
}

// Downloader fetches stored objects from the origin.
type Downloader interface {
	Download(ctx context.Context, cred *origin.Credential, name, suffix, ext string) ([]byte, string, error)
}

// Scheduler accepts deferred persistence work.
type Scheduler interface {
	Schedule(task persist.Task)
}

// Result is a resolved image response body.
type Result struct {
	Bytes       []byte
	ContentType string
}

// Resolver resolves derivative requests against metadata and the origin.
type Resolver struct {
	creds     TokenSource
	store     metadata.Store
	origin    Downloader
	persister Scheduler
	metrics   metrics.ResolverMetrics
	flight    singleflight.Group
}

// New builds a resolver. metrics may be nil.
func New(creds TokenSource, store metadata.Store, dl Downloader, persister Scheduler, m metrics.ResolverMetrics) *Resolver {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Resolver{
		creds:     creds,
		store:     store,
		origin:    dl,
		persister: persister,
		metrics:   m,
	}
}

// Resolve serves the image at key. A nil width means the original. A width
// at or above the original also serves the original: widths are never
// upscaled. Known derivative widths are served as stored; anything else is
// synthesized, returned immediately, and persisted in the background.
func (r *Resolver) Resolve(ctx context.Context, key string, width *uint) (*Result, error) {
	cred, err := r.creds.Token(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	format, err := imaging.FromExtension(rec.Format)
	if err != nil {
		return nil, err
	}

	switch {
	case width == nil || *width >= rec.Width:
		r.metrics.IncResolved(metrics.OutcomeOriginal)
		return r.download(ctx, cred, rec, origin.OriginalSuffix, format)
	case rec.HasVariant(*width):
		r.metrics.IncResolved(metrics.OutcomeVariant)
		return r.download(ctx, cred, rec, fmt.Sprint(*width), format)
	default:
		return r.generate(ctx, cred, rec, *width, format)
	}
}

func (r *Resolver) download(ctx context.Context, cred *origin.Credential, rec *metadata.Record, suffix string, format imaging.Format) (*Result, error) {
	data, _, err := r.origin.Download(ctx, cred, rec.Name, suffix, format.Ext())
	if err != nil {
		return nil, err
	}
	return &Result{Bytes: data, ContentType: format.MIME()}, nil
}

// generate synthesizes a derivative. Concurrent requests for the same
// (key, width) join one in-flight generation instead of each resizing and
// uploading independently.
func (r *Resolver) generate(ctx context.Context, cred *origin.Credential, rec *metadata.Record, width uint, format imaging.Format) (*Result, error) {
	flightKey := fmt.Sprintf("%s|%d", rec.Key, width)
	v, err, shared := r.flight.Do(flightKey, func() (any, error) {
		data, _, err := r.origin.Download(ctx, cred, rec.Name, origin.OriginalSuffix, format.Ext())
		if err != nil {
			// The lazy path treats a missing or failing original as an
			// upstream fault: metadata said it should exist.
			return nil, fmt.Errorf("%w: fetch original %s: %v", origin.ErrUpstream, rec.Key, err)
		}
		img, err := imaging.Decode(data)
		if err != nil {
			return nil, err
		}
		resized, err := imaging.Encode(imaging.Resize(img, width), format)
		if err != nil {
			return nil, err
		}

		r.persister.Schedule(persist.Task{
			Key:         rec.Key,
			Name:        rec.Name,
			Ext:         format.Ext(),
			ContentType: format.MIME(),
			Width:       width,
			Payload:     resized,
			Credential:  cred,
		})
		logging.Info(component, "derivative generated", "key", rec.Key, "width", width)
		return &Result{Bytes: resized, ContentType: format.MIME()}, nil
	})
	if err != nil {
		return nil, err
	}
	r.metrics.IncResolved(metrics.OutcomeGenerated)
	if shared {
		logging.Debug(component, "joined in-flight generation", "key", rec.Key, "width", width)
	}
	return v.(*Result), nil
}
