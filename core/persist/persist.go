// Package persist durably stores freshly generated derivatives after the
// response that produced them has already been sent. Work here is best-effort
// and at-most-once: a dropped or failed task just means the derivative is
// regenerated on the next request for that width.
package persist

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pixserve/pixserve/core/infra/logging"
	"github.com/pixserve/pixserve/core/infra/metrics"
	"github.com/pixserve/pixserve/core/origin"
)

const component = "persist"

// Task carries one derivative to upload plus the metadata append that
// records it.
type Task struct {
	Key         string
	Name        string
	Ext         string
	ContentType string
	Width       uint
	Payload     []byte
	Credential  *origin.Credential
}

// Uploader is the origin capability the persister needs.
type Uploader interface {
	Upload(ctx context.Context, cred *origin.Credential, payload []byte, contentType, name, suffix, ext string) (*origin.UploadResult, error)
}

// VariantAppender records a materialized width on the image record.
type VariantAppender interface {
	AppendVariant(ctx context.Context, key string, width uint) error
}

// Persister runs deferred persistence tasks on a bounded worker pool.
type Persister struct {
	uploader    Uploader
	store       VariantAppender
	metrics     metrics.PersistMetrics
	tasks       chan Task
	wg          sync.WaitGroup
	taskTimeout time.Duration
}

// New starts a persister with the given queue depth and worker count.
func New(uploader Uploader, store VariantAppender, m metrics.PersistMetrics, queueDepth, workers int) *Persister {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	if workers <= 0 {
		workers = 4
	}
	if m == nil {
		m = metrics.Noop{}
	}
	p := &Persister{
		uploader:    uploader,
		store:       store,
		metrics:     m,
		tasks:       make(chan Task, queueDepth),
		taskTimeout: 60 * time.Second,
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Schedule enqueues a task. It never blocks and never fails the caller: a
// full queue drops the task with a logged error.
func (p *Persister) Schedule(task Task) {
	p.wg.Add(1)
	select {
	case p.tasks <- task:
	default:
		p.wg.Done()
		p.metrics.IncPersisted("dropped")
		logging.Error(component, "queue full, dropping derivative",
			"key", task.Key, "width", task.Width)
	}
}

// Drain waits for queued and in-flight tasks, bounded by ctx. Used on
// shutdown to honor the deferred-completion contract.
func (p *Persister) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Persister) worker() {
	for task := range p.tasks {
		p.run(task)
		p.wg.Done()
	}
}

// run uploads the derivative and appends its width to the record. Failures
// are logged and swallowed: the primary response already completed.
func (p *Persister) run(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), p.taskTimeout)
	defer cancel()

	suffix := strconv.FormatUint(uint64(task.Width), 10)
	if _, err := p.uploader.Upload(ctx, task.Credential, task.Payload, task.ContentType, task.Name, suffix, task.Ext); err != nil {
		p.metrics.IncPersisted("upload_failed")
		logging.Error(component, "derivative upload failed",
			"key", task.Key, "width", task.Width, "error", err)
		return
	}
	if err := p.store.AppendVariant(ctx, task.Key, task.Width); err != nil {
		p.metrics.IncPersisted("append_failed")
		logging.Error(component, "variant append failed",
			"key", task.Key, "width", task.Width, "error", err)
		return
	}
	p.metrics.IncPersisted("ok")
	logging.Info(component, "derivative persisted", "key", task.Key, "width", task.Width)
}
