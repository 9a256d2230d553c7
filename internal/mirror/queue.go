package mirror

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Job asks a worker to sync one page of one connection.
type Job struct {
	ConnectionID string `json:"connectionId"`
	Event        Event  `json:"event"`
}

func (j Job) key() string {
	return j.ConnectionID + "|" + j.Event.PageID + "|" + string(j.Event.Type)
}

// JobQueue holds page syncs waiting for a worker. TryEnqueue never blocks;
// Dequeue blocks until a job is available or ctx is done.
type JobQueue interface {
	TryEnqueue(job Job) bool
	Dequeue(ctx context.Context) (Job, bool)
	Depth() int
	Capacity() int
}

// Queue is a bounded in-memory job queue.
type Queue struct {
	ch chan Job
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan Job, capacity)}
}

func (q *Queue) TryEnqueue(job Job) bool {
	if q == nil {
		return false
	}
	select {
	case q.ch <- job:
		return true
	default:
		return false
	}
}

func (q *Queue) Dequeue(ctx context.Context) (Job, bool) {
	if q == nil {
		return Job{}, false
	}
	select {
	case job := <-q.ch:
		return job, true
	case <-ctx.Done():
		return Job{}, false
	}
}

func (q *Queue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *Queue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

// BuildQueueFromDSN picks a job queue by DSN scheme. An empty DSN or
// memory:// yields an in-memory queue; file://path persists waiting jobs.
func BuildQueueFromDSN(dsn string, capacity int) (JobQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewQueue(capacity), nil
	case "", "file":
		path := dsn
		if parsed.Scheme != "" {
			path = parsed.Opaque
			if path == "" {
				path = parsed.Host + parsed.Path
			}
		}
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("%w: queue dsn %q has no path", ErrInvalidInput, dsn)
		}
		return NewFileQueue(path, capacity)
	default:
		return nil, fmt.Errorf("%w: unsupported queue scheme %s", ErrInvalidInput, parsed.Scheme)
	}
}
