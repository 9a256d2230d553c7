package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileQueue is a job queue persisted to a JSON file after every change, so
// webhook-triggered syncs that were still waiting survive a restart.
type FileQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	wake         chan struct{}

	mu   sync.Mutex
	jobs []Job
}

type fileQueueSnapshot struct {
	Jobs []Job `json:"jobs"`
}

func NewFileQueue(path string, capacity int) (*FileQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &FileQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 250 * time.Millisecond,
		wake:         make(chan struct{}, 1),
	}
	if err := q.load(); err != nil {
		return nil, fmt.Errorf("load queue %s: %w", path, err)
	}
	return q, nil
}

func (q *FileQueue) TryEnqueue(job Job) bool {
	if strings.TrimSpace(job.Event.PageID) == "" {
		return false
	}
	q.mu.Lock()
	if len(q.jobs) >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.jobs = append(q.jobs, job)
	if err := q.persistLocked(); err != nil {
		q.jobs = q.jobs[:len(q.jobs)-1]
		q.mu.Unlock()
		return false
	}
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *FileQueue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		if job, ok := q.pop(); ok {
			return job, true
		}
		timer := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Job{}, false
		case <-q.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// pop removes the head job. A job whose removal cannot be persisted stays
// queued.
func (q *FileQueue) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return Job{}, false
	}
	head := q.jobs[0]
	rest := q.jobs[1:]
	previous := q.jobs
	q.jobs = rest
	if err := q.persistLocked(); err != nil {
		q.jobs = previous
		return Job{}, false
	}
	return head, true
}

func (q *FileQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *FileQueue) Capacity() int {
	return q.capacity
}

func (q *FileQueue) load() error {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snapshot fileQueueSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := snapshot.Jobs
	if len(jobs) > q.capacity {
		// keep the newest jobs; older ones are covered by polling anyway
		jobs = jobs[len(jobs)-q.capacity:]
	}
	q.jobs = append([]Job(nil), jobs...)
	return nil
}

func (q *FileQueue) persistLocked() error {
	data, err := json.Marshal(fileQueueSnapshot{Jobs: q.jobs})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
