package mirror

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/notionmirror/internal/kvstore"
	"github.com/agentworkforce/notionmirror/internal/notion"
)

type ServiceOptions struct {
	Backend    kvstore.Backend
	API        NotionAPI
	// Queue defaults to an in-memory queue of QueueSize jobs.
	Queue      JobQueue
	Summarizer Summarizer
	Logger     Logger

	// Connections are registered before workers start so jobs restored by a
	// persistent queue find their connection.
	Connections []Connection

	Workers         int
	QueueSize       int
	PollInterval    time.Duration
	PollJitter      float64
	PageDelay       time.Duration
	SchemaTTL       time.Duration
	LockWindow      time.Duration
	AutoInitialSync bool
	DisableWorkers  bool

	Now   func() time.Time
	Sleep func(ctx context.Context, delay time.Duration) error
}

// Service wires the sync components to a live set of connections.
type Service struct {
	core    *syncCore
	engine  *Engine
	driver  *InitialSyncDriver
	poller  *Poller
	queue   JobQueue
	hub     *Hub
	logger  Logger
	autoRun bool

	connMu      sync.RWMutex
	connections map[string]Connection

	queueMu sync.Mutex
	queued  map[string]struct{}

	initialMu sync.Mutex
	inFlight  map[string]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Backend == nil || opts.API == nil {
		return nil, fmt.Errorf("%w: backend and api are required", ErrInvalidInput)
	}
	var logger Logger = log.Default()
	if opts.Logger != nil {
		logger = opts.Logger
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	pageDelay := opts.PageDelay
	if pageDelay <= 0 {
		pageDelay = DefaultPageDelay
	}

	repo := NewRepository(opts.Backend)
	repo.now = now
	if opts.LockWindow > 0 {
		repo.lockWindow = opts.LockWindow
		repo.eventTTL = opts.LockWindow
	}
	schemas := NewSchemaResolver(opts.API, repo, opts.SchemaTTL, logger)
	schemas.now = now
	core := &syncCore{
		api:        opts.API,
		repo:       repo,
		schemas:    schemas,
		translator: NewTranslator(opts.Summarizer, logger),
		now:        now,
		logger:     logger,
	}

	var queue JobQueue = NewQueue(opts.QueueSize)
	if opts.Queue != nil {
		queue = opts.Queue
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		core:        core,
		engine:      &Engine{core: core},
		queue:       queue,
		hub:         NewHub(),
		logger:      logger,
		autoRun:     opts.AutoInitialSync,
		connections: map[string]Connection{},
		queued:      map[string]struct{}{},
		inFlight:    map[string]struct{}{},
		ctx:         ctx,
		cancel:      cancel,
	}
	s.driver = newInitialSyncDriver(core, InitialSyncOptions{
		PageDelay: pageDelay,
		Sleep:     sleep,
		OnProgress: func(conn Connection, progress InitialSyncProgress) {
			p := progress
			s.hub.Publish(Activity{Kind: ActivityProgress, ConnectionID: conn.ID, At: now().UTC(), Progress: &p})
		},
	})
	s.poller = &Poller{
		engine:      s.engine,
		connections: s.Connections,
		interval:    pollInterval,
		jitter:      clampJitterRatio(opts.PollJitter),
		pageDelay:   pageDelay,
		sleep:       sleep,
		onResult:    s.publishResult,
		running:     s.InitialSyncRunning,
	}

	if len(opts.Connections) > 0 {
		s.SetConnections(ctx, opts.Connections)
	}
	if !opts.DisableWorkers {
		s.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer s.wg.Done()
				s.worker()
			}()
		}
	}
	return s, nil
}

func (s *Service) Hub() *Hub {
	return s.hub
}

func (s *Service) Engine() *Engine {
	return s.engine
}

func (s *Service) Driver() *InitialSyncDriver {
	return s.driver
}

func (s *Service) Poller() *Poller {
	return s.poller
}

func (s *Service) QueueDepth() int {
	return s.queue.Depth()
}

// SetConnections replaces the connection set. Connections that have just
// become connected get pending initial-sync progress and, with auto initial
// sync enabled, an initial sync run.
func (s *Service) SetConnections(ctx context.Context, conns []Connection) {
	next := make(map[string]Connection, len(conns))
	for _, conn := range conns {
		if strings.TrimSpace(conn.ID) == "" {
			continue
		}
		next[conn.ID] = conn
	}
	s.connMu.Lock()
	previous := s.connections
	s.connections = next
	s.connMu.Unlock()

	for id, conn := range next {
		if !conn.Connected() {
			continue
		}
		if old, ok := previous[id]; ok && old.Connected() && old.Key() == conn.Key() {
			continue
		}
		progress, err := s.core.repo.Progress(ctx, conn)
		if err != nil {
			s.logger.Printf("mirror: progress conn=%s: %v", id, err)
			continue
		}
		if progress == nil {
			pending := InitialSyncProgress{Status: ProgressPending}
			if err := s.core.repo.SaveProgress(ctx, conn, pending); err != nil {
				s.logger.Printf("mirror: init progress conn=%s: %v", id, err)
				continue
			}
			progress = &pending
			s.logger.Printf("mirror: connection %s connected base=%s mirror=%s", id, conn.BaseDatabaseID, conn.MirrorDatabaseID)
		}
		// A run that never completed was interrupted; resume it since pages
		// already mapped are skipped.
		if s.autoRun && progress.Status != ProgressCompleted {
			if err := s.StartInitialSync(id); err != nil {
				s.logger.Printf("mirror: auto initial sync conn=%s: %v", id, err)
			}
		}
	}
}

// Connections returns the configured connections ordered by id.
func (s *Service) Connections() []Connection {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	out := make([]Connection, 0, len(s.connections))
	for _, conn := range s.connections {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) Connection(id string) (Connection, error) {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	conn, ok := s.connections[strings.TrimSpace(id)]
	if !ok {
		return Connection{}, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return conn, nil
}

// Enqueue schedules an out-of-schedule sync of the event's page on every
// connection the event may belong to. It returns how many jobs were queued.
func (s *Service) Enqueue(ev Event) (int, error) {
	if strings.TrimSpace(ev.PageID) == "" {
		return 0, ErrInvalidInput
	}
	var targets []Connection
	for _, conn := range s.Connections() {
		if ev.ParentDatabaseID == "" {
			targets = append(targets, conn)
			continue
		}
		if _, ok := conn.Side(ev.ParentDatabaseID); ok {
			targets = append(targets, conn)
		}
	}
	queued := 0
	for _, conn := range targets {
		if err := s.EnqueueFor(conn.ID, ev); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// EnqueueFor queues one page sync for a connection. An identical job that is
// still waiting absorbs the new one.
func (s *Service) EnqueueFor(connectionID string, ev Event) error {
	if _, err := s.Connection(connectionID); err != nil {
		return err
	}
	job := Job{ConnectionID: connectionID, Event: ev}
	key := job.key()
	s.queueMu.Lock()
	if _, exists := s.queued[key]; exists {
		s.queueMu.Unlock()
		return nil
	}
	s.queued[key] = struct{}{}
	s.queueMu.Unlock()
	if !s.queue.TryEnqueue(job) {
		s.queueMu.Lock()
		delete(s.queued, key)
		s.queueMu.Unlock()
		return ErrQueueFull
	}
	return nil
}

func (s *Service) worker() {
	for {
		job, ok := s.queue.Dequeue(s.ctx)
		if !ok {
			return
		}
		s.queueMu.Lock()
		delete(s.queued, job.key())
		s.queueMu.Unlock()
		conn, err := s.Connection(job.ConnectionID)
		if err != nil {
			s.logger.Printf("mirror: drop job page=%s: %v", job.Event.PageID, err)
			continue
		}
		res := s.engine.HandleEvent(s.ctx, conn, job.Event)
		s.publishResult(res)
	}
}

// SyncPageNow syncs one page synchronously, bypassing the queue.
func (s *Service) SyncPageNow(ctx context.Context, connectionID, pageID string) (Result, error) {
	conn, err := s.Connection(connectionID)
	if err != nil {
		return Result{}, err
	}
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return Result{}, ErrInvalidInput
	}
	res := s.engine.HandleEvent(ctx, conn, Event{PageID: pageID, Type: EventPoll})
	s.publishResult(res)
	return res, nil
}

// StartInitialSync runs an initial sync in the background. At most one run
// per connection is in flight.
func (s *Service) StartInitialSync(connectionID string) error {
	conn, err := s.Connection(connectionID)
	if err != nil {
		return err
	}
	if !conn.Connected() {
		return ErrNotConnected
	}
	if !s.claimInitialSync(conn.ID) {
		return ErrInitialSyncRunning
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.releaseInitialSync(conn.ID)
		s.runInitialSync(s.ctx, conn)
	}()
	return nil
}

// RunInitialSync runs an initial sync and waits for it.
func (s *Service) RunInitialSync(ctx context.Context, connectionID string) (SyncResult, error) {
	conn, err := s.Connection(connectionID)
	if err != nil {
		return SyncResult{}, err
	}
	if !conn.Connected() {
		return SyncResult{}, ErrNotConnected
	}
	if !s.claimInitialSync(conn.ID) {
		return SyncResult{}, ErrInitialSyncRunning
	}
	defer s.releaseInitialSync(conn.ID)
	return s.runInitialSync(ctx, conn)
}

func (s *Service) runInitialSync(ctx context.Context, conn Connection) (SyncResult, error) {
	result, err := s.driver.PerformInitialSync(ctx, conn)
	r := result
	s.hub.Publish(Activity{Kind: ActivityInitialSync, ConnectionID: conn.ID, At: s.core.now().UTC(), SyncResult: &r})
	return result, err
}

func (s *Service) claimInitialSync(id string) bool {
	s.initialMu.Lock()
	defer s.initialMu.Unlock()
	if _, running := s.inFlight[id]; running {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Service) releaseInitialSync(id string) {
	s.initialMu.Lock()
	delete(s.inFlight, id)
	s.initialMu.Unlock()
}

// InitialSyncRunning reports whether a run for the connection is in flight.
func (s *Service) InitialSyncRunning(connectionID string) bool {
	s.initialMu.Lock()
	defer s.initialMu.Unlock()
	_, running := s.inFlight[connectionID]
	return running
}

// Progress returns the stored initial-sync progress; nil means none recorded.
func (s *Service) Progress(ctx context.Context, connectionID string) (*InitialSyncProgress, error) {
	conn, err := s.Connection(connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.Connected() {
		return nil, ErrNotConnected
	}
	return s.core.repo.Progress(ctx, conn)
}

// LookupMapping resolves a pair by either its base or its mirror page id.
func (s *Service) LookupMapping(ctx context.Context, connectionID, pageID string) (*SyncMapping, error) {
	conn, err := s.Connection(connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.Connected() {
		return nil, ErrNotConnected
	}
	return s.core.repo.Mapping(ctx, conn, pageID)
}

// PropertyMappings returns the mappings currently derived for a connection.
func (s *Service) PropertyMappings(ctx context.Context, connectionID string) ([]PropertyMapping, error) {
	conn, err := s.Connection(connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.Connected() {
		return nil, ErrNotConnected
	}
	pair, err := s.core.resolvePair(ctx, conn)
	if err != nil {
		return nil, err
	}
	return pair.mappings, nil
}

// Run polls until ctx is done.
func (s *Service) Run(ctx context.Context) {
	s.poller.Run(ctx)
}

func (s *Service) publishResult(res Result) {
	r := res
	s.hub.Publish(Activity{Kind: ActivitySyncResult, ConnectionID: res.ConnectionID, At: s.core.now().UTC(), Result: &r})
	if res.Status == StatusFailed {
		s.logger.Printf("mirror: sync conn=%s page=%s failed: %s", res.ConnectionID, res.PageID, res.Error)
	}
}

// Close stops the workers and waits for background initial syncs.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

var _ NotionAPI = (*notion.Client)(nil)
