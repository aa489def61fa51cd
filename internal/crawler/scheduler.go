package crawler

import (
	"container/heap"
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/masahif/kumo/internal/metrics"
)

// SchedulerConfig bounds the frontier.
type SchedulerConfig struct {
	MaxDepth     int // Requests deeper than this are rejected
	MaxQueueSize int // Pending entries never exceed this
	MaxSeen      int // Seen-set size before the oldest 10% is evicted (0=unbounded)
	Logger       *slog.Logger
}

// Scheduler is the deduplicating priority frontier. Entries are dequeued by
// priority (highest first) and insertion order among equal priorities.
type Scheduler struct {
	mu        sync.Mutex
	queue     frontier
	seen      map[string]struct{}
	seenOrder []string
	seq       int64
	notEmpty  chan struct{} // closed while the queue holds entries
	drops     FrontierDrops

	config SchedulerConfig
	logger *slog.Logger
}

// PendingEntry is a queued request as stored in a checkpoint.
type PendingEntry struct {
	URL      string         `json:"url"`
	Depth    int            `json:"depth"`
	Priority int            `json:"priority"`
	Seq      int64          `json:"seq"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FrontierDrops counts URLs the frontier refused, by reason.
type FrontierDrops struct {
	Invalid   int
	Duplicate int
	Depth     int
	QueueFull int
	Evicted   int // Seen-set entries dropped, not queued URLs
}

// FrontierState is a self-consistent copy of the seen-set and pending queue.
type FrontierState struct {
	Seen    []string
	Pending []PendingEntry
}

// NewScheduler creates an empty frontier.
func NewScheduler(config SchedulerConfig) *Scheduler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		seen:     make(map[string]struct{}),
		notEmpty: make(chan struct{}),
		config:   config,
		logger:   logger,
	}
}

// Add enqueues req unless its URL was already seen, it is too deep, or the
// queue is full. Rejections are logged and counted, never returned as errors.
func (s *Scheduler) Add(req CrawlRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := s.addLocked(req)
	metrics.SetFrontierSize(s.queue.Len())
	return added
}

// AddMany enqueues reqs under a single lock acquisition and returns how many
// were accepted.
func (s *Scheduler) AddMany(reqs []CrawlRequest) int {
	if len(reqs) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, req := range reqs {
		if s.addLocked(req) {
			count++
		}
	}
	metrics.SetFrontierSize(s.queue.Len())
	return count
}

func (s *Scheduler) addLocked(req CrawlRequest) bool {
	key, err := NormalizeURL(req.URL)
	if err != nil {
		s.logger.Warn("Rejecting unparsable URL", "url", req.URL, "error", err)
		s.drops.Invalid++
		metrics.ObserveFrontierDrop("invalid", 1)
		return false
	}

	if _, ok := s.seen[key]; ok {
		s.logger.Debug("Skipping already seen URL", "url", req.URL)
		s.drops.Duplicate++
		metrics.ObserveFrontierDrop("duplicate", 1)
		return false
	}

	if req.Depth > s.config.MaxDepth {
		s.logger.Warn("Skipping URL beyond max depth", "url", req.URL, "depth", req.Depth, "max_depth", s.config.MaxDepth)
		s.drops.Depth++
		metrics.ObserveFrontierDrop("depth", 1)
		return false
	}

	if s.config.MaxQueueSize > 0 && s.queue.Len() >= s.config.MaxQueueSize {
		s.logger.Warn("Queue full, dropping URL", "url", req.URL, "max_queue_size", s.config.MaxQueueSize)
		s.drops.QueueFull++
		metrics.ObserveFrontierDrop("queue_full", 1)
		return false
	}

	s.markSeenLocked(key)
	s.pushLocked(&frontierEntry{request: req, seq: s.seq})
	s.seq++
	return true
}

func (s *Scheduler) markSeenLocked(key string) {
	s.seen[key] = struct{}{}
	s.seenOrder = append(s.seenOrder, key)

	if s.config.MaxSeen > 0 && len(s.seen) > s.config.MaxSeen {
		s.evictSeenLocked()
	}
}

// evictSeenLocked drops the oldest 10% of the seen-set. Evicted URLs may be
// fetched again if rediscovered.
func (s *Scheduler) evictSeenLocked() {
	n := len(s.seenOrder) / 10
	if n < 1 {
		n = 1
	}

	evicted := s.seenOrder[:n]
	domains := make(map[string]int)
	for _, key := range evicted {
		delete(s.seen, key)
		domains[hostOf(key)]++
	}
	s.seenOrder = append([]string(nil), s.seenOrder[n:]...)

	s.logger.Warn("Seen-set full, evicted oldest URLs",
		"evicted", n,
		"max_seen", s.config.MaxSeen,
		"top_domains", topDomains(domains, 3))
	s.drops.Evicted += n
	metrics.ObserveFrontierDrop("evicted", n)
}

func topDomains(counts map[string]int, limit int) []string {
	domains := make([]string, 0, len(counts))
	for d := range counts {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool {
		if counts[domains[i]] != counts[domains[j]] {
			return counts[domains[i]] > counts[domains[j]]
		}
		return domains[i] < domains[j]
	})
	if len(domains) > limit {
		domains = domains[:limit]
	}
	return domains
}

func (s *Scheduler) pushLocked(entry *frontierEntry) {
	wasEmpty := s.queue.Len() == 0
	heap.Push(&s.queue, entry)
	if wasEmpty {
		close(s.notEmpty)
	}
}

// GetNowait pops the next request without blocking. ok is false when the
// frontier is empty.
func (s *Scheduler) GetNowait() (CrawlRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() == 0 {
		return CrawlRequest{}, false
	}

	entry := heap.Pop(&s.queue).(*frontierEntry)
	if s.queue.Len() == 0 {
		s.notEmpty = make(chan struct{})
	}
	metrics.SetFrontierSize(s.queue.Len())
	return entry.request, true
}

// WaitNotEmpty returns as soon as the frontier holds at least one entry, or
// with ctx's error when ctx is done first.
func (s *Scheduler) WaitNotEmpty(ctx context.Context) error {
	s.mu.Lock()
	if s.queue.Len() > 0 {
		s.mu.Unlock()
		return nil
	}
	ch := s.notEmpty
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued requests.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// IsEmpty reports whether no requests are queued.
func (s *Scheduler) IsEmpty() bool {
	return s.Len() == 0
}

// Drops returns the rejection counters.
func (s *Scheduler) Drops() FrontierDrops {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// SeenCount returns the size of the seen-set.
func (s *Scheduler) SeenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Snapshot copies the seen-set (oldest first) and the pending entries in
// dequeue order.
func (s *Scheduler) Snapshot() FrontierState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := FrontierState{
		Seen:    append([]string(nil), s.seenOrder...),
		Pending: make([]PendingEntry, 0, s.queue.Len()),
	}

	entries := append(frontier(nil), s.queue...)
	sort.Slice(entries, func(i, j int) bool { return entries.Less(i, j) })
	for _, e := range entries {
		state.Pending = append(state.Pending, PendingEntry{
			URL:      e.request.URL,
			Depth:    e.request.Depth,
			Priority: e.request.Priority,
			Seq:      e.seq,
			Metadata: e.request.Metadata,
		})
	}
	return state
}

// Restore replaces the frontier contents with state. Pending entries keep
// their sequence numbers and new entries are numbered after the largest one.
func (s *Scheduler) Restore(state FrontierState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = nil
	s.seen = make(map[string]struct{}, len(state.Seen))
	s.seenOrder = s.seenOrder[:0]
	s.notEmpty = make(chan struct{})
	s.seq = 0

	for _, key := range state.Seen {
		if _, ok := s.seen[key]; ok {
			continue
		}
		s.seen[key] = struct{}{}
		s.seenOrder = append(s.seenOrder, key)
	}

	for _, p := range state.Pending {
		req := CrawlRequest{URL: p.URL, Depth: p.Depth, Priority: p.Priority, Metadata: p.Metadata}
		if key, err := NormalizeURL(p.URL); err == nil {
			if _, ok := s.seen[key]; !ok {
				s.seen[key] = struct{}{}
				s.seenOrder = append(s.seenOrder, key)
			}
		}
		s.pushLocked(&frontierEntry{request: req, seq: p.Seq})
		if p.Seq >= s.seq {
			s.seq = p.Seq + 1
		}
	}

	metrics.SetFrontierSize(s.queue.Len())
}

type frontierEntry struct {
	request CrawlRequest
	seq     int64
}

// frontier implements heap.Interface ordered by (priority desc, seq asc).
type frontier []*frontierEntry

func (f frontier) Len() int { return len(f) }

func (f frontier) Less(i, j int) bool {
	if f[i].request.Priority != f[j].request.Priority {
		return f[i].request.Priority > f[j].request.Priority
	}
	return f[i].seq < f[j].seq
}

func (f frontier) Swap(i, j int) { f[i], f[j] = f[j], f[i] }

func (f *frontier) Push(x any) { *f = append(*f, x.(*frontierEntry)) }

func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*f = old[:n-1]
	return entry
}
