package coach

import (
	"fmt"
	"sync"
	"time"
)

// Combine keywords per category. Two queued messages of one of these
// categories that share at least two keywords get merged.
var combineKeywords = map[string][]string{
	CategoryThrottle:    {"throttle", "power", "traction", "exit", "acceleration", "feed"},
	CategoryBraking:     {"brake", "braking", "braked", "pressure", "late", "early", "pedal"},
	CategoryCornering:   {"corner", "apex", "entry", "exit", "line", "turn"},
	CategoryConsistency: {"consistency", "consistent", "lap", "times", "rhythm", "marks"},
}

var combineTemplates = map[string]string{
	CategoryThrottle:    "Several throttle issues: %s",
	CategoryBraking:     "Braking needs work in a few places: %s",
	CategoryCornering:   "Multiple cornering points: %s",
	CategoryConsistency: "On consistency: %s",
}

const (
	overrideWindow   = 3 * time.Second
	combineMaxRemove = 5
	combineMinShared = 2
)

// QueueConfig tunes the delivery constraints.
type QueueConfig struct {
	// CategoryCooldown overrides the per-category cooldowns; missing
	// categories use Fallback.
	CategoryCooldown map[string]time.Duration
	Fallback         time.Duration
	// GlobalPerMinute caps non-critical deliveries; critical bypasses.
	GlobalPerMinute int
	// Similarity is the word-overlap ratio above which a message is
	// dropped as a duplicate of the last delivery in its category.
	Similarity float64
	// CombineWindow bounds how far apart two messages can be and still
	// merge into one combined delivery.
	CombineWindow time.Duration
}

func (c *QueueConfig) withDefaults() QueueConfig {
	out := *c
	if out.CategoryCooldown == nil {
		out.CategoryCooldown = map[string]time.Duration{
			CategoryBraking:        8 * time.Second,
			CategoryCornering:      12 * time.Second,
			CategoryThrottle:       6 * time.Second,
			CategoryRacingLine:     15 * time.Second,
			CategoryPitStrategy:    30 * time.Second,
			CategoryTireManagement: 20 * time.Second,
			CategorySafety:         2 * time.Second,
		}
	}
	if out.Fallback <= 0 {
		out.Fallback = 10 * time.Second
	}
	if out.GlobalPerMinute <= 0 {
		out.GlobalPerMinute = 5
	}
	if out.Similarity <= 0 {
		out.Similarity = 0.6
	}
	if out.CombineWindow <= 0 {
		out.CombineWindow = 3 * time.Second
	}
	return out
}

// Stats counts queue outcomes. A dequeued message is either delivered
// or filtered, never both.
type Stats struct {
	Enqueued  int `json:"enqueued"`
	Delivered int `json:"delivered"`
	Filtered  int `json:"filtered"`
	Combined  int `json:"combined"`
	Withheld  int `json:"withheld"`
}

type queued struct {
	msg *Message
	seq uint64
}

// Queue is the single ordered message queue between the analysis and
// delivery tasks. Priority order with FIFO ties; enqueue applies the
// LLM override and combine rules, dequeue applies cooldowns, the global
// rate limit, and the fuzzy duplicate filter.
type Queue struct {
	mu  sync.Mutex
	cfg QueueConfig

	items []queued
	seq   uint64

	lastDelivered map[string]*Message   // per category, for the duplicate filter
	lastDelivery  map[string]time.Time  // per category cooldown clock
	recentGlobal  []time.Time           // non-critical delivery times, 1 min window
	stats         Stats
}

func NewQueue(cfg QueueConfig) *Queue {
	return &Queue{
		cfg:           cfg.withDefaults(),
		lastDelivered: make(map[string]*Message),
		lastDelivery:  make(map[string]time.Time),
	}
}

// Enqueue inserts a message in priority order. Returns false when the
// message was absorbed (overridden by a queued remote message) instead
// of inserted.
func (q *Queue) Enqueue(msg *Message) bool {
	if msg == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	// A local message yields to a queued remote message of the same
	// category within the override window.
	if msg.Source == SourceLocal {
		for i := range q.items {
			m := q.items[i].msg
			if m.Source == SourceRemote && m.Category == msg.Category &&
				absDuration(msg.Timestamp.Sub(m.Timestamp)) <= overrideWindow {
				q.stats.Filtered++
				return false
			}
		}
	}

	// A remote message evicts queued local messages of its category
	// within the window.
	if msg.Source == SourceRemote {
		kept := q.items[:0]
		for i := range q.items {
			m := q.items[i].msg
			if m.Source == SourceLocal && m.Category == msg.Category &&
				absDuration(msg.Timestamp.Sub(m.Timestamp)) <= overrideWindow {
				q.stats.Filtered++
				continue
			}
			kept = append(kept, q.items[i])
		}
		q.items = kept
	}

	if merged := q.combineLocked(msg); merged != nil {
		msg = merged
	}

	q.insertLocked(msg)
	q.stats.Enqueued++
	return true
}

// combineLocked merges msg with queued same-category messages sharing
// enough keywords. Returns the combined message, or nil when no merge
// happened.
func (q *Queue) combineLocked(msg *Message) *Message {
	keywords, ok := combineKeywords[msg.Category]
	if !ok {
		return nil
	}
	msgWords := words(msg.Content)
	shared := func(content string) int {
		other := words(content)
		n := 0
		for _, kw := range keywords {
			_, inA := msgWords[kw]
			_, inB := other[kw]
			if inA && inB {
				n++
			}
		}
		return n
	}

	var matched []*Message
	kept := q.items[:0]
	for i := range q.items {
		m := q.items[i].msg
		if len(matched) < combineMaxRemove && m.Category == msg.Category &&
			absDuration(msg.Timestamp.Sub(m.Timestamp)) <= q.cfg.CombineWindow &&
			shared(m.Content) >= combineMinShared {
			matched = append(matched, m)
			continue
		}
		kept = append(kept, q.items[i])
	}
	if len(matched) == 0 {
		return nil
	}
	q.items = kept
	q.stats.Combined += len(matched)

	parts := []string{msg.Content}
	best := msg.Priority
	confSum := msg.Confidence
	for _, m := range matched {
		parts = append(parts, m.Content)
		if PriorityRank(m.Priority) < PriorityRank(best) {
			best = m.Priority
		}
		confSum += m.Confidence
	}
	content := fmt.Sprintf(combineTemplates[msg.Category], joinClauses(parts))
	combined := NewMessage(content, msg.Category, best, SourceCombined, confSum/float64(len(parts)), msg.Timestamp)
	combined.Context = msg.Context
	return combined
}

func (q *Queue) insertLocked(msg *Message) {
	q.seq++
	item := queued{msg: msg, seq: q.seq}
	rank := PriorityRank(msg.Priority)
	pos := len(q.items)
	for i := range q.items {
		if PriorityRank(q.items[i].msg.Priority) > rank {
			pos = i
			break
		}
	}
	q.items = append(q.items, queued{})
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = item
}

// Dequeue returns the next deliverable message at time now, or nil.
// Cooldown-suppressed duplicates are dropped and counted as filtered;
// rate-limited messages stay queued for a later poll.
func (q *Queue) Dequeue(now time.Time) *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneGlobalLocked(now)

	for i := 0; i < len(q.items); i++ {
		msg := q.items[i].msg

		cooldown := q.cooldownFor(msg.Category)
		inCooldown := false
		if last, ok := q.lastDelivery[msg.Category]; ok && now.Sub(last) < cooldown {
			inCooldown = true
		}

		if inCooldown {
			// Similar content inside the cooldown is a duplicate: filter
			// it out now. Distinct content just waits.
			if prev := q.lastDelivered[msg.Category]; prev != nil && Similarity(prev.Content, msg.Content) > q.cfg.Similarity {
				q.removeLocked(i)
				q.stats.Filtered++
				i--
			}
			continue
		}

		if msg.Priority != PriorityCritical && len(q.recentGlobal) >= q.cfg.GlobalPerMinute {
			q.stats.Withheld++
			continue
		}

		q.removeLocked(i)
		msg.Delivered = true
		msg.Attempts++
		q.lastDelivery[msg.Category] = now
		q.lastDelivered[msg.Category] = msg
		if msg.Priority != PriorityCritical {
			q.recentGlobal = append(q.recentGlobal, now)
		}
		q.stats.Delivered++
		return msg
	}
	return nil
}

func (q *Queue) cooldownFor(category string) time.Duration {
	if d, ok := q.cfg.CategoryCooldown[category]; ok {
		return d
	}
	return q.cfg.Fallback
}

func (q *Queue) pruneGlobalLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := q.recentGlobal[:0]
	for _, t := range q.recentGlobal {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	q.recentGlobal = kept
}

func (q *Queue) removeLocked(i int) {
	q.items = append(q.items[:i], q.items[i+1:]...)
}

// Len is the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns a copy of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Reset drops all queued messages and delivery history.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.lastDelivered = make(map[string]*Message)
	q.lastDelivery = make(map[string]time.Time)
	q.recentGlobal = nil
	q.stats = Stats{}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func joinClauses(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "; "
		}
		out += p
	}
	return out
}
