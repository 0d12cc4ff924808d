package configdep

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Item is one pending dependent: the handler kind and, for tag handlers,
// the instance it must run against.
type Item struct {
	Kind     string
	Instance string
}

func (i Item) String() string {
	if i.Instance == "" {
		return i.Kind
	}
	return i.Kind + " " + i.Instance
}

// Queue collects dependents during a commit and drains them once the user
// requested handlers are done.
type Queue struct {
	priority func(kind string) int

	mu      sync.Mutex
	pending []Item
	ran     map[Item]bool
}

// New returns a queue ordered by the given priority function, the same
// ordering the commit uses for regular handlers.
func New(priority func(kind string) int) *Queue {
	return &Queue{priority: priority, ran: map[Item]bool{}}
}

// Set records that kind must run for instance at the end of the commit.
func (q *Queue) Set(kind, instance string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := Item{Kind: kind, Instance: instance}
	if q.ran[item] {
		return
	}
	for _, p := range q.pending {
		if p == item {
			return
		}
	}
	log.Debug().Str("dependent", item.String()).Msg("dependent queued")
	q.pending = append(q.pending, item)
}

// Pending returns the queued items in drain order.
func (q *Queue) Pending() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]Item(nil), q.pending...)
	q.sort(out)
	return out
}

func (q *Queue) sort(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := q.priority(items[i].Kind), q.priority(items[j].Kind)
		if pi != pj {
			return pi < pj
		}
		if items[i].Kind != items[j].Kind {
			return items[i].Kind < items[j].Kind
		}
		return items[i].Instance < items[j].Instance
	})
}

func (q *Queue) next() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Item{}, false
	}
	q.sort(q.pending)
	item := q.pending[0]
	q.pending = q.pending[1:]
	q.ran[item] = true
	return item, true
}

// Drain runs fn for every queued item, including items queued by fn
// itself. Each item runs at most once per queue. A failing dependent does
// not stop the others; all failures are returned joined.
func (q *Queue) Drain(fn func(Item) error) error {
	var errs []error
	for {
		item, ok := q.next()
		if !ok {
			break
		}
		if err := fn(item); err != nil {
			log.Error().Err(err).Str("dependent", item.String()).Msg("dependent failed")
			errs = append(errs, fmt.Errorf("dependent %s: %w", item, err))
		}
	}
	return errors.Join(errs...)
}
