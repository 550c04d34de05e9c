package bus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/alicia-home/alicia/internal/metrics"
	"github.com/alicia-home/alicia/internal/protocol"
)

// EnvelopeHandler consumes a decoded envelope delivered on a matching topic.
type EnvelopeHandler func(ctx context.Context, topic string, env *protocol.Envelope)

type route struct {
	filter      string
	specificity int
	seq         int
	handler     EnvelopeHandler
}

// Router fans decoded envelopes out to registered handlers. Every handler
// whose filter matches the topic runs, most specific filter first and
// registration order within equal specificity.
type Router struct {
	mu       sync.RWMutex
	routes   []route
	nextSeq  int
	log      *slog.Logger
	unrouted atomic.Uint64
}

func NewRouter(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{log: log}
}

// Handle registers a handler for an MQTT topic filter. Multiple handlers
// may share a filter; all of them run on a match.
func (r *Router) Handle(filter string, h EnvelopeHandler) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{
		filter:      filter,
		specificity: Specificity(filter),
		seq:         r.nextSeq,
		handler:     h,
	})
	r.nextSeq++
	sort.SliceStable(r.routes, func(i, j int) bool {
		return r.routes[i].specificity > r.routes[j].specificity
	})
	return nil
}

// Filters returns the distinct registered filters in registration order,
// for subscription replay.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byseq := make([]route, len(r.routes))
	copy(byseq, r.routes)
	sort.Slice(byseq, func(i, j int) bool { return byseq[i].seq < byseq[j].seq })
	seen := make(map[string]bool, len(byseq))
	var filters []string
	for _, rt := range byseq {
		if seen[rt.filter] {
			continue
		}
		seen[rt.filter] = true
		filters = append(filters, rt.filter)
	}
	return filters
}

// Dispatch runs every matching handler for the topic and returns how many
// ran. A message that matches nothing is counted, not an error: collaborators
// may publish on topics a service does not care about.
func (r *Router) Dispatch(ctx context.Context, topic string, env *protocol.Envelope) int {
	r.mu.RLock()
	var matched []EnvelopeHandler
	for _, rt := range r.routes {
		if MatchTopic(rt.filter, topic) {
			matched = append(matched, rt.handler)
		}
	}
	r.mu.RUnlock()

	for _, h := range matched {
		h(ctx, topic, env)
	}
	if len(matched) == 0 {
		r.unrouted.Add(1)
		metrics.UnroutedMessages.Inc()
		r.log.Debug("bus: no handler for topic", "topic", topic, "message_type", env.Type)
	}
	return len(matched)
}

// Unrouted reports how many messages matched no handler.
func (r *Router) Unrouted() uint64 {
	return r.unrouted.Load()
}
