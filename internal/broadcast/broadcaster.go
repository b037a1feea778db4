// Package broadcast turns local state changes into outbound events,
// collapsing bursts of the same change and grouping batches by action.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-party-sync/internal/domain"
	"github.com/tbourn/go-party-sync/internal/metrics"
)

// ErrUnroutable is returned for a change type with no target action.
var ErrUnroutable = errors.New("no route for change type")

// ErrDestroyed is returned after Destroy.
var ErrDestroyed = errors.New("broadcaster destroyed")

// Category groups change types so each group can be switched off.
type Category string

const (
	CategoryState       Category = "state"
	CategoryUserAction  Category = "user-action"
	CategorySystemEvent Category = "system-event"
	CategoryAdminAction Category = "admin-action"
)

// Route maps a change type onto an outbound action.
type Route struct {
	Action   domain.Action
	Category Category
}

// DefaultRoutes covers the change types emitted by the party UI. Types equal
// to an action name route to that action without an entry here.
var DefaultRoutes = map[string]Route{
	"party-status": {domain.ActionStatusChange, CategoryState},
	"playback":     {domain.ActionPlaybackUpdate, CategoryState},
	"page":         {domain.ActionPageToggle, CategoryAdminAction},
	"message":      {domain.ActionMessageUpdate, CategoryAdminAction},
	"stats":        {domain.ActionStatsUpdate, CategorySystemEvent},
	"notification": {domain.ActionSystemNotification, CategorySystemEvent},
}

// CategoryOf returns the default category of an action.
func CategoryOf(a domain.Action) Category {
	switch a {
	case domain.ActionStatusChange, domain.ActionPlaybackUpdate:
		return CategoryState
	case domain.ActionRequestSubmitted:
		return CategoryUserAction
	case domain.ActionRequestApproved, domain.ActionRequestRejected, domain.ActionRequestDeleted,
		domain.ActionPageToggle, domain.ActionAdminLogin, domain.ActionAdminLogout, domain.ActionMessageUpdate:
		return CategoryAdminAction
	default:
		return CategorySystemEvent
	}
}

// Change is one local state transition.
type Change struct {
	Type     string
	OldValue any
	NewValue any
	Source   string
	Metadata map[string]any
}

func (c Change) key() string { return c.Type + "|" + c.Source }

func (c Change) payload() domain.StateChangePayload {
	return domain.StateChangePayload{
		Type:     c.Type,
		OldValue: c.OldValue,
		NewValue: c.NewValue,
		Source:   c.Source,
		Metadata: c.Metadata,
	}
}

// Publisher stamps and sends an outbound event.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, evt domain.Event) error

func (f PublisherFunc) Publish(ctx context.Context, evt domain.Event) error { return f(ctx, evt) }

// Config tunes the broadcaster.
type Config struct {
	Debounce time.Duration    `yaml:"debounce"`
	Disabled []Category       `yaml:"disabled"`
	Routes   map[string]Route `yaml:"-"`
}

// DefaultConfig debounces for 100ms with every category enabled.
var DefaultConfig = Config{Debounce: 100 * time.Millisecond}

type pending struct {
	change Change
	route  Route
	timer  *time.Timer
}

// Broadcaster is safe for concurrent use.
type Broadcaster struct {
	pub    Publisher
	cfg    Config
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   map[string]*pending
	disabled  map[Category]bool
	sent      map[Category]uint64
	destroyed bool
	inflight  sync.WaitGroup
}

// Option customizes a Broadcaster.
type Option func(*Broadcaster)

// WithLogger overrides the component logger.
func WithLogger(lg zerolog.Logger) Option { return func(b *Broadcaster) { b.log = lg } }

// New builds a broadcaster sending through pub.
func New(pub Publisher, cfg Config, opts ...Option) *Broadcaster {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig.Debounce
	}
	if cfg.Routes == nil {
		cfg.Routes = DefaultRoutes
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster{
		pub:      pub,
		cfg:      cfg,
		log:      log.With().Str("component", "broadcast").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*pending),
		disabled: make(map[Category]bool),
		sent:     make(map[Category]uint64),
	}
	for _, c := range cfg.Disabled {
		b.disabled[c] = true
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Broadcaster) route(changeType string) (Route, error) {
	if r, ok := b.cfg.Routes[changeType]; ok {
		return r, nil
	}
	if a := domain.Action(changeType); a.Valid() {
		return Route{Action: a, Category: CategoryOf(a)}, nil
	}
	return Route{}, fmt.Errorf("%w: %q", ErrUnroutable, changeType)
}

// SetEnabled switches a category on or off.
func (b *Broadcaster) SetEnabled(c Category, on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disabled[c] = !on
}

// Enabled reports whether c is switched on.
func (b *Broadcaster) Enabled(c Category) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.disabled[c]
}

// Broadcast schedules c after the debounce delay. A later change with the
// same (type, source) replaces the new value but keeps the first old value.
func (b *Broadcaster) Broadcast(c Change) error {
	r, err := b.route(c.Type)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return ErrDestroyed
	}
	if b.disabled[r.Category] {
		return nil
	}
	key := c.key()
	if p, ok := b.pending[key]; ok {
		c.OldValue = p.change.OldValue
		p.change = c
		p.timer.Reset(b.cfg.Debounce)
		return nil
	}
	p := &pending{change: c, route: r}
	p.timer = time.AfterFunc(b.cfg.Debounce, func() { b.fire(key, p) })
	b.pending[key] = p
	return nil
}

func (b *Broadcaster) fire(key string, p *pending) {
	b.mu.Lock()
	if b.destroyed || b.pending[key] != p {
		b.mu.Unlock()
		return
	}
	delete(b.pending, key)
	change, route := p.change, p.route
	b.inflight.Add(1)
	b.mu.Unlock()
	defer b.inflight.Done()

	if err := b.send(b.ctx, route, change.Source, domain.MustPayload(change.payload())); err != nil {
		b.log.Warn().Err(err).Str("type", change.Type).Str("source", change.Source).Msg("debounced broadcast failed")
	}
}

// BroadcastImmediate sends c without debouncing. A pending debounced change
// with the same key is superseded.
func (b *Broadcaster) BroadcastImmediate(ctx context.Context, c Change) error {
	r, err := b.route(c.Type)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return ErrDestroyed
	}
	if b.disabled[r.Category] {
		b.mu.Unlock()
		return nil
	}
	if p, ok := b.pending[c.key()]; ok {
		p.timer.Stop()
		delete(b.pending, c.key())
	}
	b.mu.Unlock()
	return b.send(ctx, r, c.Source, domain.MustPayload(c.payload()))
}

// BroadcastBatch groups changes by target action and sends each group as a
// single event. Disabled categories are skipped. Errors from every group are
// joined.
func (b *Broadcaster) BroadcastBatch(ctx context.Context, changes []Change) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return ErrDestroyed
	}
	b.mu.Unlock()

	type group struct {
		route   Route
		source  string
		changes []domain.StateChangePayload
	}
	groups := make(map[domain.Action]*group)
	var errs []error
	for _, c := range changes {
		r, err := b.route(c.Type)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !b.Enabled(r.Category) {
			continue
		}
		g, ok := groups[r.Action]
		if !ok {
			g = &group{route: r, source: c.Source}
			groups[r.Action] = g
		}
		g.changes = append(g.changes, c.payload())
	}

	actions := make([]domain.Action, 0, len(groups))
	for a := range groups {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	for _, a := range actions {
		g := groups[a]
		payload := domain.MustPayload(domain.BatchPayload{Changes: g.changes})
		if err := b.send(ctx, g.route, g.source, payload); err != nil {
			errs = append(errs, fmt.Errorf("batch %s: %w", a, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Broadcaster) send(ctx context.Context, r Route, source string, payload []byte) error {
	err := b.pub.Publish(ctx, domain.Event{
		Action:  r.Action,
		Payload: payload,
		Source:  source,
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.sent[r.Category]++
	b.mu.Unlock()
	metrics.BroadcastsSent.WithLabelValues(string(r.Category)).Inc()
	return nil
}

// Flush sends every pending debounced change now.
func (b *Broadcaster) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return ErrDestroyed
	}
	batch := make([]*pending, 0, len(b.pending))
	for k, p := range b.pending {
		p.timer.Stop()
		delete(b.pending, k)
		batch = append(batch, p)
	}
	b.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].change.key() < batch[j].change.key() })
	var errs []error
	for _, p := range batch {
		if err := b.send(ctx, p.route, p.change.Source, domain.MustPayload(p.change.payload())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PendingCount returns the number of debounced changes not yet sent.
func (b *Broadcaster) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Sent returns successful sends per category.
func (b *Broadcaster) Sent() map[Category]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[Category]uint64, len(b.sent))
	for c, n := range b.sent {
		out[c] = n
	}
	return out
}

// Destroy drops pending changes and waits for in-flight debounced sends.
func (b *Broadcaster) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	for k, p := range b.pending {
		p.timer.Stop()
		delete(b.pending, k)
	}
	b.mu.Unlock()
	b.cancel()
	b.inflight.Wait()
}
