package amqp10

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/linkmux/internal/protocol"
)

// Settlement is the outcome reported for a delivery together with the
// details a peer may attach to it.
type Settlement struct {
	Outcome           protocol.Outcome
	Error             *protocol.Error
	DeliveryFailed    bool
	UndeliverableHere bool
}

// Delivery is one transfer on a link, tracked until it reaches a
// terminal outcome.
type Delivery struct {
	link       string
	tag        []byte
	payload    []byte
	seq        uint64
	presettled bool
	created    time.Time

	// id is the session-scoped delivery id of the latest transfer. Owned by
	// the connection loop.
	id uint32

	mu       sync.Mutex
	state    Settlement
	attempts uint32
	err      error
	done     chan struct{}
}

func newDelivery(link string, tag, payload []byte) *Delivery {
	return &Delivery{
		link:    link,
		tag:     tag,
		payload: payload,
		created: time.Now(),
		done:    make(chan struct{}),
	}
}

func newSettledDelivery(link string, tag, payload []byte) *Delivery {
	d := newDelivery(link, tag, payload)
	d.presettled = true
	d.state.Outcome = protocol.Accepted
	close(d.done)
	return d
}

// LinkName returns the name of the link the delivery travels on.
func (d *Delivery) LinkName() string { return d.link }

// Tag returns the delivery tag.
func (d *Delivery) Tag() []byte { return d.tag }

// Payload returns the message body.
func (d *Delivery) Payload() []byte { return d.payload }

// Presettled reports whether the delivery was settled on transfer.
func (d *Delivery) Presettled() bool { return d.presettled }

// State returns the current outcome.
func (d *Delivery) State() protocol.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Outcome
}

// Settlement returns the outcome with any details the peer attached.
func (d *Delivery) Settlement() Settlement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// DeliveryCount returns how many times the delivery was transferred before
// its latest transfer.
func (d *Delivery) DeliveryCount() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attempts == 0 {
		return 0
	}
	return d.attempts - 1
}

// Done is closed once the delivery is settled or abandoned.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Err returns why the delivery was abandoned without an outcome.
func (d *Delivery) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Wait blocks until the delivery is settled or abandoned.
func (d *Delivery) Wait(ctx context.Context) (protocol.Outcome, error) {
	select {
	case <-d.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.state.Outcome, d.err
	case <-ctx.Done():
		return protocol.Unsettled, ctx.Err()
	}
}

func (d *Delivery) markTransferred() {
	d.mu.Lock()
	d.attempts++
	d.mu.Unlock()
}

// settle moves the delivery to s. It reports false when the delivery was
// already terminal.
func (d *Delivery) settle(s Settlement) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Outcome.Terminal() || d.err != nil {
		return false
	}
	d.state = s
	if s.Outcome.Terminal() {
		close(d.done)
	}
	return true
}

func (d *Delivery) abandon(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Outcome.Terminal() || d.err != nil {
		return
	}
	d.err = err
	close(d.done)
}

// SettlementTracker records deliveries awaiting settlement, keyed by link
// name and delivery tag. A delivery leaves the tracker when it reaches a
// terminal outcome; later dispositions for it are ignored.
type SettlementTracker struct {
	mu      sync.Mutex
	pending map[string]map[string]*Delivery
	seq     uint64
	logger  *slog.Logger
	metrics MetricsCollector
}

// TrackerOption configures a SettlementTracker
type TrackerOption func(*SettlementTracker)

// WithTrackerLogger sets the logger
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *SettlementTracker) {
		t.logger = logger
	}
}

// WithTrackerMetrics sets the metrics collector
func WithTrackerMetrics(m MetricsCollector) TrackerOption {
	return func(t *SettlementTracker) {
		t.metrics = m
	}
}

// NewSettlementTracker creates an empty tracker.
func NewSettlementTracker(opts ...TrackerOption) *SettlementTracker {
	t := &SettlementTracker{
		pending: make(map[string]map[string]*Delivery),
		logger:  slog.Default(),
		metrics: NoopMetrics(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register starts tracking a delivery. A tag may be pending only once per
// link.
func (t *SettlementTracker) Register(link string, tag, payload []byte) (*Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byTag, ok := t.pending[link]
	if !ok {
		byTag = make(map[string]*Delivery)
		t.pending[link] = byTag
	}
	if _, dup := byTag[string(tag)]; dup {
		return nil, &LinkError{
			Op:        "register",
			Link:      link,
			Err:       ErrDuplicateDeliveryTag,
			Timestamp: time.Now(),
		}
	}

	t.seq++
	d := newDelivery(link, tag, payload)
	d.seq = t.seq
	byTag[string(tag)] = d
	t.metrics.DeliveryRegistered()
	return d, nil
}

// RecordDisposition applies a bare outcome. See RecordOutcome.
func (t *SettlementTracker) RecordDisposition(link string, tag []byte, outcome protocol.Outcome) bool {
	return t.RecordOutcome(link, tag, Settlement{Outcome: outcome})
}

// RecordOutcome applies s to the delivery identified by link and tag. An
// unknown tag is logged and dropped. Terminal outcomes remove the delivery.
func (t *SettlementTracker) RecordOutcome(link string, tag []byte, s Settlement) bool {
	t.mu.Lock()
	d, ok := t.pending[link][string(tag)]
	if ok && s.Outcome.Terminal() {
		t.remove(d)
	}
	t.mu.Unlock()

	if !ok {
		t.metrics.UnknownDisposition()
		t.logger.Warn("disposition for unknown delivery ignored",
			"link", link,
			"tag", tag,
			"outcome", s.Outcome.String())
		return false
	}
	if !s.Outcome.Terminal() {
		return true
	}
	if d.settle(s) {
		t.metrics.DeliverySettled(s.Outcome)
	}
	return true
}

// Lookup returns the pending delivery for link and tag.
func (t *SettlementTracker) Lookup(link string, tag []byte) (*Delivery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.pending[link][string(tag)]
	return d, ok
}

// PendingFor returns the link's unsettled deliveries in registration order.
func (t *SettlementTracker) PendingFor(link string) []*Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sorted(link)
}

// Pending returns the number of unsettled deliveries across all links.
func (t *SettlementTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, byTag := range t.pending {
		n += len(byTag)
	}
	return n
}

// ReleaseLink settles every pending delivery on link as released without
// telling the peer. It returns the number released.
func (t *SettlementTracker) ReleaseLink(link string) int {
	t.mu.Lock()
	deliveries := t.sorted(link)
	delete(t.pending, link)
	t.mu.Unlock()

	for _, d := range deliveries {
		if d.settle(Settlement{Outcome: protocol.Released}) {
			t.metrics.DeliverySettled(protocol.Released)
		}
	}
	return len(deliveries)
}

// FailLink abandons every pending delivery on link with err.
func (t *SettlementTracker) FailLink(link string, err error) int {
	t.mu.Lock()
	deliveries := t.sorted(link)
	delete(t.pending, link)
	t.mu.Unlock()

	for _, d := range deliveries {
		d.abandon(err)
	}
	return len(deliveries)
}

// FailAll abandons every pending delivery with err.
func (t *SettlementTracker) FailAll(err error) int {
	t.mu.Lock()
	links := make([]string, 0, len(t.pending))
	for link := range t.pending {
		links = append(links, link)
	}
	t.mu.Unlock()

	n := 0
	for _, link := range links {
		n += t.FailLink(link, err)
	}
	return n
}

func (t *SettlementTracker) remove(d *Delivery) {
	byTag := t.pending[d.link]
	delete(byTag, string(d.tag))
	if len(byTag) == 0 {
		delete(t.pending, d.link)
	}
}

func (t *SettlementTracker) sorted(link string) []*Delivery {
	byTag := t.pending[link]
	out := make([]*Delivery, 0, len(byTag))
	for _, d := range byTag {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
