package client

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mentorchat/internal/apperr"
	"mentorchat/internal/models"
)

// ErrStale is returned by calls whose result arrived after the state it was
// requested for was replaced, either by a switch to another conversation or
// by a resync that dropped older history. The result was discarded.
var ErrStale = errors.New("client: conversation changed while request was in flight")

const (
	DefaultPageSize    = 20
	DefaultMatchWindow = 30 * time.Second
	DefaultResyncPages = 5
)

// Store is the part of the HTTP API the Timeline reads and writes through.
type Store interface {
	ListMessages(ctx context.Context, conversationID int64, page models.PageRequest) ([]*models.Message, error)
	SendMessage(ctx context.Context, conversationID int64, content, mediaURL string) (*models.Message, error)
}

type Phase int

const (
	PhaseEmpty Phase = iota
	PhaseLoading
	PhaseReady
	PhaseLoadingOlder
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseLoadingOlder:
		return "loading_older"
	default:
		return "empty"
	}
}

type EntryState string

const (
	EntryPending   EntryState = "pending"
	EntryConfirmed EntryState = "confirmed"
	EntryFailed    EntryState = "failed"
)

// Entry is one row of the timeline. Pending and failed entries carry a local
// id and a zero Message.ID until the server confirms them.
type Entry struct {
	LocalID     string
	Message     models.Message
	State       EntryState
	SubmittedAt time.Time
	Err         error

	// afterID is the newest confirmed id when the entry was submitted; the
	// server copy of the message must be newer than that.
	afterID int64
}

type TimelineOptions struct {
	Self        int64
	PageSize    int
	MatchWindow time.Duration
	// ResyncPages bounds how many pages a resync walks back to close the gap
	// left by a disconnect.
	ResyncPages int
	// Live, when set, is subscribed for the open conversation.
	Live Subscriber
	// Typing, when set, receives the other participant's typing events.
	Typing *TypingTracker
	// OnChange runs after every visible change, outside the timeline lock.
	OnChange func()
	Logger   *slog.Logger
}

// Timeline merges paged history, live events and optimistic sends of one open
// conversation into a single list ordered by message id. Every result is
// applied to whatever state exists when it arrives; results tagged with an
// older generation are dropped. Unconfirmed sends are not: leaving a
// conversation parks them, and opening it again brings them back.
type Timeline struct {
	store  Store
	opts   TimelineOptions
	logger *slog.Logger
	now    func() time.Time

	mu             sync.Mutex
	generation     uint64
	conversationID int64
	phase          Phase
	hasMore        bool
	confirmed      []*Entry // ascending by id
	byID           map[int64]*Entry
	pending        []*Entry // pending and failed, in submission order
	parked         map[int64][]*Entry
	historyEpoch   uint64
	unsubscribe    func()
	cancel         context.CancelFunc
	sessionCtx     context.Context
	resyncing      bool

	wg sync.WaitGroup
}

func NewTimeline(store Store, opts TimelineOptions) *Timeline {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MatchWindow <= 0 {
		opts.MatchWindow = DefaultMatchWindow
	}
	if opts.ResyncPages <= 0 {
		opts.ResyncPages = DefaultResyncPages
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Timeline{
		store:  store,
		opts:   opts,
		logger: opts.Logger.With("component", "client"),
		now:    time.Now,
		byID:   make(map[int64]*Entry),
		parked: make(map[int64][]*Entry),
	}
}

// Open switches the timeline to conversationID and loads its latest page.
// Anything still in flight for the previous conversation is cancelled and its
// results are ignored. Live events that arrive during the load are merged
// with the page.
func (t *Timeline) Open(ctx context.Context, conversationID int64) error {
	if conversationID <= 0 {
		return apperr.Validation("Timeline.Open", "invalid conversation id %d", conversationID)
	}

	t.mu.Lock()
	unsubscribe := t.resetLocked()
	gen := t.generation
	t.conversationID = conversationID
	t.phase = PhaseLoading
	t.pending = t.parked[conversationID]
	delete(t.parked, conversationID)
	t.sessionCtx, t.cancel = context.WithCancel(context.Background())
	t.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if t.opts.Live != nil {
		unsub := t.opts.Live.Subscribe(conversationID, t.handler(gen))
		t.mu.Lock()
		if t.generation == gen {
			t.unsubscribe = unsub
			unsub = nil
		}
		t.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	}
	t.changed()

	page, err := t.store.ListMessages(ctx, conversationID, models.PageRequest{Limit: t.opts.PageSize})

	t.mu.Lock()
	if t.generation != gen {
		t.mu.Unlock()
		return ErrStale
	}
	if err != nil {
		t.phase = PhaseEmpty
		t.mu.Unlock()
		t.changed()
		return err
	}
	for _, msg := range page {
		t.applyLocked(*msg)
	}
	t.hasMore = len(page) == t.opts.PageSize
	t.phase = PhaseReady
	t.mu.Unlock()

	t.changed()
	return nil
}

// Close leaves the current conversation. Its unconfirmed sends are kept for
// the next Open of the same conversation.
func (t *Timeline) Close() {
	t.mu.Lock()
	unsubscribe := t.resetLocked()
	t.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	t.changed()
}

// Wait blocks until background sends and resyncs have finished.
func (t *Timeline) Wait() {
	t.wg.Wait()
}

func (t *Timeline) resetLocked() (unsubscribe func()) {
	t.generation++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	unsubscribe = t.unsubscribe
	t.unsubscribe = nil
	if t.conversationID != 0 && len(t.pending) > 0 {
		t.parked[t.conversationID] = t.pending
	}
	t.conversationID = 0
	t.phase = PhaseEmpty
	t.hasMore = false
	t.confirmed = nil
	t.byID = make(map[int64]*Entry)
	t.pending = nil
	t.resyncing = false
	return unsubscribe
}

// Send appends an optimistic entry and submits it in the background. It
// returns the entry's local id as soon as the entry is visible.
func (t *Timeline) Send(ctx context.Context, content string) (string, error) {
	return t.SendMedia(ctx, content, "")
}

// SendMedia is Send with an attached media reference.
func (t *Timeline) SendMedia(ctx context.Context, content, mediaURL string) (string, error) {
	if err := models.ValidateMessage(content, mediaURL); err != nil {
		return "", err
	}

	t.mu.Lock()
	if t.conversationID == 0 {
		t.mu.Unlock()
		return "", apperr.Validation("Timeline.Send", "no conversation is open")
	}
	now := t.now()
	entry := &Entry{
		LocalID: uuid.NewString(),
		Message: models.Message{
			ConversationID: t.conversationID,
			SenderID:       t.opts.Self,
			Content:        content,
			MediaURL:       mediaURL,
			Status:         models.StatusSent,
			SentAt:         now,
		},
		State:       EntryPending,
		SubmittedAt: now,
		afterID:     t.newestIDLocked(),
	}
	t.pending = append(t.pending, entry)
	t.mu.Unlock()

	t.changed()
	t.submit(ctx, entry.LocalID, entry.Message)
	return entry.LocalID, nil
}

// Retry resubmits a failed entry.
func (t *Timeline) Retry(ctx context.Context, localID string) error {
	t.mu.Lock()
	entry := t.pendingLocked(localID)
	if entry == nil || entry.State != EntryFailed {
		t.mu.Unlock()
		return apperr.NotFound("Timeline.Retry", "no failed message %s", localID)
	}
	entry.State = EntryPending
	entry.Err = nil
	entry.SubmittedAt = t.now()
	msg := entry.Message
	t.mu.Unlock()

	t.changed()
	t.submit(ctx, localID, msg)
	return nil
}

// submit sends msg in the background. The result settles the entry wherever
// it lives by then: in the open timeline, or parked with its conversation.
func (t *Timeline) submit(ctx context.Context, localID string, msg models.Message) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		saved, err := t.store.SendMessage(ctx, msg.ConversationID, msg.Content, msg.MediaURL)

		t.mu.Lock()
		if t.conversationID != msg.ConversationID {
			t.settleParkedLocked(localID, msg.ConversationID, err)
			t.mu.Unlock()
			return
		}
		entry := t.pendingLocked(localID)
		switch {
		case err != nil:
			if entry != nil {
				entry.State = EntryFailed
				entry.Err = err
			}
			t.logger.Warn("send_failed", "conversation_id", msg.ConversationID, "local_id", localID, "error", err)
		case entry == nil:
			// A live event already confirmed this entry.
			t.applyLocked(*saved)
		case t.byID[saved.ID] != nil:
			// The saved message is already shown under another entry.
			t.removePendingLocked(entry)
			t.mergeLocked(t.byID[saved.ID], *saved)
		default:
			t.confirmLocked(entry, *saved)
		}
		t.mu.Unlock()
		t.changed()
	}()
}

// settleParkedLocked records the outcome of a send whose conversation is not
// open. A saved message needs no entry: it comes back with the history.
func (t *Timeline) settleParkedLocked(localID string, conversationID int64, err error) {
	parked := t.parked[conversationID]
	for i, e := range parked {
		if e.LocalID != localID {
			continue
		}
		if err != nil {
			e.State = EntryFailed
			e.Err = err
			t.logger.Warn("send_failed", "conversation_id", conversationID, "local_id", localID, "error", err)
			return
		}
		parked = append(parked[:i], parked[i+1:]...)
		if len(parked) == 0 {
			delete(t.parked, conversationID)
		} else {
			t.parked[conversationID] = parked
		}
		return
	}
}

// ApplyMessage merges one message pushed by the live channel. It reports
// whether the timeline changed.
func (t *Timeline) ApplyMessage(msg models.Message) bool {
	t.mu.Lock()
	changed := t.conversationID != 0 && msg.ConversationID == t.conversationID && t.applyLocked(msg)
	t.mu.Unlock()
	if changed {
		t.changed()
	}
	return changed
}

// ApplyStatus advances the status of a known message. Statuses never move
// backwards.
func (t *Timeline) ApplyStatus(update models.StatusUpdate) bool {
	t.mu.Lock()
	changed := false
	if t.conversationID != 0 && update.ConversationID == t.conversationID {
		if entry := t.byID[update.MessageID]; entry != nil {
			changed = advanceStatus(&entry.Message, update.Status)
		}
	}
	t.mu.Unlock()
	if changed {
		t.changed()
	}
	return changed
}

// LoadOlder fetches the page before the oldest loaded message. It does
// nothing while another load is running or when history is exhausted, and
// returns the number of messages added.
func (t *Timeline) LoadOlder(ctx context.Context) (int, error) {
	t.mu.Lock()
	if t.phase != PhaseReady || !t.hasMore || len(t.confirmed) == 0 {
		t.mu.Unlock()
		return 0, nil
	}
	t.phase = PhaseLoadingOlder
	gen := t.generation
	epoch := t.historyEpoch
	conversationID := t.conversationID
	cursor := t.confirmed[0].Message.ID
	t.mu.Unlock()
	t.changed()

	page, err := t.store.ListMessages(ctx, conversationID, models.PageRequest{Cursor: cursor, Limit: t.opts.PageSize})

	t.mu.Lock()
	if t.generation != gen {
		t.mu.Unlock()
		return 0, ErrStale
	}
	t.phase = PhaseReady
	if t.historyEpoch != epoch {
		// A resync replaced the history this page was meant to extend.
		t.mu.Unlock()
		t.changed()
		return 0, ErrStale
	}
	if err != nil {
		t.mu.Unlock()
		t.changed()
		return 0, err
	}
	added := 0
	for _, msg := range page {
		if t.applyLocked(*msg) {
			added++
		}
	}
	t.hasMore = len(page) == t.opts.PageSize
	t.mu.Unlock()

	t.changed()
	return added, nil
}

// Resync refetches the latest messages after the live channel reconnected,
// walking back until it reaches what is already loaded. When the gap is wider
// than the page budget, older entries are dropped so the timeline stays
// contiguous and LoadOlder can fetch them again.
func (t *Timeline) Resync(ctx context.Context) error {
	t.mu.Lock()
	if t.conversationID == 0 {
		t.mu.Unlock()
		return nil
	}
	gen := t.generation
	conversationID := t.conversationID
	known := t.newestIDLocked()
	t.mu.Unlock()

	var fetched []*models.Message
	cursor := int64(0)
	closed := known == 0
	for i := 0; i < t.opts.ResyncPages; i++ {
		page, err := t.store.ListMessages(ctx, conversationID, models.PageRequest{Cursor: cursor, Limit: t.opts.PageSize})
		if err != nil {
			return err
		}
		fetched = append(page, fetched...)
		if len(page) < t.opts.PageSize || page[0].ID <= known {
			closed = true
			break
		}
		if known == 0 {
			break
		}
		cursor = page[0].ID
	}

	t.mu.Lock()
	if t.generation != gen {
		t.mu.Unlock()
		return ErrStale
	}
	if !closed {
		t.logger.Info("resync_gap", "conversation_id", conversationID, "pages", t.opts.ResyncPages)
		t.confirmed = nil
		t.byID = make(map[int64]*Entry)
		t.historyEpoch++
	}
	for _, msg := range fetched {
		t.applyLocked(*msg)
	}
	if !closed || known == 0 {
		t.hasMore = len(fetched) >= t.opts.PageSize
	}
	if t.phase == PhaseLoading || t.phase == PhaseEmpty {
		t.phase = PhaseReady
	}
	t.mu.Unlock()

	t.changed()
	return nil
}

// Entries returns a snapshot: confirmed messages by id, then pending and
// failed ones in submission order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.confirmed)+len(t.pending))
	for _, e := range t.confirmed {
		out = append(out, *e)
	}
	for _, e := range t.pending {
		out = append(out, *e)
	}
	return out
}

func (t *Timeline) ConversationID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

func (t *Timeline) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

func (t *Timeline) handler(gen uint64) Handler {
	return func(ev Event) {
		switch ev.Type {
		case models.EventMessageNew:
			t.mu.Lock()
			current := t.generation == gen
			t.mu.Unlock()
			if current {
				t.ApplyMessage(*ev.Message)
			}
		case models.EventMessageStatus:
			t.ApplyStatus(*ev.Status)
		case models.EventTyping:
			if t.opts.Typing != nil && ev.Typing.SenderID != t.opts.Self {
				t.opts.Typing.Observe(TypingUpdate{
					ConversationID: ev.Typing.ConversationID,
					UserID:         ev.Typing.SenderID,
					Typing:         ev.Typing.Typing,
				})
			}
		case EventReconnected:
			t.resyncAsync(gen)
		}
	}
}

// resyncAsync runs one Resync at a time in the background, bound to the
// lifetime of the open conversation.
func (t *Timeline) resyncAsync(gen uint64) {
	t.mu.Lock()
	if t.generation != gen || t.resyncing || t.sessionCtx == nil {
		t.mu.Unlock()
		return
	}
	t.resyncing = true
	ctx := t.sessionCtx
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := t.Resync(ctx)
		t.mu.Lock()
		if t.generation == gen {
			t.resyncing = false
		}
		t.mu.Unlock()
		if err != nil && !errors.Is(err, ErrStale) && !errors.Is(err, context.Canceled) {
			t.logger.Warn("resync_failed", "error", err)
		}
	}()
}

// applyLocked merges a server message: known ids are updated, a matching
// optimistic entry is confirmed in place, anything else is inserted by id.
func (t *Timeline) applyLocked(msg models.Message) bool {
	if msg.ID <= 0 {
		return false
	}
	if existing := t.byID[msg.ID]; existing != nil {
		return t.mergeLocked(existing, msg)
	}
	if entry := t.matchLocked(msg); entry != nil {
		t.confirmLocked(entry, msg)
		return true
	}
	t.insertLocked(&Entry{Message: msg, State: EntryConfirmed})
	return true
}

// matchLocked finds the oldest optimistic entry the message can confirm:
// same sender and body, newer than anything confirmed at submission, and
// submitted within the match window.
func (t *Timeline) matchLocked(msg models.Message) *Entry {
	if msg.SenderID != t.opts.Self {
		return nil
	}
	now := t.now()
	for _, e := range t.pending {
		if e.Message.Content != msg.Content || e.Message.MediaURL != msg.MediaURL {
			continue
		}
		if msg.ID <= e.afterID {
			continue
		}
		if now.Sub(e.SubmittedAt) > t.opts.MatchWindow {
			continue
		}
		return e
	}
	return nil
}

func (t *Timeline) confirmLocked(entry *Entry, msg models.Message) {
	t.removePendingLocked(entry)
	entry.Message = msg
	entry.State = EntryConfirmed
	entry.Err = nil
	t.insertLocked(entry)
}

// mergeLocked refreshes a known message. Only the status may change.
func (t *Timeline) mergeLocked(existing *Entry, msg models.Message) bool {
	changed := advanceStatus(&existing.Message, msg.Status)
	if msg.IsRead && !existing.Message.IsRead {
		existing.Message.IsRead = true
		changed = true
	}
	return changed
}

func (t *Timeline) insertLocked(entry *Entry) {
	id := entry.Message.ID
	i := sort.Search(len(t.confirmed), func(i int) bool { return t.confirmed[i].Message.ID > id })
	t.confirmed = append(t.confirmed, nil)
	copy(t.confirmed[i+1:], t.confirmed[i:])
	t.confirmed[i] = entry
	t.byID[id] = entry
}

func (t *Timeline) pendingLocked(localID string) *Entry {
	for _, e := range t.pending {
		if e.LocalID == localID {
			return e
		}
	}
	return nil
}

func (t *Timeline) removePendingLocked(entry *Entry) {
	for i, e := range t.pending {
		if e == entry {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}

func (t *Timeline) newestIDLocked() int64 {
	if len(t.confirmed) == 0 {
		return 0
	}
	return t.confirmed[len(t.confirmed)-1].Message.ID
}

func (t *Timeline) changed() {
	if t.opts.OnChange != nil {
		t.opts.OnChange()
	}
}

var statusRank = map[string]int{
	models.StatusSent:      0,
	models.StatusDelivered: 1,
	models.StatusRead:      2,
}

// advanceStatus moves msg forward to status and reports whether it changed.
func advanceStatus(msg *models.Message, status string) bool {
	next, ok := statusRank[status]
	if !ok || next <= statusRank[msg.Status] {
		return false
	}
	msg.Status = status
	if status == models.StatusRead {
		msg.IsRead = true
	}
	return true
}
