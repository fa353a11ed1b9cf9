// Package pipeline runs one tutoring turn end to end: resolve the session
// context, classify the input, call the completion service, persist the
// exchange and stream events back to the caller.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/creastat/tutoring"
	"github.com/creastat/tutoring/cache"
	"github.com/creastat/tutoring/completion"
	"github.com/creastat/tutoring/event"
	"github.com/creastat/tutoring/gateway"
	"github.com/creastat/tutoring/logging"
	"github.com/creastat/tutoring/router"
)

// PersistPolicy decides how the assistant reply is written.
type PersistPolicy string

const (
	// PersistDeferred queues writes; failures are logged and the reply still succeeds.
	PersistDeferred PersistPolicy = "deferred"
	// PersistStrict writes inline; a failed write ends the turn with an error event.
	PersistStrict PersistPolicy = "strict"
)

// Defaults for a Pipeline.
const (
	DefaultCompletionTimeout = 60 * time.Second
	DefaultMaxTokens         = 1024
	DefaultTemperature       = 0.7
	DefaultHistoryLimit      = 100
	DefaultCurriculumTimeout = 3 * time.Second
)

// Turn is one student input.
type Turn struct {
	SessionID string
	OwnerID   string
	Subject   string
	Text      string
	Type      tutoring.MessageType
	ImageURL  string
}

// Emitter receives the ordered events of one turn.
type Emitter func(event.Event)

// Lifecycle is the part of the session lifecycle manager a turn needs.
type Lifecycle interface {
	CreateSession(ctx context.Context, ownerID, subject string) (string, error)
	EnsureSession(ctx context.Context, id, ownerID, subject string) (*tutoring.Session, bool, error)
	Restore(ctx context.Context, id string) (*tutoring.Session, error)
	TrackActivity(sessionID string)
}

// Recoverer rebuilds contexts on cache misses and stores snapshots.
type Recoverer interface {
	Recover(ctx context.Context, sessionID, ownerID, subject string) tutoring.SessionContext
	Checkpoint(ctx context.Context, sc tutoring.SessionContext) error
	ClearAttempts(sessionID, ownerID string)
}

// CurriculumSource attaches reference material to a curriculum.
type CurriculumSource interface {
	Enrich(ctx context.Context, base tutoring.Curriculum, subject, query string) tutoring.Curriculum
}

// Deps are the collaborators every Pipeline needs.
type Deps struct {
	Cache      *cache.Cache
	Queue      *cache.Queue
	Recovery   Recoverer
	Lifecycle  Lifecycle
	Gateway    gateway.Gateway
	Completion completion.Service
}

// Pipeline processes turns. Safe for concurrent use across sessions.
type Pipeline struct {
	cache      *cache.Cache
	queue      *cache.Queue
	recovery   Recoverer
	lifecycle  Lifecycle
	gateway    gateway.Gateway
	completion completion.Service

	router          *router.Router
	curriculum      CurriculumSource
	curriculumLimit time.Duration
	publisher       event.Publisher
	tokenizer       *completion.Tokenizer
	timeout         time.Duration
	maxTokens       int
	temperature     float32
	policy          PersistPolicy
	historyMax      int
	now             func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRouter replaces the default section router.
func WithRouter(r *router.Router) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.router = r
		}
	}
}

// WithCurriculum enables reference retrieval for prompts.
func WithCurriculum(c CurriculumSource) Option {
	return func(p *Pipeline) {
		p.curriculum = c
	}
}

// WithCurriculumTimeout bounds reference retrieval for one turn.
func WithCurriculumTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.curriculumLimit = d
		}
	}
}

// WithPublisher mirrors turn events onto a bus.
func WithPublisher(pub event.Publisher) Option {
	return func(p *Pipeline) {
		if pub != nil {
			p.publisher = pub
		}
	}
}

// WithTokenizer sets the tokenizer used to size user messages.
func WithTokenizer(t *completion.Tokenizer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tokenizer = t
		}
	}
}

// WithCompletionTimeout bounds the completion call.
func WithCompletionTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithGeneration sets max tokens and temperature for completions.
func WithGeneration(maxTokens int, temperature float32) Option {
	return func(p *Pipeline) {
		if maxTokens > 0 {
			p.maxTokens = maxTokens
		}
		p.temperature = temperature
	}
}

// WithPersistPolicy selects deferred or strict persistence.
func WithPersistPolicy(policy PersistPolicy) Option {
	return func(p *Pipeline) {
		if policy != "" {
			p.policy = policy
		}
	}
}

// WithHistoryLimit caps the history kept in cached contexts.
func WithHistoryLimit(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.historyMax = n
		}
	}
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New creates a Pipeline.
func New(deps Deps, opts ...Option) *Pipeline {
	p := &Pipeline{
		cache:           deps.Cache,
		queue:           deps.Queue,
		recovery:        deps.Recovery,
		lifecycle:       deps.Lifecycle,
		gateway:         deps.Gateway,
		completion:      deps.Completion,
		router:          router.Default(),
		curriculumLimit: DefaultCurriculumTimeout,
		publisher:       event.Discard,
		tokenizer:       completion.DefaultTokenizer(),
		timeout:         DefaultCompletionTimeout,
		maxTokens:       DefaultMaxTokens,
		temperature:     DefaultTemperature,
		policy:          PersistDeferred,
		historyMax:      DefaultHistoryLimit,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// turnState tracks what has been emitted for one turn.
type turnState struct {
	id        string
	sessionID string
	emit      Emitter
	publisher event.Publisher
	terminal  bool
	log       *zerolog.Logger
}

func (s *turnState) send(t event.EventType, data any) {
	if s.terminal {
		return
	}
	e := event.New(t, s.sessionID, data)
	if t.IsTerminal() {
		s.terminal = true
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Interface("panic", r).Str("event", string(t)).Msg("emitter panicked")
			}
		}()
		s.emit(e)
	}()

	if err := s.publisher.Publish(e); err != nil {
		s.log.Warn().Err(err).Str("event", string(t)).Msg("publish failed")
	}
}

func (s *turnState) fail(err error) {
	msg := err.Error()
	if tutoring.KindOf(err) == tutoring.KindInternal {
		msg = "internal error"
	}
	s.send(event.Error, event.ErrorData{
		TurnID:    s.id,
		Kind:      string(tutoring.KindOf(err)),
		Message:   msg,
		Retryable: tutoring.Retryable(err),
	})
}

// ProcessTurn runs one turn and emits connection, then either section and
// final, or error. Exactly one terminal event is emitted on every path,
// panics included. The returned error mirrors the error event.
func (p *Pipeline) ProcessTurn(ctx context.Context, turn Turn, emit Emitter) (err error) {
	st := &turnState{
		id:        tutoring.NewMessageID(),
		sessionID: turn.SessionID,
		emit:      emit,
		publisher: p.publisher,
		log:       logging.Session(turn.SessionID),
	}

	defer func() {
		if r := recover(); r != nil {
			err = tutoring.E(tutoring.KindInternal, "process turn", fmt.Errorf("panic: %v", r))
			st.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("turn panicked")
		}
		if err != nil {
			st.fail(err)
		} else if !st.terminal {
			err = tutoring.E(tutoring.KindInternal, "process turn", errors.New("turn ended without a terminal event"))
			st.fail(err)
		}
	}()

	st.send(event.Connection, event.ConnectionData{TurnID: st.id})

	if err := validate(&turn); err != nil {
		return err
	}

	sc, err := p.resolve(ctx, turn)
	if err != nil {
		return err
	}
	st.sessionID = sc.SessionID
	turnLog := logging.Session(sc.SessionID).With().Str("turn_id", st.id).Logger()
	st.log = &turnLog

	return p.run(ctx, st, turn, sc)
}

func validate(turn *Turn) error {
	turn.Text = strings.TrimSpace(turn.Text)
	turn.ImageURL = strings.TrimSpace(turn.ImageURL)
	if turn.Type == "" {
		turn.Type = tutoring.MessageText
		if turn.Text == "" && turn.ImageURL != "" {
			turn.Type = tutoring.MessageImage
		}
	}

	switch {
	case turn.Text == "" && turn.ImageURL == "":
		return tutoring.E(tutoring.KindValidation, "validate turn", errors.New("turn has no text and no image"))
	case !turn.Type.Valid():
		return tutoring.E(tutoring.KindValidation, "validate turn", fmt.Errorf("unknown message type %q", turn.Type))
	case turn.OwnerID == "":
		return tutoring.E(tutoring.KindValidation, "validate turn", errors.New("owner id is required"))
	}
	return nil
}

// resolve finds the context for the turn, creating or restoring the session as needed.
func (p *Pipeline) resolve(ctx context.Context, turn Turn) (tutoring.SessionContext, error) {
	if turn.SessionID == "" {
		id, err := p.lifecycle.CreateSession(ctx, turn.OwnerID, turn.Subject)
		if err != nil {
			return tutoring.SessionContext{}, err
		}
		return tutoring.NewMinimalContext(id, turn.OwnerID, turn.Subject, nil), nil
	}

	if sc, ok := p.cache.Get(turn.SessionID); ok && sc.OwnerID == turn.OwnerID {
		sc.Provenance = tutoring.Cached{}
		return sc, nil
	}

	sc := p.recovery.Recover(ctx, turn.SessionID, turn.OwnerID, turn.Subject)
	if !needsSessionCheck(sc.Provenance) {
		return sc, nil
	}

	sess, created, err := p.lifecycle.EnsureSession(ctx, turn.SessionID, turn.OwnerID, sc.Subject)
	if err != nil {
		if errors.Is(err, tutoring.ErrNotFound) {
			return tutoring.SessionContext{}, err
		}
		// Store trouble: keep the degraded context rather than fail the turn.
		logging.Session(turn.SessionID).Warn().Err(err).Msg("session check failed, continuing")
		return sc, nil
	}
	if sess.OwnerID != turn.OwnerID || sess.Status == tutoring.StatusDeleted {
		return tutoring.SessionContext{}, gateway.NotFound("resolve session", turn.SessionID)
	}
	if !created && sess.Status == tutoring.StatusArchived {
		if _, err := p.lifecycle.Restore(ctx, sess.ID); err != nil {
			return tutoring.SessionContext{}, err
		}
	}
	// The store has answered for this session, so earlier failures no longer count.
	p.recovery.ClearAttempts(turn.SessionID, turn.OwnerID)
	if sc.Subject == "" {
		sc.Subject = sess.Subject
	}
	return sc, nil
}

// needsSessionCheck reports whether the store record behind a recovered
// context still has to be confirmed. Short-circuited and store-failure
// minimal contexts skip the check to avoid hammering a failing store.
func needsSessionCheck(p tutoring.Provenance) bool {
	switch v := p.(type) {
	case tutoring.Cached:
		return false
	case tutoring.RecoveredFromStore, tutoring.RecoveredFromSnapshot:
		return true
	case tutoring.Minimal:
		return errors.Is(v.Cause, tutoring.ErrNotFound)
	default:
		return false
	}
}

func (p *Pipeline) run(ctx context.Context, st *turnState, turn Turn, sc tutoring.SessionContext) error {
	sessionID, ownerID := sc.SessionID, sc.OwnerID
	if sc.Curriculum.Level == "" {
		sc.Curriculum = tutoring.DefaultCurriculum(sc.Subject)
	}

	userMsg := tutoring.Message{
		ID:         tutoring.NewMessageID(),
		SessionID:  sessionID,
		Sender:     tutoring.SenderUser,
		Type:       turn.Type,
		Content:    turn.Text,
		ImageURL:   turn.ImageURL,
		TokenUsage: p.tokenizer.CountText(turn.Text),
		CreatedAt:  p.now().UTC(),
	}
	if err := p.persist(ctx, "insert user message", p.userInsertOp(userMsg, ownerID)); err != nil {
		return err
	}
	p.lifecycle.TrackActivity(sessionID)

	section := p.router.Classify(turn.Text, sc.History)

	if p.curriculum != nil {
		enrichCtx, cancel := context.WithTimeout(ctx, p.curriculumLimit)
		sc.Curriculum = p.curriculum.Enrich(enrichCtx, sc.Curriculum, sc.Subject, turn.Text)
		cancel()
	}
	prompt := buildPrompt(section, sc, turn)

	completeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	res, err := p.completion.Complete(completeCtx, prompt, p.maxTokens, p.temperature)
	deadline := completeCtx.Err()
	cancel()

	if err != nil {
		err = completionError(err, deadline)
		st.log.Warn().Err(err).Str("section", string(section)).Msg("completion failed")
		p.refresh(sc, userMsg)
		return err
	}

	assistantMsg := tutoring.Message{
		ID:         tutoring.NewMessageID(),
		SessionID:  sessionID,
		Sender:     tutoring.SenderAssistant,
		Type:       tutoring.MessageText,
		Content:    res.Content,
		TokenUsage: res.TokenUsage,
		CreatedAt:  p.now().UTC(),
	}
	if !assistantMsg.CreatedAt.After(userMsg.CreatedAt) {
		assistantMsg.CreatedAt = userMsg.CreatedAt.Add(time.Microsecond)
	}
	if err := p.persist(ctx, "insert assistant message", p.insertOp(assistantMsg)); err != nil {
		return err
	}
	p.queue.Enqueue("update owner stats", p.statsOp(ownerID, turn.Type, res.TokenUsage))

	if refreshed, ok := p.refresh(sc, userMsg, assistantMsg); ok {
		p.queue.Enqueue("checkpoint snapshot", func(ctx context.Context) error {
			return p.recovery.Checkpoint(ctx, refreshed)
		})
	}

	st.send(event.Section, event.SectionData{Type: string(section), Content: res.Content})
	st.send(event.Final, event.FinalData{
		TurnID:     st.id,
		MessageID:  assistantMsg.ID,
		Section:    string(section),
		TokenUsage: res.TokenUsage,
		Provenance: sc.Provenance.String(),
	})

	st.log.Debug().
		Str("section", string(section)).
		Str("provenance", sc.Provenance.String()).
		Int("tokens", res.TokenUsage).
		Msg("turn completed")
	return nil
}

// completionError makes sure a completion failure carries the Timeout or
// UpstreamFailure kind.
func completionError(err, deadline error) error {
	switch tutoring.KindOf(err) {
	case tutoring.KindTimeout, tutoring.KindUpstream:
		return err
	}
	if errors.Is(deadline, context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return tutoring.E(tutoring.KindTimeout, "complete", err)
	}
	return tutoring.E(tutoring.KindUpstream, "complete", err)
}

// persist runs op according to the persist policy.
func (p *Pipeline) persist(ctx context.Context, name string, op cache.Op) error {
	if p.policy != PersistStrict {
		p.queue.Enqueue(name, op)
		return nil
	}
	if err := op(context.WithoutCancel(ctx)); err != nil {
		if tutoring.KindOf(err) == tutoring.KindNotFound {
			return err
		}
		return tutoring.E(tutoring.KindPersistence, name, err)
	}
	return nil
}

// insertOp captures msg by value so the write always targets its own session.
func (p *Pipeline) insertOp(msg tutoring.Message) cache.Op {
	return func(ctx context.Context) error {
		m := msg
		return p.gateway.InsertMessage(ctx, &m)
	}
}

// userInsertOp also resets the recovery counter once the store accepts the write.
func (p *Pipeline) userInsertOp(msg tutoring.Message, ownerID string) cache.Op {
	insert := p.insertOp(msg)
	return func(ctx context.Context) error {
		if err := insert(ctx); err != nil {
			return err
		}
		p.recovery.ClearAttempts(msg.SessionID, ownerID)
		return nil
	}
}

func (p *Pipeline) statsOp(ownerID string, userType tutoring.MessageType, tokens int) cache.Op {
	return func(ctx context.Context) error {
		increments := []struct {
			field string
			delta int64
		}{
			{tutoring.StatTotalMessages, 2},
			{tutoring.StatFieldFor(userType), 1},
			{tutoring.StatTextMessages, 1},
			{tutoring.StatTokensUsed, int64(tokens)},
		}
		var errs []error
		for _, inc := range increments {
			if inc.delta == 0 {
				continue
			}
			if err := p.gateway.IncrementAggregateStat(ctx, ownerID, inc.field, inc.delta); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// refresh invalidates the cached context and stores one that includes msgs.
// Degraded contexts are only invalidated so the next turn recovers again;
// ok is false for them and the result must not be checkpointed.
func (p *Pipeline) refresh(sc tutoring.SessionContext, msgs ...tutoring.Message) (tutoring.SessionContext, bool) {
	p.cache.Invalidate(sc.SessionID)
	if degraded(sc.Provenance) {
		return sc, false
	}

	next := sc.Clone()
	next.History = append(next.History, msgs...)
	next.History = tutoring.TruncateHistory(next.History, 0, p.historyMax)
	next.Provenance = tutoring.Cached{}
	p.cache.Put(sc.SessionID, next)
	return next, true
}

// degraded reports whether a context's history may be missing stored
// messages. A minimal context is complete only for a new session or one the
// store proved absent.
func degraded(prov tutoring.Provenance) bool {
	m, ok := prov.(tutoring.Minimal)
	if !ok {
		return false
	}
	return m.Cause != nil && !errors.Is(m.Cause, tutoring.ErrNotFound)
}
