package consumer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"recipe-assistant/internal/domain"
)

// TurnState is where an AI turn is in its lifecycle.
type TurnState int

const (
	Pending TurnState = iota
	Streaming
	Complete
	Truncated
	Errored
	// Interrupted turns were superseded by a newer submit or closed on
	// teardown; their content is frozen.
	Interrupted
)

func (s TurnState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Streaming:
		return "streaming"
	case Complete:
		return "complete"
	case Truncated:
		return "truncated"
	case Errored:
		return "errored"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no more content will arrive.
func (s TurnState) Terminal() bool {
	return s >= Complete
}

// Opener opens one chat channel. *Client satisfies it.
type Opener interface {
	Open(ctx context.Context, message, mealID string) (*Events, error)
}

// Renderer is called with a copy of the AI turn after every change.
type Renderer func(turn domain.ChatTurn, state TurnState)

type ConversationOption func(*Conversation)

func WithRenderer(r Renderer) ConversationOption {
	return func(c *Conversation) {
		c.render = r
	}
}

// WithHistory seeds the conversation with turns fetched earlier.
func WithHistory(turns []domain.ChatTurn) ConversationOption {
	return func(c *Conversation) {
		c.turns = append([]domain.ChatTurn(nil), turns...)
	}
}

// channel is one open stream and the AI turn it feeds.
type channel struct {
	events *Events
	cancel context.CancelFunc
	turnID string
	done   chan struct{}
	err    error
}

// Conversation holds the turns of one meal chat and keeps at most one
// channel open at a time.
type Conversation struct {
	opener Opener
	mealID string
	render Renderer

	submitMu sync.Mutex

	mu     sync.Mutex
	turns  []domain.ChatTurn
	states map[string]TurnState
	active *channel
}

func NewConversation(opener Opener, mealID string, opts ...ConversationOption) (*Conversation, error) {
	if opener == nil {
		return nil, errors.New("consumer: opener must not be nil")
	}
	mealID = strings.TrimSpace(mealID)
	if mealID == "" {
		return nil, errors.New("consumer: meal id must not be empty")
	}
	c := &Conversation{
		opener: opener,
		mealID: mealID,
		render: func(domain.ChatTurn, TurnState) {},
		states: make(map[string]TurnState),
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.turns) == 0 {
		c.turns = []domain.ChatTurn{domain.GreetingTurn(mealID)}
	}
	return c, nil
}

// Submit appends the user turn and an empty AI turn, closes any channel
// still open, and starts streaming the answer. It returns the AI turn id.
// An open failure leaves the AI turn Errored and is returned.
func (c *Conversation) Submit(ctx context.Context, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", errors.New("consumer: message must not be empty")
	}
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.closeActive()

	now := time.Now().UTC()
	ai := domain.ChatTurn{ID: newID(), MealID: c.mealID, IsAI: true, CreatedAt: now}
	c.mu.Lock()
	c.turns = append(c.turns,
		domain.ChatTurn{ID: newID(), MealID: c.mealID, Content: message, CreatedAt: now},
		ai,
	)
	c.states[ai.ID] = Pending
	c.mu.Unlock()
	c.render(ai, Pending)

	chCtx, cancel := context.WithCancel(ctx)
	events, err := c.opener.Open(chCtx, message, c.mealID)
	if err != nil {
		cancel()
		c.finish(ai.ID, Errored)
		return ai.ID, err
	}

	ch := &channel{events: events, cancel: cancel, turnID: ai.ID, done: make(chan struct{})}
	c.mu.Lock()
	c.active = ch
	c.mu.Unlock()
	go c.consume(chCtx, ch)
	return ai.ID, nil
}

// Wait blocks until the latest channel has ended and returns its error.
func (c *Conversation) Wait(ctx context.Context) error {
	c.mu.Lock()
	ch := c.active
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch.done:
		return ch.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends any open channel. Call it on teardown.
func (c *Conversation) Close() {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	c.closeActive()
}

// Turns returns a copy of all turns, oldest first.
func (c *Conversation) Turns() []domain.ChatTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ChatTurn(nil), c.turns...)
}

// State reports the state of an AI turn.
func (c *Conversation) State(turnID string) (TurnState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[turnID]
	return s, ok
}

func (c *Conversation) consume(ctx context.Context, ch *channel) {
	defer close(ch.done)
	defer func() { _ = ch.events.Close() }()

	for ch.events.Next() {
		frag := ch.events.Fragment()
		if !c.apply(ch, frag) {
			return
		}
		if frag.IsTruncated {
			c.finish(ch.turnID, Truncated)
			return
		}
	}

	switch err := ch.events.Err(); {
	case ctx.Err() != nil:
		c.finish(ch.turnID, Interrupted)
	case err != nil:
		ch.err = err
		c.finish(ch.turnID, Errored)
	default:
		c.finish(ch.turnID, Complete)
	}
}

// apply appends a fragment to the channel's AI turn. It reports false once
// the channel is no longer the active one.
func (c *Conversation) apply(ch *channel, frag domain.Fragment) bool {
	c.mu.Lock()
	if c.active != ch {
		c.mu.Unlock()
		return false
	}
	i := c.indexOf(ch.turnID)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	c.turns[i].Content += frag.Chunk
	if frag.IsTruncated {
		c.turns[i].Truncated = true
	}
	c.states[ch.turnID] = Streaming
	turn := c.turns[i]
	c.mu.Unlock()

	c.render(turn, Streaming)
	return true
}

// finish moves an AI turn to a terminal state once.
func (c *Conversation) finish(turnID string, state TurnState) {
	c.mu.Lock()
	if c.states[turnID].Terminal() {
		c.mu.Unlock()
		return
	}
	c.states[turnID] = state
	var turn domain.ChatTurn
	if i := c.indexOf(turnID); i >= 0 {
		turn = c.turns[i]
	}
	c.mu.Unlock()

	c.render(turn, state)
}

// closeActive closes the open channel and waits for its reader to stop, so
// no fragment from it can be rendered after this returns.
func (c *Conversation) closeActive() {
	c.mu.Lock()
	ch := c.active
	c.active = nil
	c.mu.Unlock()
	if ch == nil {
		return
	}
	ch.cancel()
	_ = ch.events.Close()
	<-ch.done
	c.finish(ch.turnID, Interrupted)
}

func (c *Conversation) indexOf(turnID string) int {
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].ID == turnID {
			return i
		}
	}
	return -1
}

var newID = func() string {
	return uuid.NewString()
}
