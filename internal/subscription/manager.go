// Package subscription manages the per-element subscribe and
// unsubscribe lifecycle against the tick transport.
//
// Each consuming chart or price element owns one Manager for its
// symbol. The manager holds no knowledge of tick content; it only
// decides when to hold an active server-side subscription based on the
// element's viewport visibility and the transport connection state.
// Multiple elements watching the same symbol each hold their own flag;
// there is deliberately no cross-element reference counting.
package subscription

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sender issues subscribe and unsubscribe commands on the transport.
type Sender interface {
	SendSubscribe(symbol string) error
	SendUnsubscribe(symbol string) error
}

// Manager tracks one element's subscription state for one symbol.
//
// Transitions are idempotent: calling Update with an unchanged
// decision never double-sends, and dropping the connection resets the
// local flag without sending since the server loses its subscription
// state on disconnect anyway.
type Manager struct {
	mu         sync.Mutex
	sender     Sender
	symbol     string
	subscribed bool
	connected  bool
	logger     zerolog.Logger
}

// NewManager returns a manager for one element watching symbol.
func NewManager(symbol string, sender Sender) *Manager {
	return &Manager{
		sender: sender,
		symbol: symbol,
		logger: log.With().Str("component", "subscription").Str("symbol", symbol).Logger(),
	}
}

// Subscribed reports whether the element currently holds an active
// subscription flag.
func (m *Manager) Subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed
}

// Update applies the current visibility and connection state.
//
// Visible and connected with no active subscription sends exactly one
// SUBSCRIBE. Losing visibility or the connection while subscribed
// clears the flag; the UNSUBSCRIBE is only sent while still connected,
// because a lost connection already dropped the server-side state.
func (m *Manager) Update(visible, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = connected

	switch {
	case visible && connected && !m.subscribed:
		if err := m.sender.SendSubscribe(m.symbol); err != nil {
			m.logger.Error().Err(err).Msg("subscribe send failed")
			return
		}
		m.subscribed = true
		m.logger.Debug().Msg("subscribed")

	case (!visible || !connected) && m.subscribed:
		m.release()
	}
}

// Teardown forces an unsubscribe when the element is removed from
// display, irrespective of visibility.
func (m *Manager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscribed {
		m.release()
	}
}

// release clears the subscription flag, sending the UNSUBSCRIBE only
// while the transport is still connected. The flag resets either way.
// Callers hold the lock.
func (m *Manager) release() {
	if m.connected {
		if err := m.sender.SendUnsubscribe(m.symbol); err != nil {
			m.logger.Warn().Err(err).Msg("unsubscribe send failed")
		}
	}
	m.subscribed = false
	m.logger.Debug().Msg("unsubscribed")
}
