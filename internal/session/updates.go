package session

import (
	"github.com/ethereum/go-ethereum/event"

	"redPacketSync/internal/model"
)

// UpdateKind tells which part of the session an Update is about.
type UpdateKind int

const (
	UpdateStatus UpdateKind = iota
	UpdateState
	UpdateEvents
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateState:
		return "state"
	case UpdateEvents:
		return "events"
	default:
		return "status"
	}
}

// Update is published whenever the status line, the snapshot or the event
// log changes. Event is nil when the whole log was replaced.
type Update struct {
	Kind   UpdateKind
	Status model.Status
	State  *model.RoundState
	Event  *model.DistributionEvent
}

// SubscribeUpdates delivers updates to ch. Sends block until ch accepts them,
// so ch should be buffered and drained by a goroutine that never calls
// session transitions.
func (s *Session) SubscribeUpdates(ch chan<- Update) event.Subscription {
	return s.updates.Subscribe(ch)
}

func (s *Session) publish(u Update) {
	s.updates.Send(u)
}

// listener adapts scheduler callbacks to the session.
type listener struct {
	s *Session
}

func (l listener) StateRefreshed(state *model.RoundState) {
	l.s.metrics.ObserveRefresh(state, nil)
	if l.s.Status().Kind == model.KindSync {
		l.s.setStatus(model.InfoStatus("synced"))
	}
	l.s.publish(Update{Kind: UpdateState, State: state})
}

func (l listener) EventsChanged(ev *model.DistributionEvent) {
	l.s.eventsChanged(l.s.ctx, ev)
}

func (l listener) SyncFailed(err error) {
	if model.Classify(err) == model.KindSync {
		l.s.metrics.ObserveRefresh(nil, err)
	}
	l.s.fail("", err)
}
