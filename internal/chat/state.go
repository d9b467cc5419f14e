// Package chat holds the conversation view as an explicit state machine and the
// controller that serializes every mutation of it onto one goroutine.
package chat

import (
	"errors"
	"strings"
	"time"

	"EduMind/internal/session"
	"EduMind/internal/stream"

	"github.com/google/uuid"
)

// Notices shown in place of, or after, a reply that did not complete.
const (
	ConnectionNotice = "Connection problem, please retry."
	GenericNotice    = "Sorry, something went wrong. Please try again."
)

// ErrStaleEvent is returned by Apply for events of a superseded request.
var ErrStaleEvent = errors.New("stale stream event")

// State is the chat view: the active session, its ordered messages, the epoch
// of the current request and the advisory processing phase.
//
// At most one assistant message is pending at a time. It carries a provisional
// id until its request terminates.
type State struct {
	SessionID string
	Messages  []session.Message
	Epoch     uint64
	Phase     string

	live    bool   // the request tagged Epoch may still deliver events
	pending string // provisional id of the in-flight reply, "" when none
	now     func() time.Time
}

// NewState returns an empty view with no active session.
func NewState() *State {
	return &State{now: time.Now}
}

// Live reports whether the current request is still open.
func (s *State) Live() bool { return s.live }

// PendingID returns the provisional id of the in-flight reply, or "".
func (s *State) PendingID() string { return s.pending }

// StartSend finalizes any reply still pending, opens a new request epoch and
// appends the user message. It returns the epoch tagging the new request.
func (s *State) StartSend(text string) uint64 {
	s.finalize()
	s.Epoch++
	s.live = true
	s.Phase = stream.PhaseAnalyzingIntent
	s.Messages = append(s.Messages, session.Message{
		ID:        uuid.NewString(),
		Role:      session.RoleUser,
		Content:   text,
		CreatedAt: s.clock(),
	})
	return s.Epoch
}

// Adopt records the session a request was sent on when the view has none yet.
func (s *State) Adopt(epoch uint64, id string) error {
	if epoch != s.Epoch || !s.live {
		return ErrStaleEvent
	}
	if s.SessionID == "" {
		s.SessionID = id
	}
	return nil
}

// Abort ends the current request without a reply, e.g. when no session could
// be created for it. The user message stays.
func (s *State) Abort(epoch uint64) error {
	if epoch != s.Epoch || !s.live {
		return ErrStaleEvent
	}
	s.finalize()
	s.live = false
	s.Phase = ""
	return nil
}

// Apply folds one event of the request tagged epoch into the view.
func (s *State) Apply(epoch uint64, ev stream.Event) error {
	if epoch != s.Epoch || !s.live {
		return ErrStaleEvent
	}

	switch ev.Kind {
	case stream.KindChatInfo:
		if ev.ChatID != "" {
			s.SessionID = ev.ChatID
		}
	case stream.KindStatus:
		s.Phase = ev.Text
	case stream.KindChunk:
		s.applyChunk(ev.Text, ev.Model)
	case stream.KindThinking:
		s.placeholder().Thinking += ev.Text
	case stream.KindEnd:
		s.terminate()
	case stream.KindError:
		reason := ev.Text
		var serverErr *stream.ServerError
		if errors.As(ev.Err, &serverErr) && serverErr.Reason != "" {
			reason = serverErr.Reason
		}
		if reason == "" {
			reason = GenericNotice
		}
		msg := s.placeholder()
		if msg.Content == "" {
			msg.Content = reason
		}
		s.terminate()
	case stream.KindClosed:
		msg := s.placeholder()
		if msg.Content == "" {
			msg.Content = ConnectionNotice
		} else {
			msg.Content += "\n\n" + ConnectionNotice
		}
		s.terminate()
	}
	// llm_start, thinking_done and transcript frames carry nothing for the list.
	return nil
}

// SwitchSession drops everything in flight and shows history for id.
func (s *State) SwitchSession(id string, history []session.Message) uint64 {
	s.invalidate()
	s.SessionID = id
	s.Messages = append([]session.Message(nil), history...)
	return s.Epoch
}

// LoadHistory fills the list of a switched-to session once its history has
// arrived, unless the view moved on in the meantime.
func (s *State) LoadHistory(epoch uint64, history []session.Message) error {
	if epoch != s.Epoch || s.live {
		return ErrStaleEvent
	}
	s.Messages = append([]session.Message(nil), history...)
	return nil
}

// Reset clears the session and the list.
func (s *State) Reset() uint64 {
	s.invalidate()
	s.SessionID = ""
	s.Messages = nil
	return s.Epoch
}

func (s *State) invalidate() {
	s.Epoch++
	s.live = false
	s.pending = ""
	s.Phase = ""
}

func (s *State) applyChunk(text, model string) {
	msg := s.placeholder()
	msg.Content += text
	if model != "" {
		msg.Model = model
	}
}

// placeholder returns the pending reply, appending it on first use.
func (s *State) placeholder() *session.Message {
	if s.pending != "" {
		for i := len(s.Messages) - 1; i >= 0; i-- {
			if s.Messages[i].ID == s.pending {
				return &s.Messages[i]
			}
		}
	}
	s.pending = provisionalPrefix + uuid.NewString()
	s.Messages = append(s.Messages, session.Message{
		ID:        s.pending,
		Role:      session.RoleAssistant,
		CreatedAt: s.clock(),
	})
	return &s.Messages[len(s.Messages)-1]
}

func (s *State) terminate() {
	s.finalize()
	s.live = false
	s.Phase = ""
}

// finalize gives the pending reply its permanent id.
func (s *State) finalize() {
	if s.pending == "" {
		return
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].ID == s.pending {
			s.Messages[i].ID = uuid.NewString()
			break
		}
	}
	s.pending = ""
}

func (s *State) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

const provisionalPrefix = "pending-"

// IsProvisional reports whether id names an in-flight reply.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// Snapshot is a deep copy of the view handed to observers.
type Snapshot struct {
	SessionID string
	Messages  []session.Message
	Phase     string
	Epoch     uint64
	Streaming bool
	PendingID string
}

// Snapshot copies the view.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		SessionID: s.SessionID,
		Messages:  append([]session.Message(nil), s.Messages...),
		Phase:     s.Phase,
		Epoch:     s.Epoch,
		Streaming: s.live,
		PendingID: s.pending,
	}
}
