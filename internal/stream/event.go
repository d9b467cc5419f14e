package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags an Event.
type Kind int

const (
	KindUnknown Kind = iota
	KindChatInfo
	KindStatus
	KindStart
	KindChunk
	KindThinking
	KindThinkingDone
	KindEnd
	KindError
	KindClosed // transport dropped; not a server frame
	KindASRPartial
	KindASRFinal
	KindASRStopped
)

var kindNames = map[Kind]string{
	KindUnknown:      "unknown",
	KindChatInfo:     "chat_info",
	KindStatus:       "status",
	KindStart:        "start",
	KindChunk:        "chunk",
	KindThinking:     "thinking",
	KindThinkingDone: "thinking_done",
	KindEnd:          "end",
	KindError:        "error",
	KindClosed:       "closed",
	KindASRPartial:   "asr_partial",
	KindASRFinal:     "asr_final",
	KindASRStopped:   "asr_stopped",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is one decoded item of a request's stream.
type Event struct {
	Kind   Kind
	Text   string // chunk text, status phase, error reason, transcript
	Model  string // model tag of a chunk, optional
	ChatID string // chat_info only
	Err    error  // KindClosed / KindError
}

// Terminal reports whether e ends its request.
func (e Event) Terminal() bool {
	return e.Kind == KindEnd || e.Kind == KindError || e.Kind == KindClosed
}

// Closed builds the event delivered when the transport fails before a terminal frame.
func Closed(err error) Event {
	return Event{Kind: KindClosed, Err: err}
}

var frameKinds = map[string]Kind{
	TypeChatInfo:      KindChatInfo,
	TypeStatus:        KindStatus,
	TypeLLMStart:      KindStart,
	TypeLLMChunk:      KindChunk,
	TypeThinkingChunk: KindThinking,
	TypeThinkingDone:  KindThinkingDone,
	TypeLLMEnd:        KindEnd,
	TypeError:         KindError,
	TypeASRPartial:    KindASRPartial,
	TypeASRFinal:      KindASRFinal,
	TypeASRStopped:    KindASRStopped,
}

// Event converts a frame. Unrecognized types yield KindUnknown.
func (f Frame) Event() Event {
	ev := Event{Kind: frameKinds[f.Type], Text: f.Content, Model: f.Model}
	switch ev.Kind {
	case KindChatInfo:
		ev.ChatID = f.ChatID
		if ev.ChatID == "" {
			ev.ChatID = f.Content
		}
		ev.Text = ""
	case KindError:
		ev.Err = &ServerError{Reason: f.Content}
	}
	return ev
}

// Decode parses one server text frame.
func Decode(data []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if f.Type == "" {
		return Event{}, errors.New("frame has no type")
	}
	return f.Event(), nil
}
