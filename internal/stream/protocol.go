package stream

// Frame types of the chat socket.
const (
	// client -> server
	TypeTextMessage    = "text_message"
	TypeStartRecording = "start_recording"
	TypeStopRecording  = "stop_recording"

	// server -> client
	TypeChatInfo      = "chat_info"
	TypeStatus        = "status"
	TypeLLMStart      = "llm_start"
	TypeLLMChunk      = "llm_chunk"
	TypeLLMEnd        = "llm_end"
	TypeThinkingChunk = "thinking_chunk"
	TypeThinkingDone  = "thinking_done"
	TypeError         = "error"
	TypeASRPartial    = "asr_partial"
	TypeASRFinal      = "asr_final"
	TypeASRStopped    = "asr_stopped"
)

// Advisory processing phases reported by status frames. Servers may send any
// subset, in any order, or names not listed here.
const (
	PhaseAnalyzingIntent     = "analyzing_intent"
	PhaseRetrievingKnowledge = "retrieving_knowledge"
	PhaseReasoning           = "reasoning"
	PhaseSummarizing         = "summarizing"
	PhaseGenerating          = "generating"
	PhaseFallbackGenerating  = "fallback_generating"
)

// Request is the initiation frame of one chat request.
// Empty ids are sent as JSON null.
type Request struct {
	Type    string  `json:"type"`
	Content string  `json:"content"`
	ChatID  *string `json:"chat_id"`
	UserID  *string `json:"user_id"`
}

// TextMessage builds the initiation frame for content.
func TextMessage(content, chatID, userID string) Request {
	return Request{
		Type:    TypeTextMessage,
		Content: content,
		ChatID:  nullable(chatID),
		UserID:  nullable(userID),
	}
}

// Control is a bare control frame such as start_recording.
type Control struct {
	Type string `json:"type"`
}

// Frame is any server -> client frame.
type Frame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
