package protocol

import "time"

// IngestKind discriminates payloads arriving on the pub/sub cmd channel
// or via REST polling (spec §6).
type IngestKind string

const (
	IngestUserMessage  IngestKind = "user_message"
	IngestFormResponse IngestKind = "form_response"
	IngestUIAction     IngestKind = "ui_action"
)

// UIActionKind enumerates the control actions carried by an IngestUIAction
// payload (spec §6).
type UIActionKind string

const (
	ActionDeleteSession        UIActionKind = "DELETE_SESSION"
	ActionUpdateMiloAgent      UIActionKind = "UPDATE_MILO_AGENT"
	ActionCheckMiloAgentUpdate UIActionKind = "check_milo_agent_updates"
	ActionUpdateMiloAgentLower UIActionKind = "update_milo_agent"
	ActionSkillInstall         UIActionKind = "skill_install"
	ActionSkillUpdate          UIActionKind = "skill_update"
	ActionSkillDelete          UIActionKind = "skill_delete"
)

// IngestMessage is a message arriving via pub/sub or REST polling.
type IngestMessage struct {
	Type             IngestKind   `json:"type"`
	MessageID        string       `json:"messageId"`
	SessionID        string       `json:"sessionId"`
	SessionType      string       `json:"sessionType,omitempty"` // chat | bot
	Content          string       `json:"content,omitempty"`
	Timestamp        time.Time    `json:"timestamp"`
	SessionName      string       `json:"sessionName,omitempty"`
	UIAction         string       `json:"uiAction,omitempty"`
	PersonaID        string       `json:"personaId,omitempty"`
	PersonaVersionID string       `json:"personaVersionId,omitempty"`
	Model            string       `json:"model,omitempty"`
	FormID           string       `json:"formId,omitempty"`
	FormStatus       string       `json:"status,omitempty"` // submitted | cancelled
	FormValues       any          `json:"values,omitempty"`
	Action           UIActionKind `json:"action,omitempty"`
}

// EventKind discriminates payloads published on the pub/sub evt channel
// (spec §6).
type EventKind string

const (
	EventAgentMessage         EventKind = "agent_message"
	EventAgentStatus          EventKind = "agent_status"
	EventSessionUpdate        EventKind = "session_update"
	EventSessionStatusChanged EventKind = "session_status_changed"
	EventToolUse              EventKind = "tool_use"
	EventFileSend             EventKind = "file_send"
	EventFormRequest          EventKind = "form_request"
	EventModelsList           EventKind = "models_list"
	EventUIActionResult       EventKind = "ui_action_result"
	EventError                EventKind = "error"
)

// OutboundEvent is a single logical event, dual-written to pub/sub and the
// outbox (spec §4.5).
type OutboundEvent struct {
	Type         EventKind `json:"type"`
	AgentID      string    `json:"agentId"`
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"sessionId,omitempty"`
	Content      string    `json:"content,omitempty"`
	ContextSize  int       `json:"contextSize,omitempty"`
	SessionStatus string   `json:"sessionStatus,omitempty"`
	FileContents string    `json:"fileContents,omitempty"`
	Extra        any       `json:"extra,omitempty"`
}

// OutboxKind discriminates an outbox row's payload shape (spec §4.5).
type OutboxKind string

const (
	OutboxAckMessage  OutboxKind = "ack_message"
	OutboxSendMessage OutboxKind = "send_message"
)

// AckMessagePayload is the payload of an OutboxAckMessage entry.
type AckMessagePayload struct {
	MessageIDs []string `json:"messageIds"`
}

// SendMessagePayload is the payload of an OutboxSendMessage entry.
type SendMessagePayload struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	FormData  any    `json:"formData,omitempty"`
	FileData  any    `json:"fileData,omitempty"`
}
