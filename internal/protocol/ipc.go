// Package protocol defines the wire types shared across the IPC codec,
// the pub/sub channel, and the REST client (spec §4.3, §6).
package protocol

import (
	"encoding/json"
	"time"
)

// IPCKind discriminates supervisor<->worker IPC messages (spec §4.3).
type IPCKind string

// Supervisor -> worker kinds.
const (
	KindWorkerInit         IPCKind = "WORKER_INIT"
	KindWorkerTask         IPCKind = "WORKER_TASK"
	KindWorkerCancel       IPCKind = "WORKER_CANCEL"
	KindWorkerSteer        IPCKind = "WORKER_STEER"
	KindWorkerAnswer       IPCKind = "WORKER_ANSWER"
	KindWorkerFormResponse IPCKind = "WORKER_FORM_RESPONSE"
	KindWorkerClose        IPCKind = "WORKER_CLOSE"
)

// Worker -> supervisor kinds.
const (
	KindWorkerReady        IPCKind = "WORKER_READY"
	KindWorkerTaskStarted  IPCKind = "WORKER_TASK_STARTED"
	KindWorkerTaskDone     IPCKind = "WORKER_TASK_DONE"
	KindWorkerTaskCanceled IPCKind = "WORKER_TASK_CANCELLED"
	KindWorkerError        IPCKind = "WORKER_ERROR"
	KindWorkerProgress     IPCKind = "WORKER_PROGRESS"
	KindWorkerStreamText   IPCKind = "WORKER_STREAM_TEXT"
	KindWorkerToolStart    IPCKind = "WORKER_TOOL_START"
	KindWorkerToolEnd      IPCKind = "WORKER_TOOL_END"
	KindWorkerQuestion     IPCKind = "WORKER_QUESTION"
	KindWorkerFormRequest  IPCKind = "WORKER_FORM_REQUEST"
	KindWorkerFileSend     IPCKind = "WORKER_FILE_SEND"
	KindWorkerProjectSet   IPCKind = "WORKER_PROJECT_SET"
)

// IPCMessage is the envelope for every line exchanged over the child's
// stdin/stdout. Fields are a superset across all kinds; a given kind
// populates only the fields relevant to it.
type IPCMessage struct {
	Type      IPCKind         `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"sessionId,omitempty"`
	TaskID    string          `json:"taskId,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	FormID    string          `json:"formId,omitempty"`
	Fatal     bool            `json:"fatal,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SessionSpec is the per-session configuration bundle sent in WORKER_INIT
// and re-sent whenever it changes across a task boundary (spec §9).
type SessionSpec struct {
	SessionID        string `json:"sessionId"`
	SessionType      string `json:"sessionType"` // chat | bot
	PersonaID        string `json:"personaId,omitempty"`
	PersonaVersionID string `json:"personaVersionId,omitempty"`
	Model            string `json:"model,omitempty"`
	ProjectPath      string `json:"projectPath,omitempty"`
	WorkspacePath    string `json:"workspacePath,omitempty"`
}

// Equal reports whether two session specs would produce the same worker
// agent configuration. The supervisor does not call it: every WORKER_TASK
// carries the actor's spec.
func (s SessionSpec) Equal(o SessionSpec) bool {
	return s.SessionType == o.SessionType &&
		s.PersonaID == o.PersonaID &&
		s.PersonaVersionID == o.PersonaVersionID &&
		s.Model == o.Model &&
		s.ProjectPath == o.ProjectPath
}

// WorkerInitData is the Data payload of a WORKER_INIT message.
type WorkerInitData struct {
	Spec SessionSpec `json:"spec"`
}

// WorkerTaskData is the Data payload of a WORKER_TASK message.
type WorkerTaskData struct {
	MessageID string      `json:"messageId"`
	Content   string      `json:"content"`
	Spec      SessionSpec `json:"spec"`
}

// WorkerCancelData is the Data payload of a WORKER_CANCEL message.
type WorkerCancelData struct {
	Reason string `json:"reason,omitempty"`
}

// WorkerSteerData is the Data payload of a WORKER_STEER message.
type WorkerSteerData struct {
	Content string `json:"content"`
}

// WorkerAnswerData is the Data payload of a WORKER_ANSWER message.
type WorkerAnswerData struct {
	Answer string `json:"answer"`
}

// WorkerFormResponseData is the Data payload of a WORKER_FORM_RESPONSE message.
type WorkerFormResponseData struct {
	Status string          `json:"status"` // submitted | cancelled
	Values json.RawMessage `json:"values,omitempty"`
}

// NewInit builds a WORKER_INIT message.
func NewInit(sessionID string, spec SessionSpec) IPCMessage {
	d, _ := json.Marshal(WorkerInitData{Spec: spec})
	return IPCMessage{Type: KindWorkerInit, Timestamp: time.Now().UTC(), SessionID: sessionID, Data: d}
}

// NewTask builds a WORKER_TASK message.
func NewTask(sessionID, taskID, messageID, content string, spec SessionSpec) IPCMessage {
	d, _ := json.Marshal(WorkerTaskData{MessageID: messageID, Content: content, Spec: spec})
	return IPCMessage{Type: KindWorkerTask, Timestamp: time.Now().UTC(), SessionID: sessionID, TaskID: taskID, Data: d}
}

// NewCancel builds a WORKER_CANCEL message.
func NewCancel(sessionID, taskID, reason string) IPCMessage {
	d, _ := json.Marshal(WorkerCancelData{Reason: reason})
	return IPCMessage{Type: KindWorkerCancel, Timestamp: time.Now().UTC(), SessionID: sessionID, TaskID: taskID, Data: d}
}

// NewSteer builds a WORKER_STEER message.
func NewSteer(sessionID, taskID, content string) IPCMessage {
	d, _ := json.Marshal(WorkerSteerData{Content: content})
	return IPCMessage{Type: KindWorkerSteer, Timestamp: time.Now().UTC(), SessionID: sessionID, TaskID: taskID, Data: d}
}

// NewAnswer builds a WORKER_ANSWER message for a pending tool call.
func NewAnswer(sessionID, toolCallID, answer string) IPCMessage {
	d, _ := json.Marshal(WorkerAnswerData{Answer: answer})
	return IPCMessage{Type: KindWorkerAnswer, Timestamp: time.Now().UTC(), SessionID: sessionID, ToolCallID: toolCallID, Data: d}
}

// NewFormResponse builds a WORKER_FORM_RESPONSE message.
func NewFormResponse(sessionID, formID, status string, values json.RawMessage) IPCMessage {
	d, _ := json.Marshal(WorkerFormResponseData{Status: status, Values: values})
	return IPCMessage{Type: KindWorkerFormResponse, Timestamp: time.Now().UTC(), SessionID: sessionID, FormID: formID, Data: d}
}

// NewClose builds a WORKER_CLOSE message.
func NewClose(sessionID string) IPCMessage {
	return IPCMessage{Type: KindWorkerClose, Timestamp: time.Now().UTC(), SessionID: sessionID}
}

// IsValidWorkerKind reports whether kind is a recognized worker->supervisor kind.
func IsValidWorkerKind(kind IPCKind) bool {
	switch kind {
	case KindWorkerReady, KindWorkerTaskStarted, KindWorkerTaskDone, KindWorkerTaskCanceled,
		KindWorkerError, KindWorkerProgress, KindWorkerStreamText, KindWorkerToolStart,
		KindWorkerToolEnd, KindWorkerQuestion, KindWorkerFormRequest, KindWorkerFileSend,
		KindWorkerProjectSet:
		return true
	default:
		return false
	}
}
