package ingest

import (
	"strings"

	"github.com/kandev/agentd/internal/protocol"
)

// WorkItemKind is the dispatch classification of a user_message once its
// uiAction field and content have been inspected.
type WorkItemKind string

const (
	WorkItemCancel      WorkItemKind = "CANCEL"
	WorkItemClose       WorkItemKind = "CLOSE_SESSION"
	WorkItemStatus      WorkItemKind = "STATUS_REQUEST"
	WorkItemListModels  WorkItemKind = "LIST_MODELS"
	WorkItemUserMessage WorkItemKind = "USER_MESSAGE"
)

var contentAliases = map[WorkItemKind][]string{
	WorkItemCancel:     {"cancel", "/cancel"},
	WorkItemClose:      {"close", "/close", "close session"},
	WorkItemStatus:     {"status", "/status"},
	WorkItemListModels: {"/models", "models"},
}

// classifyWorkItem applies spec §4.4.1: a structured uiAction field wins
// when present (case-insensitive), otherwise a trimmed lower-cased content
// match against a fixed alias set; anything else is a plain user message.
func classifyWorkItem(msg protocol.IngestMessage) WorkItemKind {
	if msg.UIAction != "" {
		switch strings.ToUpper(msg.UIAction) {
		case string(WorkItemCancel):
			return WorkItemCancel
		case string(WorkItemClose):
			return WorkItemClose
		case string(WorkItemStatus):
			return WorkItemStatus
		case string(WorkItemListModels):
			return WorkItemListModels
		}
	}

	content := strings.ToLower(strings.TrimSpace(msg.Content))
	for kind, aliases := range contentAliases {
		for _, alias := range aliases {
			if content == alias {
				return kind
			}
		}
	}
	return WorkItemUserMessage
}

// ControlKind enumerates the ui_action control commands that bypass the
// per-session actor dispatch path entirely (spec §4.4.1 EXPANSION).
type ControlKind string

const (
	ControlDeleteSession      ControlKind = "DELETE_SESSION"
	ControlUpdateMiloAgent    ControlKind = "UPDATE_MILO_AGENT"
	ControlCheckMiloUpdates   ControlKind = "check_milo_agent_updates"
	ControlUpdateMiloAgentLow ControlKind = "update_milo_agent"
	ControlSkillInstall       ControlKind = "skill_install"
	ControlSkillUpdate        ControlKind = "skill_update"
	ControlSkillDelete        ControlKind = "skill_delete"
)

// classifyControlCommand reports whether msg is a ui_action control
// command, and which one, distinct from the work-item kinds above.
func classifyControlCommand(msg protocol.IngestMessage) (ControlKind, bool) {
	if msg.Type != protocol.IngestUIAction {
		return "", false
	}
	switch msg.Action {
	case protocol.ActionDeleteSession:
		return ControlDeleteSession, true
	case protocol.ActionUpdateMiloAgent:
		return ControlUpdateMiloAgent, true
	case protocol.ActionCheckMiloAgentUpdate:
		return ControlCheckMiloUpdates, true
	case protocol.ActionUpdateMiloAgentLower:
		return ControlUpdateMiloAgentLow, true
	case protocol.ActionSkillInstall:
		return ControlSkillInstall, true
	case protocol.ActionSkillUpdate:
		return ControlSkillUpdate, true
	case protocol.ActionSkillDelete:
		return ControlSkillDelete, true
	}
	return "", false
}
