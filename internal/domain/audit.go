package domain

import "time"

// Audit actions.
const (
	ActionCreate   = "create"
	ActionUpdate   = "update"
	ActionDelete   = "delete"
	ActionTransit  = "transition"
	ActionGenerate = "generate"
)

// AuditEvent records who changed what. The actor always comes from the
// operation's explicit parameter.
type AuditEvent struct {
	Actor    Actor          `json:"actor"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Changes  map[string]any `json:"changes,omitempty"`
	At       time.Time      `json:"at"`
}
