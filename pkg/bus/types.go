package bus

// SystemEvent is a typed event flowing through the bus for observability.
// Used for task lifecycle, executor slots, webhook intake, sync runs.
type SystemEvent struct {
	Type   string      `json:"type"`   // e.g. "task.claimed", "sync.completed"
	Source string      `json:"source"` // e.g. "kanban", "executor", "webhook"
	Data   interface{} `json:"data"`
}
