package domain

// Action is the closed tag that identifies the payload shape of an Event.
type Action string

const (
	ActionStatusChange       Action = "status-change"
	ActionRequestSubmitted   Action = "request-submitted"
	ActionRequestApproved    Action = "request-approved"
	ActionRequestRejected    Action = "request-rejected"
	ActionRequestDeleted     Action = "request-deleted"
	ActionRequestPlayed      Action = "request-played"
	ActionPlaybackUpdate     Action = "playback-update"
	ActionPageToggle         Action = "page-toggle"
	ActionAdminLogin         Action = "admin-login"
	ActionAdminLogout        Action = "admin-logout"
	ActionMessageUpdate      Action = "message-update"
	ActionStatsUpdate        Action = "stats-update"
	ActionHeartbeat          Action = "heartbeat"
	ActionSystemNotification Action = "system-notification"
)

// Actions lists every known action in declaration order.
var Actions = []Action{
	ActionStatusChange,
	ActionRequestSubmitted,
	ActionRequestApproved,
	ActionRequestRejected,
	ActionRequestDeleted,
	ActionRequestPlayed,
	ActionPlaybackUpdate,
	ActionPageToggle,
	ActionAdminLogin,
	ActionAdminLogout,
	ActionMessageUpdate,
	ActionStatsUpdate,
	ActionHeartbeat,
	ActionSystemNotification,
}

var knownActions = func() map[Action]struct{} {
	m := make(map[Action]struct{}, len(Actions))
	for _, a := range Actions {
		m[a] = struct{}{}
	}
	return m
}()

// orderingSensitive holds actions whose effects are neither idempotent nor
// commutative; their delivery order within a scope matters.
var orderingSensitive = map[Action]struct{}{
	ActionStatusChange:    {},
	ActionRequestApproved: {},
	ActionRequestRejected: {},
	ActionPageToggle:      {},
	ActionAdminLogin:      {},
	ActionAdminLogout:     {},
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// IsOrderingSensitive reports whether events of this action must be applied
// in (timestamp, version, id) order.
func (a Action) IsOrderingSensitive() bool {
	_, ok := orderingSensitive[a]
	return ok
}

// Priority ranks fallback queue entries. Higher priority entries are flushed
// first; entries of equal priority keep receipt order.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to a sortable integer (lower sorts first).
// Unknown values rank with PriorityLow.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// PriorityFromRank is the inverse of Rank.
func PriorityFromRank(r int) Priority {
	switch r {
	case 0:
		return PriorityHigh
	case 1:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// DefaultPriority returns the fallback priority used for an action when the
// caller does not pick one.
func DefaultPriority(a Action) Priority {
	switch {
	case a == ActionSystemNotification, a.IsOrderingSensitive():
		return PriorityHigh
	case a == ActionHeartbeat, a == ActionStatsUpdate, a == ActionPlaybackUpdate:
		return PriorityLow
	default:
		return PriorityMedium
	}
}
