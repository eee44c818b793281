package models

import (
	"time"
)

// Status enumerates lifecycle states persisted in the task store.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Priority only affects batch execution order.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return PriorityRank(p) > 0
}

// PriorityRank maps a priority onto its scheduling rank. Unrecognized values rank 0.
func PriorityRank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Task represents a unit of tracked work.
type Task struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Priority   Priority  `json:"priority"`
	Status     Status    `json:"status"`
	Parameters string    `json:"parameters"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HistoryEntry is one row of the append-only status ledger.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// TransitionEvent is published after a transition commits.
type TransitionEvent struct {
	TaskID  int64     `json:"task_id"`
	From    Status    `json:"from,omitempty"`
	To      Status    `json:"to"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
	Source  string    `json:"source"`
}
