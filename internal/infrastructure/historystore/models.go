// Package historystore persists AgentHistoryList runs to sqlite via GORM,
// the same stack the teacher's chat-conversation persistence layer used,
// repurposed for the browser agent's one aggregate: a completed (or
// in-flight) run's step-by-step history.
package historystore

import "time"

// historyModel is the GORM row for one run. Steps are stored as a single
// JSON blob rather than normalized into a child table — a run's steps are
// always read and written together (full replay, export, resume), never
// queried individually, so a relational step table would only add joins
// without buying anything.
type historyModel struct {
	ID         string `gorm:"primaryKey"`
	Task       string
	StepsJSON  string `gorm:"type:text"`
	Success    *bool
	StepCount  int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (historyModel) TableName() string { return "agent_histories" }
