package entities

import "time"

// Task statuses written by the ticket migration.
const (
	TaskStatusOpen       = "open"
	TaskStatusInProgress = "in_progress"
	TaskStatusWaiting    = "waiting"
	TaskStatusResolved   = "resolved"
	TaskStatusClosed     = "closed"
)

// Task is the target representation of a legacy ticket.
// NaturalKey is the idempotency anchor and never changes once written.
type Task struct {
	ID              string         `gorm:"primaryKey;size:36"`
	NaturalKey      string         `gorm:"size:64;not null;uniqueIndex"`
	Title           string         `gorm:"size:512;not null"`
	Description     string         `gorm:"type:text"`
	Status          string         `gorm:"size:32;not null;index"`
	AssigneeID      *string        `gorm:"size:36;index"`
	CreatorID       string         `gorm:"size:36;not null"`
	Payload         map[string]any `gorm:"serializer:json;type:text"`
	CommentCount    int            `gorm:"not null;default:0"`
	FirstResponseAt *time.Time
	ResolvedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Comments []TaskComment `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE"`
}

// TableName returns the table name for GORM.
func (Task) TableName() string {
	return "tasks"
}

// TaskComment is one migrated answer.
// Legacy answers carry no natural id, so (task_id, created_at) identifies them.
type TaskComment struct {
	ID        string    `gorm:"primaryKey;size:36"`
	TaskID    string    `gorm:"size:36;not null;index:idx_task_comments_task_created"`
	AuthorID  string    `gorm:"size:36;not null"`
	Body      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index:idx_task_comments_task_created"`
}

// TableName returns the table name for GORM.
func (TaskComment) TableName() string {
	return "task_comments"
}
