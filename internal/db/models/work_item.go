package models

import "time"

// Work item sources.
const (
	SourceManual       = "manual"
	SourceExternalMail = "external-mail"
)

// WorkItem is a task owned by a user. Items created from mail carry the
// originating message id; (OwnerID, Source, SourceEventID) is unique so a
// message materializes at most once. SourceEventID is NULL for manual items.
type WorkItem struct {
	ID            string  `gorm:"primaryKey" json:"id"` // UUID
	OwnerID       string  `gorm:"not null;uniqueIndex:idx_owner_source_event,priority:1" json:"owner_id"`
	Source        string  `gorm:"not null;default:'manual';uniqueIndex:idx_owner_source_event,priority:2" json:"source"`
	SourceEventID *string `gorm:"uniqueIndex:idx_owner_source_event,priority:3" json:"source_event_id,omitempty"`

	Title       string    `gorm:"not null" json:"title"`
	Description string    `gorm:"type:text" json:"description"`
	Priority    string    `gorm:"not null;default:'medium'" json:"priority"`
	Status      string    `gorm:"not null;default:'pending'" json:"status"`
	DueDate     time.Time `json:"due_date"`

	SourceThreadID    string     `json:"source_thread_id,omitempty"`
	SourceWebLink     string     `json:"source_web_link,omitempty"`
	SourceFromName    string     `json:"source_from_name,omitempty"`
	SourceFromAddress string     `json:"source_from_address,omitempty"`
	SourceReceivedAt  *time.Time `json:"source_received_at,omitempty"`
	SourceSubject     string     `json:"source_subject,omitempty"`
	SourceSnippet     string     `gorm:"type:text" json:"source_snippet,omitempty"`
	SourcePerspective string     `json:"source_perspective,omitempty"` // inbound | outbound

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
