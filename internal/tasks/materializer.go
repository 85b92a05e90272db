// Package tasks turns classifier drafts into stored work items, at most one
// per source message.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/inbox-tasks/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Draft is a work item before normalization. Priority and DueRaw are the
// classifier's free-form values.
type Draft struct {
	Title       string
	Description string
	Priority    string
	DueRaw      string

	ThreadID    string
	WebLink     string
	FromName    string
	FromAddress string
	ReceivedAt  time.Time
	Subject     string
	Snippet     string
	Perspective string
}

type Result struct {
	Created bool
	ID      string
}

type Materializer struct {
	db  *gorm.DB
	loc *time.Location
}

func NewMaterializer(db *gorm.DB, loc *time.Location) *Materializer {
	if loc == nil {
		loc = time.Local
	}
	return &Materializer{db: db, loc: loc}
}

// Materialize inserts a work item keyed by (ownerID, external-mail,
// sourceEventID). If one already exists it is left untouched and the result
// reports Created=false with the existing id.
func (m *Materializer) Materialize(ctx context.Context, ownerID, sourceEventID string, d Draft) (Result, error) {
	if ownerID == "" || sourceEventID == "" {
		return Result{}, errors.New("materialize: owner and source event id are required")
	}

	item := m.build(ownerID, sourceEventID, d)
	res := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "source"}, {Name: "source_event_id"}},
		DoNothing: true,
	}).Create(&item)
	if res.Error != nil {
		return Result{}, fmt.Errorf("materialize %s: %w", sourceEventID, res.Error)
	}
	if res.RowsAffected == 1 {
		return Result{Created: true, ID: item.ID}, nil
	}

	var existing models.WorkItem
	err := m.db.WithContext(ctx).Select("id").
		Where("owner_id = ? AND source = ? AND source_event_id = ?", ownerID, models.SourceExternalMail, sourceEventID).
		First(&existing).Error
	if err != nil {
		return Result{}, fmt.Errorf("materialize %s: read existing: %w", sourceEventID, err)
	}
	log.Printf("♻️ [TASKS] Work item already existed for %s (%s)", sourceEventID, existing.ID)
	return Result{Created: false, ID: existing.ID}, nil
}

func (m *Materializer) build(ownerID, sourceEventID string, d Draft) models.WorkItem {
	title := strings.TrimSpace(d.Title)
	if title == "" {
		title = "Follow up"
	}
	eventID := sourceEventID
	item := models.WorkItem{
		ID:                uuid.New().String(),
		OwnerID:           ownerID,
		Source:            models.SourceExternalMail,
		SourceEventID:     &eventID,
		Title:             title,
		Description:       d.Description,
		Priority:          string(NormalizePriority(d.Priority)),
		Status:            "pending",
		DueDate:           NormalizeDueDate(d.DueRaw, d.ReceivedAt, m.loc),
		SourceThreadID:    d.ThreadID,
		SourceWebLink:     d.WebLink,
		SourceFromName:    d.FromName,
		SourceFromAddress: d.FromAddress,
		SourceSubject:     d.Subject,
		SourceSnippet:     d.Snippet,
		SourcePerspective: d.Perspective,
	}
	if !d.ReceivedAt.IsZero() {
		received := d.ReceivedAt
		item.SourceReceivedAt = &received
	}
	return item
}

// List returns the owner's newest work items first.
func (m *Materializer) List(ctx context.Context, ownerID string, limit int) ([]models.WorkItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var items []models.WorkItem
	err := m.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&items).Error
	return items, err
}
