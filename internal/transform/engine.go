// Package transform converts legacy records into target entities.
//
// Transformations are pure: they read the legacy rows and an identity map and
// return drafts. Writing is left to the callers so the same drafts serve the
// migration, the incremental sync and previews.
package transform

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
	"github.com/deskbridge/deskbridge/internal/datastore/target/entities"
	"github.com/deskbridge/deskbridge/internal/errors"
	"github.com/deskbridge/deskbridge/internal/identity"
)

// TicketPrefix is the natural key prefix of migrated tickets.
const TicketPrefix = "HD"

// Field limits of the target schema.
const (
	MaxTitleLength = 512
)

// Value map names used by the ticket transform.
const (
	MapTicketStatus = "ticket.status"
)

// ErrEmptyTitle is returned for tickets without subject and without any answer text.
var ErrEmptyTitle = errors.NewStd("ticket has no subject and no answer text to derive a title from")

// NaturalKey returns the deterministic key of a legacy record.
func NaturalKey(prefix string, legacyID int64) string {
	return fmt.Sprintf("%s-%d", prefix, legacyID)
}

// TaskDraft is a transformed ticket ready to be written.
type TaskDraft struct {
	LegacyID int64
	Task     entities.Task
	Comments []entities.TaskComment
}

// Engine transforms legacy records using a set of value maps.
type Engine struct {
	maps ValueMaps
}

// NewEngine creates an engine. A nil maps argument loads the built-in maps.
func NewEngine(maps ValueMaps) (*Engine, error) {
	if maps == nil {
		var err error
		maps, err = LoadValueMaps("")
		if err != nil {
			return nil, err
		}
	}
	return &Engine{maps: maps}, nil
}

// Maps returns the engine's value maps.
func (e *Engine) Maps() ValueMaps {
	return e.maps
}

// TicketInput groups a ticket with the rows fetched for its batch.
type TicketInput struct {
	Ticket    legacy.Ticket
	Answers   []legacy.Answer
	Customers map[int64]legacy.Customer
}

// TransformTicket builds the task and comments for one ticket.
func (e *Engine) TransformTicket(in TicketInput, ids *identity.IdentityMap) (*TaskDraft, error) {
	t := in.Ticket

	answers := make([]legacy.Answer, len(in.Answers))
	copy(answers, in.Answers)
	sort.SliceStable(answers, func(i, j int) bool {
		return answers[i].CreatedAt.Before(answers[j].CreatedAt)
	})

	title := Truncate(FirstLine(CleanText(t.Subject), MaxTitleLength), MaxTitleLength)
	if title == "" {
		for i := range answers {
			if title = FirstLine(CleanText(answers[i].Text), MaxTitleLength); title != "" {
				break
			}
		}
	}
	if title == "" {
		return nil, errors.New(ErrEmptyTitle).
			Component("transform").
			Category(errors.CategoryTransform).
			RecordContext("tickets", t.ID).
			Build()
	}

	status, resolvedAt := e.TicketStatus(&t)

	task := entities.Task{
		ID:          uuid.NewString(),
		NaturalKey:  NaturalKey(TicketPrefix, t.ID),
		Title:       title,
		Description: CleanText(t.Body),
		Status:      status,
		CreatorID:   ids.SystemAccountID,
		Payload:     ticketPayload(&t, in.Customers),
		ResolvedAt:  resolvedAt,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.ManagerID != nil {
		if assignee, ok := ids.ResolveAssignee(*t.ManagerID); ok {
			task.AssigneeID = &assignee
		}
	}

	comments := e.Comments(task.ID, answers, ids)
	task.CommentCount = len(comments)
	task.FirstResponseAt = FirstResponse(answers, ids)

	return &TaskDraft{LegacyID: t.ID, Task: task, Comments: comments}, nil
}

// Comments converts answers into comments of taskID, dropping answers whose
// cleaned text is empty.
func (e *Engine) Comments(taskID string, answers []legacy.Answer, ids *identity.IdentityMap) []entities.TaskComment {
	out := make([]entities.TaskComment, 0, len(answers))
	for i := range answers {
		a := &answers[i]
		body := CleanText(a.Text)
		if body == "" {
			continue
		}
		author := ids.SystemAccountID
		if a.EmployeeID != nil {
			author = ids.ResolveAuthor(*a.EmployeeID)
		}
		out = append(out, entities.TaskComment{
			ID:        uuid.NewString(),
			TaskID:    taskID,
			AuthorID:  author,
			Body:      body,
			CreatedAt: a.CreatedAt.UTC(),
		})
	}
	return out
}

// FirstResponse returns the creation time of the earliest non-empty answer
// written by a mapped employee.
func FirstResponse(answers []legacy.Answer, ids *identity.IdentityMap) *time.Time {
	var first *time.Time
	for i := range answers {
		a := &answers[i]
		if a.EmployeeID == nil || !ids.IsMappedEmployee(*a.EmployeeID) || CleanText(a.Text) == "" {
			continue
		}
		if first == nil || a.CreatedAt.Before(*first) {
			at := a.CreatedAt
			first = &at
		}
	}
	return first
}

// TicketStatus derives the task status and resolution time of a ticket.
// The closed flag wins over the free-text status.
func (e *Engine) TicketStatus(t *legacy.Ticket) (string, *time.Time) {
	if t.Closed {
		at := t.UpdatedAt
		if t.ClosedAt != nil {
			at = *t.ClosedAt
		}
		return entities.TaskStatusResolved, &at
	}

	status := e.maps.Map(MapTicketStatus, t.Status)
	switch status {
	case entities.TaskStatusResolved, entities.TaskStatusClosed:
		at := t.UpdatedAt
		if t.ClosedAt != nil {
			at = *t.ClosedAt
		}
		return status, &at
	case entities.TaskStatusOpen, entities.TaskStatusInProgress, entities.TaskStatusWaiting:
		return status, nil
	default:
		return entities.TaskStatusOpen, nil
	}
}

func ticketPayload(t *legacy.Ticket, customers map[int64]legacy.Customer) map[string]any {
	payload := map[string]any{
		"source":        "helpdesk",
		"legacy_id":     t.ID,
		"legacy_status": t.Status,
		"closed":        t.Closed,
	}
	if t.ManagerID != nil {
		payload["legacy_manager_id"] = *t.ManagerID
	}
	if t.CustomerID != nil {
		customer := map[string]any{"id": *t.CustomerID}
		if c, ok := customers[*t.CustomerID]; ok {
			customer["name"] = c.Name
			customer["email"] = c.Email
			customer["phone"] = c.Phone
		}
		payload["customer"] = customer
	}
	return payload
}

// CustomerIDs returns the distinct customers referenced by tickets and answers.
func CustomerIDs(tickets []legacy.Ticket, answers map[int64][]legacy.Answer) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	add := func(id *int64) {
		if id == nil {
			return
		}
		if _, ok := seen[*id]; ok {
			return
		}
		seen[*id] = struct{}{}
		ids = append(ids, *id)
	}
	for i := range tickets {
		add(tickets[i].CustomerID)
	}
	for _, group := range answers {
		for i := range group {
			add(group[i].CustomerID)
		}
	}
	return ids
}
