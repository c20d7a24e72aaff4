package migration

import (
	"context"
	"time"

	"github.com/deskbridge/deskbridge/internal/ledger"
	"github.com/deskbridge/deskbridge/internal/transform"
)

// MaxPreview caps the number of tickets Preview transforms.
const MaxPreview = 50

// PreviewItem is the would-be result of migrating one ticket.
type PreviewItem struct {
	LegacyID        int64      `json:"legacyId"`
	NaturalKey      string     `json:"naturalKey,omitempty"`
	Title           string     `json:"title,omitempty"`
	Status          string     `json:"status,omitempty"`
	AssigneeID      *string    `json:"assigneeId,omitempty"`
	Comments        int        `json:"comments"`
	FirstResponseAt *time.Time `json:"firstResponseAt,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Preview transforms up to limit tickets that have no ledger row yet without
// writing tasks, comments or ledger rows.
func (o *Orchestrator) Preview(ctx context.Context, limit int) ([]PreviewItem, error) {
	if limit <= 0 || limit > MaxPreview {
		limit = MaxPreview
	}

	ids, err := o.mapper.Mapping(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]PreviewItem, 0, limit)
	var lastID int64
	for len(items) < limit {
		tickets, err := o.source.TicketsAfter(ctx, lastID, o.batchSize)
		if err != nil {
			return nil, err
		}
		if len(tickets) == 0 {
			break
		}
		lastID = tickets[len(tickets)-1].ID

		existing, err := o.ledger.Existing(ctx, ledger.DomainTickets, ticketIDs(tickets))
		if err != nil {
			return nil, err
		}
		pending := tickets[:0:0]
		for i := range tickets {
			if _, ok := existing[tickets[i].ID]; !ok {
				pending = append(pending, tickets[i])
			}
		}
		if len(pending) == 0 {
			continue
		}
		pending = pending[:min(len(pending), limit-len(items))]

		answers, err := o.source.AnswersFor(ctx, ticketIDs(pending))
		if err != nil {
			return nil, err
		}
		customers, err := o.source.Customers(ctx, transform.CustomerIDs(pending, answers))
		if err != nil {
			return nil, err
		}

		for i := range pending {
			t := pending[i]
			item := PreviewItem{LegacyID: t.ID}
			draft, err := o.engine.TransformTicket(transform.TicketInput{
				Ticket:    t,
				Answers:   answers[t.ID],
				Customers: customers,
			}, ids)
			if err != nil {
				item.Error = err.Error()
			} else {
				item.NaturalKey = draft.Task.NaturalKey
				item.Title = draft.Task.Title
				item.Status = draft.Task.Status
				item.AssigneeID = draft.Task.AssigneeID
				item.Comments = len(draft.Comments)
				item.FirstResponseAt = draft.Task.FirstResponseAt
			}
			items = append(items, item)
		}
	}
	return items, nil
}
