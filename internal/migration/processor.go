package migration

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
	"github.com/deskbridge/deskbridge/internal/datastore/target/entities"
	"github.com/deskbridge/deskbridge/internal/errors"
	"github.com/deskbridge/deskbridge/internal/identity"
	"github.com/deskbridge/deskbridge/internal/ledger"
	"github.com/deskbridge/deskbridge/internal/logger"
	"github.com/deskbridge/deskbridge/internal/transform"
)

// commentInsertBatch bounds the rows per comment INSERT.
const commentInsertBatch = 100

// Outcome is the result of writing one ticket.
type Outcome int

const (
	// OutcomeCreated means the task, its comments and a completed ledger row were written.
	OutcomeCreated Outcome = iota
	// OutcomeAbsorbed means another writer created the task first; only the ledger row was written.
	OutcomeAbsorbed
)

// BatchResult holds the counters of one processed batch.
type BatchResult struct {
	Processed int
	Skipped   int
	Failed    int
	Comments  int
	// CreatedIDs lists legacy ids whose task was created by this batch.
	CreatedIDs []int64
	// FailedIDs lists legacy ids recorded as failed.
	FailedIDs []int64
}

// Processor writes legacy tickets into the target store, one savepoint per
// ticket. The full migration, retry-failed and the incremental sync share it.
type Processor struct {
	source legacy.Source
	engine *transform.Engine
	ledger *ledger.Ledger
	logger logger.Logger
}

// NewProcessor creates a Processor. l is the non-transactional ledger; Process
// rebinds it to the batch transaction.
func NewProcessor(source legacy.Source, engine *transform.Engine, l *ledger.Ledger, log logger.Logger) *Processor {
	if log == nil {
		log = logger.Global().Module("migration")
	}
	return &Processor{source: source, engine: engine, ledger: l, logger: log}
}

// Process migrates tickets inside tx. Tickets that already have a ledger row are
// skipped without being transformed. A failing ticket is rolled back to its
// savepoint and recorded as failed; the returned error is reserved for failures
// that must roll back the whole batch.
func (p *Processor) Process(ctx context.Context, tx *gorm.DB, tickets []legacy.Ticket, ids *identity.IdentityMap) (BatchResult, error) {
	var res BatchResult
	if len(tickets) == 0 {
		return res, nil
	}
	l := p.ledger.WithTx(tx)

	existing, err := l.Existing(ctx, ledger.DomainTickets, ticketIDs(tickets))
	if err != nil {
		return res, err
	}

	pending := make([]legacy.Ticket, 0, len(tickets))
	for i := range tickets {
		if _, ok := existing[tickets[i].ID]; ok {
			res.Skipped++
			continue
		}
		pending = append(pending, tickets[i])
	}
	if len(pending) == 0 {
		return res, nil
	}

	answers, err := p.source.AnswersFor(ctx, ticketIDs(pending))
	if err != nil {
		return res, err
	}
	customers, err := p.source.Customers(ctx, transform.CustomerIDs(pending, answers))
	if err != nil {
		return res, err
	}

	for i := range pending {
		t := pending[i]
		outcome, comments, err := p.writeTicket(ctx, tx, transform.TicketInput{
			Ticket:    t,
			Answers:   answers[t.ID],
			Customers: customers,
		}, ids)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			p.logger.Warn("ticket migration failed",
				logger.Int64("legacy_id", t.ID),
				logger.Error(err))
			if _, lerr := l.RecordFailed(ctx, ledger.DomainTickets, t.ID, err); lerr != nil {
				return res, lerr
			}
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, t.ID)
			continue
		}

		switch outcome {
		case OutcomeAbsorbed:
			res.Skipped++
		default:
			res.Processed++
			res.Comments += comments
			res.CreatedIDs = append(res.CreatedIDs, t.ID)
		}
	}
	return res, nil
}

// writeTicket transforms and writes one ticket inside a savepoint.
func (p *Processor) writeTicket(ctx context.Context, tx *gorm.DB, in transform.TicketInput, ids *identity.IdentityMap) (Outcome, int, error) {
	var (
		outcome  Outcome
		comments int
	)
	err := tx.WithContext(ctx).Transaction(func(rtx *gorm.DB) error {
		draft, err := p.engine.TransformTicket(in, ids)
		if err != nil {
			return err
		}

		created := rtx.
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "natural_key"}},
				DoNothing: true,
			}).
			Omit(clause.Associations).
			Create(&draft.Task)
		if created.Error != nil {
			return writeError(created.Error, "insert_task", in.Ticket.ID)
		}

		l := p.ledger.WithTx(rtx)
		if created.RowsAffected == 0 {
			var task entities.Task
			if err := rtx.Select("id", "comment_count").
				Where("natural_key = ?", draft.Task.NaturalKey).
				Take(&task).Error; err != nil {
				return writeError(err, "load_existing_task", in.Ticket.ID)
			}
			if _, err := l.RecordCompleted(ctx, ledger.DomainTickets, in.Ticket.ID, task.ID, task.CommentCount); err != nil {
				return err
			}
			outcome = OutcomeAbsorbed
			return nil
		}

		if len(draft.Comments) > 0 {
			if err := rtx.CreateInBatches(&draft.Comments, commentInsertBatch).Error; err != nil {
				return writeError(err, "insert_comments", in.Ticket.ID)
			}
		}
		if _, err := l.RecordCompleted(ctx, ledger.DomainTickets, in.Ticket.ID, draft.Task.ID, len(draft.Comments)); err != nil {
			return err
		}
		outcome = OutcomeCreated
		comments = len(draft.Comments)
		return nil
	})
	return outcome, comments, err
}

func writeError(err error, op string, legacyID int64) error {
	return errors.New(err).
		Component("migration").
		Category(errors.CategoryMigration).
		RecordContext(ledger.DomainTickets, legacyID).
		Context("operation", op).
		Build()
}

func ticketIDs(tickets []legacy.Ticket) []int64 {
	ids := make([]int64, len(tickets))
	for i := range tickets {
		ids[i] = tickets[i].ID
	}
	return ids
}
