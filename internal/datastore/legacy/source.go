package legacy

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"gorm.io/gorm"

	"github.com/deskbridge/deskbridge/internal/errors"
	"github.com/deskbridge/deskbridge/internal/logger"
)

// Source is the read-only view of the legacy store used by the engines.
type Source interface {
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
	// CountTickets returns the number of tickets.
	CountTickets(ctx context.Context) (int64, error)
	// TicketsAfter returns up to limit tickets with id > afterID in id order.
	TicketsAfter(ctx context.Context, afterID int64, limit int) ([]Ticket, error)
	// TicketsByIDs returns the tickets with the given ids in id order.
	TicketsByIDs(ctx context.Context, ids []int64) ([]Ticket, error)
	// TicketsModifiedSince returns tickets with updated_at > since, oldest change first.
	TicketsModifiedSince(ctx context.Context, since time.Time) ([]Ticket, error)
	// AnswersFor returns answers grouped by ticket id, each group in creation order.
	AnswersFor(ctx context.Context, ticketIDs []int64) (map[int64][]Answer, error)
	// AnswersSince is AnswersFor limited to answers created after since.
	AnswersSince(ctx context.Context, ticketIDs []int64, since time.Time) (map[int64][]Answer, error)
	// Customers returns customers keyed by id.
	Customers(ctx context.Context, ids []int64) (map[int64]Customer, error)
	// Employees returns every employee.
	Employees(ctx context.Context) ([]Employee, error)
	// Managers returns every manager.
	Managers(ctx context.Context) ([]Manager, error)
	// CountReference returns the number of rows in a reference domain.
	CountReference(ctx context.Context, domain string) (int64, error)
	// ReferenceAfter pages a reference domain by id.
	ReferenceAfter(ctx context.Context, domain string, afterID int64, limit int) ([]ReferenceRow, error)
}

// Default retry policy for transient read errors.
const (
	DefaultAttempts = 3
	DefaultDelay    = 200 * time.Millisecond
)

// Config configures a GormSource.
type Config struct {
	DB       *gorm.DB
	Logger   logger.Logger
	Attempts uint          // 0 = DefaultAttempts
	Delay    time.Duration // 0 = DefaultDelay
	// OnRetry is called for every retried read, e.g. to count retries.
	OnRetry func()
}

// GormSource implements Source over a gorm connection.
type GormSource struct {
	db       *gorm.DB
	logger   logger.Logger
	attempts uint
	delay    time.Duration
	onRetry  func()
}

var _ Source = (*GormSource)(nil)

// NewGormSource creates a legacy source.
func NewGormSource(cfg *Config) *GormSource {
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("legacy")
	}
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = DefaultAttempts
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &GormSource{
		db:       cfg.DB,
		logger:   log,
		attempts: attempts,
		delay:    delay,
		onRetry:  cfg.OnRetry,
	}
}

// read runs fn with retries. Context errors and not-found results are not retried.
func (s *GormSource) read(ctx context.Context, op string, fn func(db *gorm.DB) error) error {
	err := retry.Do(
		func() error {
			return fn(s.db.WithContext(ctx))
		},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded) &&
				!errors.Is(err, gorm.ErrRecordNotFound)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("retrying legacy read",
				logger.String("operation", op),
				logger.Int("attempt", int(n)+1),
				logger.Error(err))
			if s.onRetry != nil {
				s.onRetry()
			}
		}),
	)
	if err != nil {
		return errors.New(err).
			Component("datastore/legacy").
			Category(errors.CategoryLegacySource).
			Context("operation", op).
			Build()
	}
	return nil
}

// Ping checks that the store is reachable.
func (s *GormSource) Ping(ctx context.Context) error {
	return s.read(ctx, "ping", func(db *gorm.DB) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
}

// CountTickets returns the number of tickets.
func (s *GormSource) CountTickets(ctx context.Context) (int64, error) {
	var n int64
	err := s.read(ctx, "count_tickets", func(db *gorm.DB) error {
		return db.Model(&Ticket{}).Count(&n).Error
	})
	return n, err
}

// TicketsAfter returns up to limit tickets with id > afterID in id order.
func (s *GormSource) TicketsAfter(ctx context.Context, afterID int64, limit int) ([]Ticket, error) {
	var tickets []Ticket
	err := s.read(ctx, "tickets_after", func(db *gorm.DB) error {
		tickets = tickets[:0]
		return db.Where("id > ?", afterID).Order("id ASC").Limit(limit).Find(&tickets).Error
	})
	return tickets, err
}

// TicketsByIDs returns the tickets with the given ids in id order.
func (s *GormSource) TicketsByIDs(ctx context.Context, ids []int64) ([]Ticket, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var tickets []Ticket
	err := s.read(ctx, "tickets_by_ids", func(db *gorm.DB) error {
		tickets = tickets[:0]
		return db.Where("id IN ?", ids).Order("id ASC").Find(&tickets).Error
	})
	return tickets, err
}

// TicketsModifiedSince returns tickets with updated_at > since, oldest change first.
func (s *GormSource) TicketsModifiedSince(ctx context.Context, since time.Time) ([]Ticket, error) {
	var tickets []Ticket
	err := s.read(ctx, "tickets_modified_since", func(db *gorm.DB) error {
		tickets = tickets[:0]
		return db.Where("updated_at > ?", since.UTC()).Order("updated_at ASC, id ASC").Find(&tickets).Error
	})
	return tickets, err
}

// AnswersFor returns answers grouped by ticket id, each group in creation order.
func (s *GormSource) AnswersFor(ctx context.Context, ticketIDs []int64) (map[int64][]Answer, error) {
	return s.answers(ctx, "answers_for", ticketIDs, time.Time{})
}

// AnswersSince is AnswersFor limited to answers created after since.
func (s *GormSource) AnswersSince(ctx context.Context, ticketIDs []int64, since time.Time) (map[int64][]Answer, error) {
	return s.answers(ctx, "answers_since", ticketIDs, since)
}

func (s *GormSource) answers(ctx context.Context, op string, ticketIDs []int64, since time.Time) (map[int64][]Answer, error) {
	grouped := make(map[int64][]Answer, len(ticketIDs))
	if len(ticketIDs) == 0 {
		return grouped, nil
	}

	var rows []Answer
	err := s.read(ctx, op, func(db *gorm.DB) error {
		rows = rows[:0]
		q := db.Where("ticket_id IN ?", ticketIDs)
		if !since.IsZero() {
			q = q.Where("created_at > ?", since.UTC())
		}
		return q.Order("ticket_id ASC, created_at ASC, id ASC").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	for i := range rows {
		grouped[rows[i].TicketID] = append(grouped[rows[i].TicketID], rows[i])
	}
	return grouped, nil
}

// Customers returns customers keyed by id.
func (s *GormSource) Customers(ctx context.Context, ids []int64) (map[int64]Customer, error) {
	byID := make(map[int64]Customer, len(ids))
	if len(ids) == 0 {
		return byID, nil
	}

	var rows []Customer
	err := s.read(ctx, "customers", func(db *gorm.DB) error {
		rows = rows[:0]
		return db.Where("id IN ?", ids).Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	for i := range rows {
		byID[rows[i].ID] = rows[i]
	}
	return byID, nil
}

// Employees returns every employee.
func (s *GormSource) Employees(ctx context.Context) ([]Employee, error) {
	var rows []Employee
	err := s.read(ctx, "employees", func(db *gorm.DB) error {
		rows = rows[:0]
		return db.Order("id ASC").Find(&rows).Error
	})
	return rows, err
}

// Managers returns every manager.
func (s *GormSource) Managers(ctx context.Context) ([]Manager, error) {
	var rows []Manager
	err := s.read(ctx, "managers", func(db *gorm.DB) error {
		rows = rows[:0]
		return db.Order("id ASC").Find(&rows).Error
	})
	return rows, err
}

// CountReference returns the number of rows in a reference domain.
func (s *GormSource) CountReference(ctx context.Context, domain string) (int64, error) {
	model, err := referenceModel(domain)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.read(ctx, "count_"+domain, func(db *gorm.DB) error {
		return db.Model(model).Count(&n).Error
	})
	return n, err
}

// ReferenceAfter pages a reference domain by id.
func (s *GormSource) ReferenceAfter(ctx context.Context, domain string, afterID int64, limit int) ([]ReferenceRow, error) {
	page := func(db *gorm.DB, dest any) error {
		return db.Where("id > ?", afterID).Order("id ASC").Limit(limit).Find(dest).Error
	}

	switch domain {
	case DomainOrganizations:
		var rows []Organization
		if err := s.read(ctx, "organizations_after", func(db *gorm.DB) error { return page(db, &rows) }); err != nil {
			return nil, err
		}
		out := make([]ReferenceRow, 0, len(rows))
		for i := range rows {
			out = append(out, rows[i].row())
		}
		return out, nil
	case DomainContacts:
		var rows []Contact
		if err := s.read(ctx, "contacts_after", func(db *gorm.DB) error { return page(db, &rows) }); err != nil {
			return nil, err
		}
		out := make([]ReferenceRow, 0, len(rows))
		for i := range rows {
			out = append(out, rows[i].row())
		}
		return out, nil
	case DomainProducts:
		var rows []Product
		if err := s.read(ctx, "products_after", func(db *gorm.DB) error { return page(db, &rows) }); err != nil {
			return nil, err
		}
		out := make([]ReferenceRow, 0, len(rows))
		for i := range rows {
			out = append(out, rows[i].row())
		}
		return out, nil
	default:
		return nil, unknownDomain(domain)
	}
}

func referenceModel(domain string) (any, error) {
	switch domain {
	case DomainOrganizations:
		return &Organization{}, nil
	case DomainContacts:
		return &Contact{}, nil
	case DomainProducts:
		return &Product{}, nil
	default:
		return nil, unknownDomain(domain)
	}
}

func unknownDomain(domain string) error {
	return errors.Newf("unknown reference domain %q", domain).
		Component("datastore/legacy").
		Category(errors.CategoryValidation).
		Context("domain", domain).
		Build()
}

// Open connects a GormSource using an already opened gorm handle and checks it.
func Open(ctx context.Context, cfg *Config) (*GormSource, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("legacy source requires a database handle")
	}
	src := NewGormSource(cfg)
	if err := src.Ping(ctx); err != nil {
		return nil, err
	}
	return src, nil
}
