package testutil

import (
	"fmt"
	"time"

	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
)

// BaseTime is the creation time of built fixtures unless overridden.
var BaseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// TicketBuilder provides a fluent API for building legacy tickets.
type TicketBuilder struct {
	ticket legacy.Ticket
}

// NewTicketBuilder creates a builder with sensible defaults.
func NewTicketBuilder() *TicketBuilder {
	return &TicketBuilder{
		ticket: legacy.Ticket{
			ID:        1,
			Subject:   "Printer does not work",
			Body:      "<p>The office printer prints <b>blank</b> pages.</p>",
			Status:    "new",
			CreatedAt: BaseTime,
			UpdatedAt: BaseTime,
		},
	}
}

// WithID sets the ID and derives a distinct subject.
func (b *TicketBuilder) WithID(id int64) *TicketBuilder {
	b.ticket.ID = id
	b.ticket.Subject = fmt.Sprintf("Request #%d", id)
	return b
}

// WithSubject sets the subject.
func (b *TicketBuilder) WithSubject(subject string) *TicketBuilder {
	b.ticket.Subject = subject
	return b
}

// WithBody sets the body.
func (b *TicketBuilder) WithBody(body string) *TicketBuilder {
	b.ticket.Body = body
	return b
}

// WithStatus sets the legacy status.
func (b *TicketBuilder) WithStatus(status string) *TicketBuilder {
	b.ticket.Status = status
	return b
}

// WithCustomer sets the requesting customer.
func (b *TicketBuilder) WithCustomer(id int64) *TicketBuilder {
	b.ticket.CustomerID = &id
	return b
}

// WithManager sets the assigned manager.
func (b *TicketBuilder) WithManager(id int64) *TicketBuilder {
	b.ticket.ManagerID = &id
	return b
}

// WithCreatedAt sets both timestamps.
func (b *TicketBuilder) WithCreatedAt(at time.Time) *TicketBuilder {
	b.ticket.CreatedAt = at
	b.ticket.UpdatedAt = at
	return b
}

// WithUpdatedAt sets the modification time.
func (b *TicketBuilder) WithUpdatedAt(at time.Time) *TicketBuilder {
	b.ticket.UpdatedAt = at
	return b
}

// Closed marks the ticket closed at the given time.
func (b *TicketBuilder) Closed(at time.Time) *TicketBuilder {
	b.ticket.Closed = true
	b.ticket.Status = "closed"
	b.ticket.ClosedAt = &at
	if b.ticket.UpdatedAt.Before(at) {
		b.ticket.UpdatedAt = at
	}
	return b
}

// Build returns the ticket.
func (b *TicketBuilder) Build() legacy.Ticket {
	return b.ticket
}

// Tickets builds n default tickets with ids 1..n.
func Tickets(n int) []legacy.Ticket {
	out := make([]legacy.Ticket, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, NewTicketBuilder().WithID(int64(i)).Build())
	}
	return out
}

// StaffAnswer returns an answer written by an employee.
func StaffAnswer(id, ticketID, employeeID int64, text string, at time.Time) legacy.Answer {
	return legacy.Answer{ID: id, TicketID: ticketID, EmployeeID: &employeeID, Text: text, CreatedAt: at}
}

// CustomerAnswer returns an answer written by the customer.
func CustomerAnswer(id, ticketID, customerID int64, text string, at time.Time) legacy.Answer {
	return legacy.Answer{ID: id, TicketID: ticketID, CustomerID: &customerID, Text: text, CreatedAt: at}
}

// Customer returns a customer row.
func Customer(id int64, name, email string) legacy.Customer {
	return legacy.Customer{ID: id, Name: name, Email: email}
}
