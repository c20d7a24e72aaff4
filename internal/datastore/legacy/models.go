// Package legacy reads the read-only helpdesk database.
//
// Nothing in this package writes to the legacy store. The models mirror the
// legacy tables closely enough for gorm to scan them; AutoMigrate is only used
// by test fixtures.
package legacy

import "time"

// Ticket is a legacy helpdesk request.
type Ticket struct {
	ID         int64  `gorm:"primaryKey"`
	Subject    string `gorm:"size:512"`
	Body       string `gorm:"type:text"`
	CustomerID *int64 `gorm:"index"`
	ManagerID  *int64 `gorm:"index"`
	Status     string `gorm:"size:64"`
	Closed     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time `gorm:"index"`
	ClosedAt   *time.Time
}

// TableName returns the table name for GORM.
func (Ticket) TableName() string {
	return "tickets"
}

// Answer is one reply on a ticket, written either by staff or by the customer.
type Answer struct {
	ID         int64  `gorm:"primaryKey"`
	TicketID   int64  `gorm:"not null;index"`
	EmployeeID *int64 `gorm:"index"`
	CustomerID *int64
	Text       string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index"`
}

// TableName returns the table name for GORM.
func (Answer) TableName() string {
	return "answers"
}

// Employee is a staff member. Its email lives on the linked customer row.
type Employee struct {
	ID         int64 `gorm:"primaryKey"`
	CustomerID *int64
	Position   string `gorm:"size:128"`
}

// TableName returns the table name for GORM.
func (Employee) TableName() string {
	return "employees"
}

// Customer is any legacy user row, staff included.
type Customer struct {
	ID    int64  `gorm:"primaryKey"`
	Name  string `gorm:"size:255"`
	Email string `gorm:"size:255"`
	Phone string `gorm:"size:64"`
}

// TableName returns the table name for GORM.
func (Customer) TableName() string {
	return "customers"
}

// Manager assigns tickets and wraps one employee.
type Manager struct {
	ID         int64 `gorm:"primaryKey"`
	EmployeeID int64 `gorm:"not null"`
}

// TableName returns the table name for GORM.
func (Manager) TableName() string {
	return "managers"
}

// Organization is a legacy client company.
type Organization struct {
	ID        int64  `gorm:"primaryKey"`
	Name      string `gorm:"size:255"`
	INN       string `gorm:"column:inn;size:32"`
	Status    string `gorm:"size:64"`
	Segment   string `gorm:"size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the table name for GORM.
func (Organization) TableName() string {
	return "organizations"
}

// Contact is a person at an organization.
type Contact struct {
	ID             int64  `gorm:"primaryKey"`
	OrganizationID *int64 `gorm:"index"`
	Name           string `gorm:"size:255"`
	Email          string `gorm:"size:255"`
	Phone          string `gorm:"size:64"`
	Position       string `gorm:"size:128"`
	Status         string `gorm:"size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName returns the table name for GORM.
func (Contact) TableName() string {
	return "contacts"
}

// Product is a catalog entry.
type Product struct {
	ID        int64   `gorm:"primaryKey"`
	Name      string  `gorm:"size:255"`
	SKU       string  `gorm:"column:sku;size:64"`
	Category  string  `gorm:"size:64"`
	Price     float64 `gorm:"type:decimal(12,2)"`
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the table name for GORM.
func (Product) TableName() string {
	return "products"
}

// Reference domain names accepted by the reference queries.
const (
	DomainOrganizations = "organizations"
	DomainContacts      = "contacts"
	DomainProducts      = "products"
)

// ReferenceRow is one reference record flattened into field values.
type ReferenceRow struct {
	ID        int64
	Values    map[string]any
	UpdatedAt time.Time
}

func (o *Organization) row() ReferenceRow {
	return ReferenceRow{
		ID: o.ID,
		Values: map[string]any{
			"name":    o.Name,
			"inn":     o.INN,
			"status":  o.Status,
			"segment": o.Segment,
		},
		UpdatedAt: o.UpdatedAt,
	}
}

func (c *Contact) row() ReferenceRow {
	values := map[string]any{
		"name":     c.Name,
		"email":    c.Email,
		"phone":    c.Phone,
		"position": c.Position,
		"status":   c.Status,
	}
	if c.OrganizationID != nil {
		values["organization_id"] = *c.OrganizationID
	}
	return ReferenceRow{ID: c.ID, Values: values, UpdatedAt: c.UpdatedAt}
}

func (p *Product) row() ReferenceRow {
	return ReferenceRow{
		ID: p.ID,
		Values: map[string]any{
			"name":     p.Name,
			"sku":      p.SKU,
			"category": p.Category,
			"price":    p.Price,
			"active":   p.Active,
		},
		UpdatedAt: p.UpdatedAt,
	}
}

// AllModels lists every legacy model, for fixtures that create the schema.
func AllModels() []any {
	return []any{
		&Customer{}, &Employee{}, &Manager{}, &Ticket{}, &Answer{},
		&Organization{}, &Contact{}, &Product{},
	}
}
