package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
)

// seedBatchSize defines the number of rows inserted per statement.
const seedBatchSize = 200

// LegacySeeder inserts rows into the legacy database. Failures abort the test.
type LegacySeeder struct {
	t  *testing.T
	db *gorm.DB
}

// NewLegacySeeder creates a seeder for db.
func NewLegacySeeder(t *testing.T, db *gorm.DB) *LegacySeeder {
	return &LegacySeeder{t: t, db: db}
}

func seed[T any](s *LegacySeeder, rows []T) {
	s.t.Helper()
	if len(rows) == 0 {
		return
	}
	require.NoError(s.t, s.db.CreateInBatches(&rows, seedBatchSize).Error)
}

// Tickets inserts tickets.
func (s *LegacySeeder) Tickets(rows ...legacy.Ticket) { seed(s, rows) }

// Answers inserts answers.
func (s *LegacySeeder) Answers(rows ...legacy.Answer) { seed(s, rows) }

// Customers inserts customers.
func (s *LegacySeeder) Customers(rows ...legacy.Customer) { seed(s, rows) }

// Employees inserts employees.
func (s *LegacySeeder) Employees(rows ...legacy.Employee) { seed(s, rows) }

// Managers inserts managers.
func (s *LegacySeeder) Managers(rows ...legacy.Manager) { seed(s, rows) }

// Organizations inserts organizations.
func (s *LegacySeeder) Organizations(rows ...legacy.Organization) { seed(s, rows) }

// Contacts inserts contacts.
func (s *LegacySeeder) Contacts(rows ...legacy.Contact) { seed(s, rows) }

// Products inserts products.
func (s *LegacySeeder) Products(rows ...legacy.Product) { seed(s, rows) }

// Staff seeds one employee with its customer row and, when managerID > 0, a
// manager wrapping it.
func (s *LegacySeeder) Staff(employeeID, customerID, managerID int64, email string) {
	s.t.Helper()
	s.Customers(Customer(customerID, "Staff "+email, email))
	s.Employees(legacy.Employee{ID: employeeID, CustomerID: &customerID})
	if managerID > 0 {
		s.Managers(legacy.Manager{ID: managerID, EmployeeID: employeeID})
	}
}
