// Package identity maps legacy staff to current-system accounts by email.
package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
	"github.com/deskbridge/deskbridge/internal/datastore/target/entities"
	"github.com/deskbridge/deskbridge/internal/errors"
	"github.com/deskbridge/deskbridge/internal/logger"
	"github.com/deskbridge/deskbridge/internal/observability/metrics"
)

// Defaults for the fallback author account.
const (
	DefaultSystemEmail = "legacy-system@deskbridge.invalid"
	DefaultSystemName  = "Legacy System"
	DefaultCacheTTL    = 10 * time.Minute
)

const mappingKey = "mapping"

// IdentityMap is the result of one mapping build. It is read-only once built.
type IdentityMap struct {
	Employees       map[int64]string // legacy employee id -> account id
	Managers        map[int64]string // legacy manager id -> account id
	SystemAccountID string
	Unmapped        int // employees without a matching account
	BuiltAt         time.Time
}

// ResolveAssignee returns the account of a legacy manager.
func (m *IdentityMap) ResolveAssignee(managerID int64) (string, bool) {
	id, ok := m.Managers[managerID]
	return id, ok
}

// ResolveAuthor returns the account of a legacy employee, or the system account.
func (m *IdentityMap) ResolveAuthor(employeeID int64) string {
	if id, ok := m.Employees[employeeID]; ok {
		return id
	}
	return m.SystemAccountID
}

// IsMappedEmployee reports whether employeeID has a real account.
func (m *IdentityMap) IsMappedEmployee(employeeID int64) bool {
	_, ok := m.Employees[employeeID]
	return ok
}

// NormalizeEmail returns the comparison form of an address: trimmed, NFC and
// case-folded. Empty input stays empty.
func NormalizeEmail(email string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return ""
	}
	return cases.Fold().String(norm.NFC.String(email))
}

// Config configures a Mapper.
type Config struct {
	Source      legacy.Source
	DB          *gorm.DB
	CacheTTL    time.Duration
	SystemEmail string
	SystemName  string
	Logger      logger.Logger
	Metrics     *metrics.ReferenceMetrics
}

// Mapper builds and caches IdentityMaps.
type Mapper struct {
	source      legacy.Source
	db          *gorm.DB
	cache       *gocache.Cache
	ttl         time.Duration
	systemEmail string
	systemName  string
	logger      logger.Logger
	metrics     *metrics.ReferenceMetrics

	buildMu sync.Mutex
}

// NewMapper creates a Mapper.
func NewMapper(cfg *Config) *Mapper {
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("identity")
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	email := cfg.SystemEmail
	if email == "" {
		email = DefaultSystemEmail
	}
	name := cfg.SystemName
	if name == "" {
		name = DefaultSystemName
	}
	return &Mapper{
		source: cfg.Source,
		db:     cfg.DB,
		// No janitor: expired entries are ignored by Get and replaced on rebuild.
		cache:       gocache.New(ttl, 0),
		ttl:         ttl,
		systemEmail: email,
		systemName:  name,
		logger:      log,
		metrics:     cfg.Metrics,
	}
}

// Mapping returns the cached mapping, building it when absent or expired.
func (m *Mapper) Mapping(ctx context.Context) (*IdentityMap, error) {
	if cached, ok := m.cache.Get(mappingKey); ok {
		return cached.(*IdentityMap), nil
	}

	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	if cached, ok := m.cache.Get(mappingKey); ok {
		return cached.(*IdentityMap), nil
	}
	return m.build(ctx)
}

// Invalidate drops the cached mapping.
func (m *Mapper) Invalidate() {
	m.cache.Delete(mappingKey)
}

// BuildMapping always rebuilds the mapping and refreshes the cache.
func (m *Mapper) BuildMapping(ctx context.Context) (*IdentityMap, error) {
	m.buildMu.Lock()
	defer m.buildMu.Unlock()
	return m.build(ctx)
}

func (m *Mapper) build(ctx context.Context) (*IdentityMap, error) {
	systemID, err := m.EnsureSystemAccount(ctx)
	if err != nil {
		return nil, err
	}

	employees, err := m.source.Employees(ctx)
	if err != nil {
		return nil, err
	}
	managers, err := m.source.Managers(ctx)
	if err != nil {
		return nil, err
	}

	customerIDs := make([]int64, 0, len(employees))
	for i := range employees {
		if employees[i].CustomerID != nil {
			customerIDs = append(customerIDs, *employees[i].CustomerID)
		}
	}
	customers, err := m.source.Customers(ctx, customerIDs)
	if err != nil {
		return nil, err
	}

	index, err := m.accountIndex(ctx)
	if err != nil {
		return nil, err
	}

	mapping := &IdentityMap{
		Employees:       make(map[int64]string, len(employees)),
		Managers:        make(map[int64]string, len(managers)),
		SystemAccountID: systemID,
		BuiltAt:         time.Now(),
	}

	for i := range employees {
		emp := &employees[i]
		var email string
		if emp.CustomerID != nil {
			email = NormalizeEmail(customers[*emp.CustomerID].Email)
		}
		accountID, ok := index[email]
		if email == "" || !ok || accountID == systemID {
			mapping.Unmapped++
			continue
		}
		mapping.Employees[emp.ID] = accountID
	}

	for i := range managers {
		if accountID, ok := mapping.Employees[managers[i].EmployeeID]; ok {
			mapping.Managers[managers[i].ID] = accountID
		}
	}

	m.cache.Set(mappingKey, mapping, m.ttl)
	if m.metrics != nil {
		m.metrics.RecordIdentityBuild(len(mapping.Employees), len(mapping.Managers))
	}
	m.logger.Info("identity mapping built",
		logger.Int("employees", len(employees)),
		logger.Int("mapped", len(mapping.Employees)),
		logger.Int("unmapped", mapping.Unmapped),
		logger.Int("managers", len(mapping.Managers)))

	return mapping, nil
}

// accountIndex loads every account into a normalized email index.
func (m *Mapper) accountIndex(ctx context.Context) (map[string]string, error) {
	var accounts []entities.Account
	if err := m.db.WithContext(ctx).Select("id, email").Find(&accounts).Error; err != nil {
		return nil, identityError(err, "load_accounts")
	}
	index := make(map[string]string, len(accounts))
	for i := range accounts {
		if key := NormalizeEmail(accounts[i].Email); key != "" {
			index[key] = accounts[i].ID
		}
	}
	return index, nil
}

// EnsureSystemAccount creates the deactivated fallback account if missing and
// returns its id. Concurrent callers converge on the same row.
func (m *Mapper) EnsureSystemAccount(ctx context.Context) (string, error) {
	db := m.db.WithContext(ctx)

	candidate := entities.Account{
		ID:     uuid.NewString(),
		Email:  m.systemEmail,
		Name:   m.systemName,
		Active: false,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoNothing: true,
	}).Create(&candidate).Error; err != nil {
		return "", identityError(err, "create_system_account")
	}

	var account entities.Account
	if err := db.Where("email = ?", m.systemEmail).Take(&account).Error; err != nil {
		return "", identityError(err, "load_system_account")
	}
	return account.ID, nil
}

func identityError(err error, op string) error {
	return errors.New(err).
		Component("identity").
		Category(errors.CategoryIdentity).
		Context("operation", op).
		Build()
}
