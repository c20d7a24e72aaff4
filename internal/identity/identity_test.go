package identity_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
	"github.com/deskbridge/deskbridge/internal/datastore/target/entities"
	"github.com/deskbridge/deskbridge/internal/identity"
	"github.com/deskbridge/deskbridge/internal/testutil"
)

func createAccount(t *testing.T, env *testutil.Env, email string) string {
	t.Helper()
	acc := entities.Account{ID: uuid.NewString(), Email: email, Name: email, Active: true}
	require.NoError(t, env.Target.DB().Create(&acc).Error)
	return acc.ID
}

func newMapper(env *testutil.Env) *identity.Mapper {
	return identity.NewMapper(&identity.Config{
		Source: env.Source,
		DB:     env.Target.DB(),
		Logger: env.Logger,
	})
}

func TestResolveAssignee_CaseInsensitiveEmail(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)

	accountID := createAccount(t, env, "ivan@test.ru")
	env.Seeder.Staff(100, 500, 1, "Ivan@Test.RU")

	mapping, err := newMapper(env).BuildMapping(t.Context())
	require.NoError(t, err)

	got, ok := mapping.ResolveAssignee(1)
	require.True(t, ok)
	assert.Equal(t, accountID, got)
	assert.Equal(t, accountID, mapping.ResolveAuthor(100))
	assert.True(t, mapping.IsMappedEmployee(100))
	assert.Zero(t, mapping.Unmapped)
}

func TestBuildMapping_UnmappedFallsBackToSystem(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)

	createAccount(t, env, "known@corp.example")
	env.Seeder.Staff(1, 11, 0, "known@corp.example")
	env.Seeder.Staff(2, 12, 7, "stranger@corp.example")
	env.Seeder.Employees(legacy.Employee{ID: 3}) // no customer row, no email

	mapping, err := newMapper(env).BuildMapping(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 2, mapping.Unmapped)
	assert.Len(t, mapping.Employees, 1)
	assert.NotEmpty(t, mapping.SystemAccountID)
	assert.Equal(t, mapping.SystemAccountID, mapping.ResolveAuthor(2))
	assert.Equal(t, mapping.SystemAccountID, mapping.ResolveAuthor(3))

	_, ok := mapping.ResolveAssignee(7)
	assert.False(t, ok, "a manager is mappable only through a mapped employee")
}

func TestEnsureSystemAccount_Idempotent(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	mapper := newMapper(env)

	first, err := mapper.EnsureSystemAccount(t.Context())
	require.NoError(t, err)
	second, err := mapper.EnsureSystemAccount(t.Context())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var accounts []entities.Account
	require.NoError(t, env.Target.DB().Where("email = ?", identity.DefaultSystemEmail).Find(&accounts).Error)
	require.Len(t, accounts, 1)
	assert.False(t, accounts[0].Active, "system account must be deactivated")
}

func TestMapping_Cached(t *testing.T) {
	t.Parallel()
	env := testutil.Setup(t)
	mapper := identity.NewMapper(&identity.Config{
		Source:   env.Source,
		DB:       env.Target.DB(),
		Logger:   env.Logger,
		CacheTTL: time.Hour,
	})

	first, err := mapper.Mapping(t.Context())
	require.NoError(t, err)

	createAccount(t, env, "late@corp.example")
	env.Seeder.Staff(9, 19, 0, "late@corp.example")

	cached, err := mapper.Mapping(t.Context())
	require.NoError(t, err)
	assert.Same(t, first, cached)

	mapper.Invalidate()
	rebuilt, err := mapper.Mapping(t.Context())
	require.NoError(t, err)
	assert.NotSame(t, first, rebuilt)
	assert.True(t, rebuilt.IsMappedEmployee(9))
}

func TestNormalizeEmail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"  Ivan@Test.RU ", "ivan@test.ru"},
		{"STRASSE@EXAMPLE.DE", "strasse@example.de"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, identity.NormalizeEmail(tt.in), tt.in)
	}
}
