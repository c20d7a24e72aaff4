// Package testutil provides SQLite-backed fixtures for tests that need a
// legacy source and a target store.
//
// # Quick Start
//
//	env := testutil.Setup(t)
//	env.Seeder.Customers(testutil.Customer(10, "Ivan", "Ivan@Test.RU"))
//	env.Seeder.Tickets(testutil.NewTicketBuilder().WithID(1).Build())
//
// Both databases live in t.TempDir() and are closed by t.Cleanup.
package testutil
