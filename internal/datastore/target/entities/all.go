package entities

// All returns every target entity in creation order.
func All() []any {
	return []any{
		&Account{},
		&Task{},
		&TaskComment{},
		&Workspace{},
		&WorkspaceRecord{},
		&RecordLink{},
		&LedgerEntry{},
	}
}
