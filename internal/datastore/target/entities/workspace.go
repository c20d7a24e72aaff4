package entities

import "time"

// Field types used in workspace schemas.
const (
	FieldText     = "text"
	FieldEmail    = "email"
	FieldPhone    = "phone"
	FieldNumber   = "number"
	FieldBool     = "bool"
	FieldSelect   = "select"
	FieldRelation = "relation"
)

// FieldDef describes one column of a workspace.
type FieldDef struct {
	Key      string   `json:"key"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Options  []string `json:"options,omitempty"`  // select only
	RelateTo string   `json:"relateTo,omitempty"` // relation only: workspace slug
}

// Workspace is a container for one reference domain.
type Workspace struct {
	ID        string     `gorm:"primaryKey;size:36"`
	Slug      string     `gorm:"size:64;not null;uniqueIndex"`
	Name      string     `gorm:"size:255;not null"`
	Fields    []FieldDef `gorm:"serializer:json;type:text"`
	CreatedAt time.Time  `gorm:"autoCreateTime"`
}

// TableName returns the table name for GORM.
func (Workspace) TableName() string {
	return "workspaces"
}

// WorkspaceRecord is one reference row inside a workspace.
type WorkspaceRecord struct {
	ID          string         `gorm:"primaryKey;size:36"`
	WorkspaceID string         `gorm:"size:36;not null;index"`
	NaturalKey  string         `gorm:"size:64;not null;uniqueIndex"`
	Title       string         `gorm:"size:512"`
	Values      map[string]any `gorm:"serializer:json;type:text"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (WorkspaceRecord) TableName() string {
	return "workspace_records"
}

// RecordLink relates two workspace records through a relation field.
type RecordLink struct {
	ID           uint      `gorm:"primaryKey"`
	FromRecordID string    `gorm:"size:36;not null;uniqueIndex:idx_record_links_from_field"`
	Field        string    `gorm:"size:64;not null;uniqueIndex:idx_record_links_from_field"`
	ToRecordID   string    `gorm:"size:36;not null;index"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for GORM.
func (RecordLink) TableName() string {
	return "record_links"
}
