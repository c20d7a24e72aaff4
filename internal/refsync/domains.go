package refsync

import (
	"slices"

	"github.com/deskbridge/deskbridge/internal/datastore/legacy"
	"github.com/deskbridge/deskbridge/internal/datastore/target/entities"
)

// Relation links a field of a dependent domain to records of another domain.
type Relation struct {
	// Field is the relation field of the workspace.
	Field string
	// SourceKey is the legacy value holding the referenced legacy id.
	SourceKey string
	// Domain is the referenced domain.
	Domain string
}

// Domain describes how one legacy reference table lands in a workspace.
type Domain struct {
	Name       string
	Label      string
	Prefix     string
	TitleField string
	Fields     []entities.FieldDef
	// ValueMaps maps a field key to the value map applied to it.
	ValueMaps map[string]string
	Relations []Relation
}

// DependsOn lists the domains this domain links to.
func (d *Domain) DependsOn() []string {
	deps := make([]string, 0, len(d.Relations))
	for _, r := range d.Relations {
		if !slices.Contains(deps, r.Domain) {
			deps = append(deps, r.Domain)
		}
	}
	return deps
}

var domains = []Domain{
	{
		Name:       legacy.DomainOrganizations,
		Label:      "Organizations",
		Prefix:     "ORG",
		TitleField: "name",
		Fields: []entities.FieldDef{
			{Key: "name", Label: "Name", Type: entities.FieldText},
			{Key: "inn", Label: "Tax ID", Type: entities.FieldText},
			{Key: "status", Label: "Status", Type: entities.FieldSelect, Options: []string{"active", "prospect", "inactive"}},
			{Key: "segment", Label: "Segment", Type: entities.FieldSelect, Options: []string{"small_business", "mid_market", "enterprise", "public_sector", "other"}},
		},
		ValueMaps: map[string]string{
			"status":  "organizations.status",
			"segment": "organizations.segment",
		},
	},
	{
		Name:       legacy.DomainContacts,
		Label:      "Contacts",
		Prefix:     "CNT",
		TitleField: "name",
		Fields: []entities.FieldDef{
			{Key: "name", Label: "Name", Type: entities.FieldText},
			{Key: "email", Label: "Email", Type: entities.FieldEmail},
			{Key: "phone", Label: "Phone", Type: entities.FieldPhone},
			{Key: "position", Label: "Position", Type: entities.FieldText},
			{Key: "status", Label: "Status", Type: entities.FieldSelect, Options: []string{"active", "inactive"}},
			{Key: "organization", Label: "Organization", Type: entities.FieldRelation, RelateTo: legacy.DomainOrganizations},
		},
		ValueMaps: map[string]string{
			"status": "contacts.status",
		},
		Relations: []Relation{
			{Field: "organization", SourceKey: "organization_id", Domain: legacy.DomainOrganizations},
		},
	},
	{
		Name:       legacy.DomainProducts,
		Label:      "Products",
		Prefix:     "PRD",
		TitleField: "name",
		Fields: []entities.FieldDef{
			{Key: "name", Label: "Name", Type: entities.FieldText},
			{Key: "sku", Label: "SKU", Type: entities.FieldText},
			{Key: "category", Label: "Category", Type: entities.FieldSelect, Options: []string{"hardware", "software", "service"}},
			{Key: "price", Label: "Price", Type: entities.FieldNumber},
			{Key: "active", Label: "Active", Type: entities.FieldBool},
		},
		ValueMaps: map[string]string{
			"category": "products.category",
		},
	},
}

// Domains returns the names of every reference domain in definition order.
func Domains() []string {
	names := make([]string, len(domains))
	for i := range domains {
		names[i] = domains[i].Name
	}
	return names
}

// LookupDomain returns the definition of a domain.
func LookupDomain(name string) (*Domain, bool) {
	for i := range domains {
		if domains[i].Name == name {
			return &domains[i], true
		}
	}
	return nil, false
}

// waves groups domains so that every domain comes after the domains it
// depends on. Domains within one wave are independent.
func waves(names []string) [][]string {
	placed := make(map[string]bool, len(names))
	pending := slices.Clone(names)
	var out [][]string
	for len(pending) > 0 {
		var wave, rest []string
		for _, name := range pending {
			d, _ := LookupDomain(name)
			ready := true
			for _, dep := range d.DependsOn() {
				if slices.Contains(pending, dep) && !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, name)
			} else {
				rest = append(rest, name)
			}
		}
		if len(wave) == 0 {
			// Cycles cannot be ordered; run what is left together.
			wave, rest = rest, nil
		}
		for _, name := range wave {
			placed[name] = true
		}
		out = append(out, wave)
		pending = rest
	}
	return out
}
