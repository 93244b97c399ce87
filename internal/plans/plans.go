// Package plans is the read-only registry of subscription plans.
package plans

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/ekklesia/internal/money"
)

var ErrPlanNotFound = errors.New("plans: plan not found")

// Type identifies a plan.
type Type string

const (
	TypeFree          Type = "free"
	TypeIndividual    Type = "individual"
	TypeChurchSimple  Type = "church_simple"
	TypeChurchPlus    Type = "church_plus"
	TypeChurchPremium Type = "church_premium"
)

// IsChurchTier reports whether subscriptions of this type are held by a tenant.
func (t Type) IsChurchTier() bool {
	switch t {
	case TypeChurchSimple, TypeChurchPlus, TypeChurchPremium:
		return true
	}
	return false
}

// Plan is a priced tier with optional entity limits.
type Plan struct {
	Type       Type            `json:"type"`
	Name       string          `json:"name"`
	Price      money.Cents     `json:"price"`
	MaxMembers *int            `json:"maxMembers,omitempty"`
	MaxAdmins  *int            `json:"maxAdmins,omitempty"`
	Features   map[string]bool `json:"features"`
}

// IsChurchTier reports whether the plan provisions a tenant.
func (p Plan) IsChurchTier() bool { return p.Type.IsChurchTier() }

// HasFeature reports whether a feature flag is enabled.
func (p Plan) HasFeature(name string) bool { return p.Features[name] }

// Free is the implicit plan of users with no current subscription.
// It is never stored and cannot be purchased.
var Free = Plan{
	Type:  TypeFree,
	Name:  "Gratuito",
	Price: 0,
	Features: map[string]bool{
		"devotionals": true,
	},
}

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog is an immutable set of purchasable plans.
type Catalog struct {
	plans map[Type]Plan
}

type catalogFile struct {
	Plans []struct {
		Type       Type            `yaml:"type"`
		Name       string          `yaml:"name"`
		Price      string          `yaml:"price"`
		MaxMembers *int            `yaml:"max_members"`
		MaxAdmins  *int            `yaml:"max_admins"`
		Features   map[string]bool `yaml:"features"`
	} `yaml:"plans"`
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic("plans: embedded catalog is invalid: " + err.Error())
	}
	return c
}

// Load reads a catalog file, or returns the embedded one when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plans: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("plans: decode catalog: %w", err)
	}

	c := &Catalog{plans: make(map[Type]Plan, len(f.Plans))}
	for _, raw := range f.Plans {
		if raw.Type == "" || raw.Type == TypeFree {
			return nil, fmt.Errorf("plans: invalid plan type %q", raw.Type)
		}
		if _, dup := c.plans[raw.Type]; dup {
			return nil, fmt.Errorf("plans: duplicate plan type %q", raw.Type)
		}
		price, ok := money.Parse(raw.Price)
		if !ok || price <= 0 {
			return nil, fmt.Errorf("plans: %s: invalid price %q", raw.Type, raw.Price)
		}
		c.plans[raw.Type] = Plan{
			Type:       raw.Type,
			Name:       raw.Name,
			Price:      price,
			MaxMembers: raw.MaxMembers,
			MaxAdmins:  raw.MaxAdmins,
			Features:   raw.Features,
		}
	}
	if len(c.plans) == 0 {
		return nil, errors.New("plans: catalog is empty")
	}
	return c, nil
}

// Lookup returns the plan for t. The free plan resolves to Free.
func (c *Catalog) Lookup(t Type) (Plan, error) {
	if t == TypeFree {
		return Free, nil
	}
	p, ok := c.plans[t]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrPlanNotFound, t)
	}
	return p, nil
}

// Purchasable reports whether t can be requested by a user.
func (c *Catalog) Purchasable(t Type) bool {
	_, ok := c.plans[t]
	return ok
}

// List returns purchasable plans ordered by price.
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].Type < out[j].Type
	})
	return out
}
