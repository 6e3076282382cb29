package shared

import (
	"fmt"
	"strings"
)

// ScopeType is the addressing dimension along which autonomy can be
// independently enabled or disabled.
type ScopeType string

const (
	ScopeGlobal    ScopeType = "global"
	ScopeVertical  ScopeType = "vertical"
	ScopeTerritory ScopeType = "territory"
)

// Scope addresses one node of the global → vertical → territory hierarchy.
// A global scope carries no ids; a vertical scope carries VerticalID; a
// territory scope carries both VerticalID and TerritoryID.
type Scope struct {
	Type        ScopeType `json:"scope_type"`
	VerticalID  string    `json:"vertical_id,omitempty"`
	TerritoryID string    `json:"territory_id,omitempty"`
}

// GlobalScope is the root of every scope chain.
var GlobalScope = Scope{Type: ScopeGlobal}

func VerticalScope(verticalID string) Scope {
	return Scope{Type: ScopeVertical, VerticalID: verticalID}
}

func TerritoryScope(verticalID, territoryID string) Scope {
	return Scope{Type: ScopeTerritory, VerticalID: verticalID, TerritoryID: territoryID}
}

// Validate checks that the id fields match the scope type.
func (s Scope) Validate() error {
	switch s.Type {
	case ScopeGlobal:
		if s.VerticalID != "" || s.TerritoryID != "" {
			return NewValidationError("global scope must not carry vertical or territory ids")
		}
	case ScopeVertical:
		if s.VerticalID == "" {
			return NewValidationError("vertical scope requires vertical_id")
		}
		if s.TerritoryID != "" {
			return NewValidationError("vertical scope must not carry territory_id")
		}
	case ScopeTerritory:
		if s.VerticalID == "" || s.TerritoryID == "" {
			return NewValidationError("territory scope requires vertical_id and territory_id")
		}
	default:
		return NewValidationError(fmt.Sprintf("unknown scope type %q", s.Type))
	}
	return nil
}

// Ancestors returns the chain from global down to this scope, inclusive.
// Disabling any entry in the chain disables the whole scope.
func (s Scope) Ancestors() []Scope {
	switch s.Type {
	case ScopeVertical:
		return []Scope{GlobalScope, s}
	case ScopeTerritory:
		return []Scope{GlobalScope, VerticalScope(s.VerticalID), s}
	default:
		return []Scope{GlobalScope}
	}
}

// Key returns the canonical string form used in logs, cache keys, and
// gateway URLs: "global", "vertical:saas", "territory:saas:us-west".
func (s Scope) Key() string {
	parts := []string{string(s.Type)}
	if s.VerticalID != "" {
		parts = append(parts, s.VerticalID)
	}
	if s.TerritoryID != "" {
		parts = append(parts, s.TerritoryID)
	}
	return strings.Join(parts, ":")
}

func (s Scope) String() string { return s.Key() }
