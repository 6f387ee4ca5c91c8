package types

import (
	"fmt"
	"strings"
)

// Scope is the (entity, user-or-entity-level) key space a memory belongs to.
// It is a discriminated value rather than an array sentinel so persistence
// adapters can always filter on a single scalar string.
type Scope struct {
	EntityID string `json:"entity_id"`
	// UserID is empty for entity-level scope.
	UserID string `json:"user_id,omitempty"`
}

// EntityScope returns the entity-level scope for an entity.
func EntityScope(entityID string) Scope {
	return Scope{EntityID: entityID}
}

// UserScope returns the scope for a specific user of an entity.
func UserScope(entityID, userID string) Scope {
	return Scope{EntityID: entityID, UserID: userID}
}

// IsEntityLevel reports whether the scope is not bound to a user.
func (s Scope) IsEntityLevel() bool { return s.UserID == "" }

// Key returns the scalar discriminant stored and filtered on by backends:
// "entity" for entity-level scope, "user:<id>" otherwise. The entity id is
// filtered separately so the key stays stable across entities.
func (s Scope) Key() string {
	if s.UserID == "" {
		return "entity"
	}
	return "user:" + s.UserID
}

// String implements fmt.Stringer for logging.
func (s Scope) String() string {
	return s.EntityID + "/" + s.Key()
}

// ParseScopeKey reconstructs a Scope from an entity id and a stored key.
func ParseScopeKey(entityID, key string) (Scope, error) {
	switch {
	case key == "entity":
		return EntityScope(entityID), nil
	case strings.HasPrefix(key, "user:") && len(key) > len("user:"):
		return UserScope(entityID, strings.TrimPrefix(key, "user:")), nil
	default:
		return Scope{}, fmt.Errorf("invalid scope key %q", key)
	}
}
