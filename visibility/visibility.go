// Package visibility turns a caller's role and scope into a store
// predicate, so every query the core runs on canonical collections is
// row-filtered at the store rather than post-filtered in memory.
package visibility

import (
	"fmt"

	"github.com/pipewise/lake/store"
)

// Scope is how far a caller can see beyond their own records.
type Scope string

const (
	// ScopeOwn sees records the caller owns or is assigned to.
	ScopeOwn Scope = "own"
	// ScopeTeam adds records belonging to the caller's teams.
	ScopeTeam Scope = "team"
	// ScopeDepartment adds records belonging to the caller's department.
	ScopeDepartment Scope = "department"
	// ScopeAll sees everything.
	ScopeAll Scope = "all"
)

// AllScopes is every scope, narrowest first.
var AllScopes = []Scope{ScopeOwn, ScopeTeam, ScopeDepartment, ScopeAll}

// ParseScope maps a string to a Scope.
func ParseScope(s string) (Scope, error) {
	for _, scope := range AllScopes {
		if s == string(scope) {
			return scope, nil
		}
	}
	return "", fmt.Errorf("unknown visibility scope %q", s)
}

// RoleAdmin is the only role the resolver interprets: an admin whose scope
// wasn't set explicitly defaults to ScopeAll instead of ScopeOwn.
const RoleAdmin = "admin"

// Context identifies a caller for visibility purposes.
type Context struct {
	UserID       string
	Role         string
	Scope        Scope
	TeamIDs      []string
	DepartmentID string
}

// Normalize fills an unset scope from the caller's role and validates the
// result.
func (c Context) Normalize() (Context, error) {
	if c.UserID == "" {
		return c, fmt.Errorf("caller context requires a user_id")
	}
	if c.Scope == "" {
		if c.Role == RoleAdmin {
			c.Scope = ScopeAll
		} else {
			c.Scope = ScopeOwn
		}
	}
	if _, err := ParseScope(string(c.Scope)); err != nil {
		return c, err
	}
	return c, nil
}

// Resolve produces the caller's visibility predicate. A nil predicate means
// unrestricted.
//
// Wider scopes strictly contain narrower ones: the team and department
// predicates each include the own predicate as a disjunct, so widening a
// caller's scope never hides a record they could already see. Scopes
// missing their grouping input (a team scope without teams, a department
// scope without a department) fall back to own.
func Resolve(c Context) store.Predicate {
	var own = store.Or(
		store.Eq("owner_id", c.UserID),
		store.Eq("assigned_to", c.UserID),
	)

	switch c.Scope {
	case ScopeAll:
		return nil

	case ScopeDepartment:
		if c.DepartmentID == "" {
			return own
		}
		return store.Or(
			store.Eq("owner_id", c.UserID),
			store.Eq("assigned_to", c.UserID),
			store.Eq("department_id", c.DepartmentID),
		)

	case ScopeTeam:
		if len(c.TeamIDs) == 0 {
			return own
		}
		return store.Or(
			store.Eq("owner_id", c.UserID),
			store.Eq("assigned_to", c.UserID),
			store.In("team_id", c.TeamIDs...),
		)

	default:
		return own
	}
}

// Intersect combines the caller's visibility with an extra query using AND
// semantics. Disjunctions inside either side stay nested, so the extra
// query can never widen what the caller sees.
func Intersect(vis, extra store.Predicate) store.Predicate {
	if vis == nil {
		return extra
	}
	if extra == nil {
		return vis
	}
	return store.And(vis, extra)
}
