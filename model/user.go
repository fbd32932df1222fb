package model

import "fmt"

// User is a person who works in the system. A user record's envelope
// OwnerID is the user's own canonical ID and its envelope DepartmentID is
// the user's own department, so ownership predicates treat users uniformly
// with other entities. TeamIDs lists every team the user belongs to; the
// envelope TeamID holds the primary one.
type User struct {
	Envelope
	Email           string         `json:"email,omitempty"`
	Name            string         `json:"name,omitempty"`
	AuthProvider    string         `json:"auth_provider,omitempty"`
	ExternalID      string         `json:"external_id,omitempty"`
	Role            string         `json:"role,omitempty"`
	VisibilityScope string         `json:"visibility_scope,omitempty"`
	TeamIDs         []string       `json:"team_ids,omitempty"`
	ManagerID       string         `json:"manager_id,omitempty"`
	JobTitle        string         `json:"job_title,omitempty"`
	IsActive        bool           `json:"is_active"`
	LastLogin       *Time          `json:"last_login,omitempty"`
	Preferences     map[string]any `json:"preferences,omitempty"`
}

func (u *User) Type() EntityType { return EntityUser }

func (u *User) Validate() error {
	if u.Name == "" {
		return fmt.Errorf("user requires a name")
	}
	if u.Email == "" {
		return fmt.Errorf("user requires an email")
	}
	if !wellFormedEmail(u.Email) {
		return fmt.Errorf("malformed email %q", u.Email)
	}
	return nil
}
