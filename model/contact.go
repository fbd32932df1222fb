package model

import (
	"fmt"
	"strings"
)

// Contact is a person attached to zero or one account.
type Contact struct {
	Envelope
	Name        string   `json:"name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Phone       string   `json:"phone,omitempty"`
	Mobile      string   `json:"mobile,omitempty"`
	AccountID   string   `json:"account_id,omitempty"`
	CompanyName string   `json:"company_name,omitempty"`
	JobTitle    string   `json:"job_title,omitempty"`
	Address     Address  `json:"address,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	IsActive    bool     `json:"is_active"`
	Notes       string   `json:"notes,omitempty"`
}

func (c *Contact) Type() EntityType { return EntityContact }

func (c *Contact) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("contact requires a name")
	}
	if c.Email != "" && !wellFormedEmail(c.Email) {
		return fmt.Errorf("malformed email %q", c.Email)
	}
	return nil
}

// wellFormedEmail is the basic local@domain shape check; full RFC parsing
// is a source-system concern.
func wellFormedEmail(email string) bool {
	var at = strings.Index(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t")
}
