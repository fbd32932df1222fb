package model

import (
	"fmt"
	"strings"
)

// Account is a company or organization records attach to.
type Account struct {
	Envelope
	Name          string         `json:"name,omitempty"`
	Website       string         `json:"website,omitempty"`
	Industry      string         `json:"industry,omitempty"`
	EmployeeCount int64          `json:"employee_count,omitempty"`
	AnnualRevenue float64        `json:"annual_revenue,omitempty"`
	Address       Address        `json:"address,omitempty"`
	AccountType   string         `json:"account_type,omitempty"`
	Tier          string         `json:"tier,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	IsActive      bool           `json:"is_active"`
	HealthScore   float64        `json:"health_score,omitempty"`
	CustomFields  map[string]any `json:"custom_fields,omitempty"`
}

func (a *Account) Type() EntityType { return EntityAccount }

func (a *Account) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("account requires a name")
	}
	if a.EmployeeCount < 0 {
		return fmt.Errorf("negative employee count %d", a.EmployeeCount)
	}
	if a.AnnualRevenue < 0 {
		return fmt.Errorf("negative annual revenue %v", a.AnnualRevenue)
	}
	return nil
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeWebsite lowercases a website and completes a missing scheme.
func NormalizeWebsite(site string) string {
	var s = strings.ToLower(strings.TrimSpace(site))
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "https://" + s
	}
	return s
}

// NormalizePhone reduces a phone number to digits, keeping a leading plus.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeName trims a name and collapses internal whitespace runs.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}
