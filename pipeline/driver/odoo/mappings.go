package odoo

import "github.com/pipewise/lake/model"

// crmStages maps the stock Odoo CRM stage names onto the canonical stage
// vocabulary. Deployments with renamed stages override the opportunity
// mapping through the registry.
var crmStages = map[string]string{
	"New":         "lead",
	"Qualified":   "qualification",
	"Discovery":   "discovery",
	"Proposition": "proposal",
	"Negotiation": "negotiation",
	"Won":         "closed-won",
	"Lost":        "closed-lost",
	"Closed Won":  "closed-won",
	"Closed Lost": "closed-lost",
}

// leadPriorities maps crm.lead's 0-3 starred priority onto low/medium/high.
var leadPriorities = map[string]string{
	"0": "low",
	"1": "medium",
	"2": "high",
	"3": "high",
}

// MappingSpecs returns the built-in field mappings for an Odoo integration
// named source.
func MappingSpecs(source string) []*model.MappingSpec {
	return []*model.MappingSpec{
		userSpec(source),
		accountSpec(source),
		contactSpec(source),
		opportunitySpec(source),
		activitySpec(source),
	}
}

func userSpec(source string) *model.MappingSpec {
	return &model.MappingSpec{
		Source:        source,
		EntityType:    model.EntityUser,
		IDField:       "id",
		ModifiedField: "write_date",

		ModifiedLayout: TimeLayout,
		SourceModel:    "res.users",
		Fields: []model.FieldMapping{
			{SourceField: "name", TargetField: "name", Required: true},
			// login is the address users sign in with; an explicit email
			// field overwrites it when the record carries one.
			{SourceField: "login", TargetField: "email"},
			{SourceField: "email", TargetField: "email"},
			{SourceField: "active", TargetField: "is_active", Transform: model.TransformBoolean},
			{TargetField: "role", Transform: model.TransformDefault, DefaultValue: "rep"},
		},
	}
}

func accountSpec(source string) *model.MappingSpec {
	return &model.MappingSpec{
		Source:         source,
		EntityType:     model.EntityAccount,
		IDField:        "id",
		ModifiedField:  "write_date",
		ModifiedLayout: TimeLayout,
		SourceModel:    "res.partner",
		Fields: []model.FieldMapping{
			{SourceField: "name", TargetField: "name", Required: true},
			{SourceField: "website", TargetField: "website"},
			{SourceField: "industry_id", TargetField: "industry", Transform: model.TransformExtractName},
			{SourceField: "user_id", TargetField: "owner_id", Transform: model.TransformExtractID, Ref: model.EntityUser},
			{SourceField: "active", TargetField: "is_active", Transform: model.TransformBoolean},
			{SourceField: "street", TargetField: "address.street"},
			{SourceField: "city", TargetField: "address.city"},
			{SourceField: "state_id", TargetField: "address.state", Transform: model.TransformExtractName},
			{SourceField: "zip", TargetField: "address.postal_code", Transform: model.TransformToString},
			{SourceField: "country_id", TargetField: "address.country", Transform: model.TransformExtractName},
			{TargetField: "account_type", Transform: model.TransformDefault, DefaultValue: "customer"},
		},
	}
}

func contactSpec(source string) *model.MappingSpec {
	return &model.MappingSpec{
		Source:         source,
		EntityType:     model.EntityContact,
		IDField:        "id",
		ModifiedField:  "write_date",
		ModifiedLayout: TimeLayout,
		SourceModel:    "res.partner",
		Fields: []model.FieldMapping{
			{SourceField: "name", TargetField: "name", Required: true},
			{SourceField: "email", TargetField: "email"},
			{SourceField: "phone", TargetField: "phone", Transform: model.TransformToString},
			{SourceField: "mobile", TargetField: "mobile", Transform: model.TransformToString},
			{SourceField: "function", TargetField: "job_title"},
			{SourceField: "parent_id", TargetField: "account_id", Transform: model.TransformExtractID, Ref: model.EntityAccount},
			{SourceField: "parent_id", TargetField: "company_name", Transform: model.TransformExtractName},
			{SourceField: "user_id", TargetField: "owner_id", Transform: model.TransformExtractID, Ref: model.EntityUser},
			{SourceField: "active", TargetField: "is_active", Transform: model.TransformBoolean},
			{SourceField: "street", TargetField: "address.street"},
			{SourceField: "city", TargetField: "address.city"},
			{SourceField: "state_id", TargetField: "address.state", Transform: model.TransformExtractName},
			{SourceField: "zip", TargetField: "address.postal_code", Transform: model.TransformToString},
			{SourceField: "country_id", TargetField: "address.country", Transform: model.TransformExtractName},
		},
	}
}

func opportunitySpec(source string) *model.MappingSpec {
	return &model.MappingSpec{
		Source:         source,
		EntityType:     model.EntityOpportunity,
		IDField:        "id",
		ModifiedField:  "write_date",
		ModifiedLayout: TimeLayout,
		SourceModel:    "crm.lead",
		Fields: []model.FieldMapping{
			{SourceField: "name", TargetField: "name", Required: true},
			{SourceField: "expected_revenue", TargetField: "amount", Transform: model.TransformToFloat},
			{SourceField: "probability", TargetField: "probability", Transform: model.TransformToInt},
			{SourceField: "stage_id", TargetField: "stage", Transform: model.TransformLookup,
				Table: crmStages, DefaultValue: "lead"},
			{SourceField: "partner_id", TargetField: "account_id", Transform: model.TransformExtractID, Ref: model.EntityAccount},
			{SourceField: "user_id", TargetField: "owner_id", Transform: model.TransformExtractID, Ref: model.EntityUser},
			{SourceField: "date_deadline", TargetField: "expected_close_date", Layout: DateLayout},
			{SourceField: "priority", TargetField: "priority", Transform: model.TransformLookup,
				Table: leadPriorities, DefaultValue: "medium"},
		},
	}
}

func activitySpec(source string) *model.MappingSpec {
	return &model.MappingSpec{
		Source:         source,
		EntityType:     model.EntityActivity,
		IDField:        "id",
		ModifiedField:  "write_date",
		ModifiedLayout: TimeLayout,
		SourceModel:    "mail.activity",
		Fields: []model.FieldMapping{
			{SourceField: "summary", TargetField: "subject", Required: true},
			{SourceField: "activity_type_id", TargetField: "activity_type", Transform: model.TransformLookup,
				Table: map[string]string{
					"Call":    "call",
					"Email":   "email",
					"Meeting": "meeting",
					"To-Do":   "task",
					"To Do":   "task",
				}, DefaultValue: "task"},
			{SourceField: "note", TargetField: "description"},
			{SourceField: "date_deadline", TargetField: "due_date", Layout: DateLayout},
			{SourceField: "user_id", TargetField: "owner_id", Transform: model.TransformExtractID, Ref: model.EntityUser},
			{TargetField: "status", Transform: model.TransformDefault, DefaultValue: "pending"},
		},
	}
}
