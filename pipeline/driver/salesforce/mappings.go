package salesforce

import "github.com/pipewise/lake/model"

// oppStages maps the stock Salesforce sales process onto the canonical
// stage vocabulary. Orgs with custom stages override the opportunity
// mapping through the registry.
var oppStages = map[string]string{
	"Prospecting":          "lead",
	"Qualification":        "qualification",
	"Needs Analysis":       "discovery",
	"Value Proposition":    "proposal",
	"Id. Decision Makers":  "discovery",
	"Perception Analysis":  "discovery",
	"Proposal/Price Quote": "proposal",
	"Negotiation/Review":   "negotiation",
	"Closed Won":           "closed-won",
	"Closed Lost":          "closed-lost",
}

var taskStatuses = map[string]string{
	"Not Started":             "pending",
	"In Progress":             "in-progress",
	"Completed":               "completed",
	"Waiting on someone else": "pending",
	"Deferred":                "pending",
}

var taskPriorities = map[string]string{
	"High":   "high",
	"Normal": "medium",
	"Low":    "low",
}

var taskSubtypes = map[string]string{
	"Task":      "task",
	"Call":      "call",
	"Email":     "email",
	"ListEmail": "email",
	"Cadence":   "task",
}

// MappingSpecs returns the built-in field mappings for a Salesforce
// integration named source.
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
		Source:         source,
		EntityType:     model.EntityUser,
		IDField:        "Id",
		ModifiedField:  "LastModifiedDate",
		ModifiedLayout: TimeLayout,
		SourceModel:    "User",
		Fields: []model.FieldMapping{
			{SourceField: "Name", TargetField: "name", Required: true},
			{SourceField: "Email", TargetField: "email"},
			{SourceField: "Title", TargetField: "job_title"},
			{SourceField: "IsActive", TargetField: "is_active", Transform: model.TransformBoolean},
			{SourceField: "ManagerId", TargetField: "manager_id", Ref: model.EntityUser},
			{TargetField: "role", Transform: model.TransformDefault, DefaultValue: "rep"},
		},
	}
}

func accountSpec(source string) *model.MappingSpec {
	return &model.MappingSpec{
		Source:         source,
		EntityType:     model.EntityAccount,
		IDField:        "Id",
		ModifiedField:  "LastModifiedDate",
		ModifiedLayout: TimeLayout,
		SourceModel:    "Account",
		Fields: []model.FieldMapping{
			{SourceField: "Name", TargetField: "name", Required: true},
			{SourceField: "Website", TargetField: "website"},
			{SourceField: "Industry", TargetField: "industry"},
			{SourceField: "NumberOfEmployees", TargetField: "employee_count", Transform: model.TransformToInt},
			{SourceField: "AnnualRevenue", TargetField: "annual_revenue", Transform: model.TransformToFloat},
			{SourceField: "Type", TargetField: "account_type"},
			{SourceField: "OwnerId", TargetField: "owner_id", Ref: model.EntityUser},
			{SourceField: "BillingStreet", TargetField: "address.street"},
			{SourceField: "BillingCity", TargetField: "address.city"},
			{SourceField: "BillingState", TargetField: "address.state"},
			{SourceField: "BillingPostalCode", TargetField: "address.postal_code"},
			{SourceField: "BillingCountry", TargetField: "address.country"},
			{TargetField: "is_active", Transform: model.TransformDefault, DefaultValue: true},
		},
	}
}

func contactSpec(source string) *model.MappingSpec {
	return &model.MappingSpec{
		Source:         source,
		EntityType:     model.EntityContact,
		IDField:        "Id",
		ModifiedField:  "LastModifiedDate",
		ModifiedLayout: TimeLayout,
		SourceModel:    "Contact",
		Fields: []model.FieldMapping{
			{SourceFields: []string{"FirstName", "LastName"}, TargetField: "name",
				Transform: model.TransformConcatenate, Separator: " ", Required: true},
			{SourceField: "Email", TargetField: "email"},
			{SourceField: "Phone", TargetField: "phone"},
			{SourceField: "MobilePhone", TargetField: "mobile"},
			{SourceField: "Title", TargetField: "job_title"},
			{SourceField: "AccountId", TargetField: "account_id", Ref: model.EntityAccount},
			{SourceField: "OwnerId", TargetField: "owner_id", Ref: model.EntityUser},
			{SourceField: "MailingStreet", TargetField: "address.street"},
			{SourceField: "MailingCity", TargetField: "address.city"},
			{SourceField: "MailingState", TargetField: "address.state"},
			{SourceField: "MailingPostalCode", TargetField: "address.postal_code"},
			{SourceField: "MailingCountry", TargetField: "address.country"},
			{TargetField: "is_active", Transform: model.TransformDefault, DefaultValue: true},
		},
	}
}

func opportunitySpec(source string) *model.MappingSpec {
	return &model.MappingSpec{
		Source:         source,
		EntityType:     model.EntityOpportunity,
		IDField:        "Id",
		ModifiedField:  "LastModifiedDate",
		ModifiedLayout: TimeLayout,
		SourceModel:    "Opportunity",
		Fields: []model.FieldMapping{
			{SourceField: "Name", TargetField: "name", Required: true},
			{SourceField: "Amount", TargetField: "amount", Transform: model.TransformToFloat},
			{SourceField: "Probability", TargetField: "probability", Transform: model.TransformToInt},
			{SourceField: "StageName", TargetField: "stage", Transform: model.TransformLookup,
				Table: oppStages, DefaultValue: "lead"},
			{SourceField: "CloseDate", TargetField: "expected_close_date", Layout: "2006-01-02"},
			{SourceField: "AccountId", TargetField: "account_id", Ref: model.EntityAccount},
			{SourceField: "OwnerId", TargetField: "owner_id", Ref: model.EntityUser},
			{SourceField: "LeadSource", TargetField: "lead_source"},
			{SourceField: "Type", TargetField: "opportunity_type"},
			{SourceField: "NextStep", TargetField: "next_step"},
		},
	}
}

func activitySpec(source string) *model.MappingSpec {
	return &model.MappingSpec{
		Source:         source,
		EntityType:     model.EntityActivity,
		IDField:        "Id",
		ModifiedField:  "LastModifiedDate",
		ModifiedLayout: TimeLayout,
		SourceModel:    "Task",
		Fields: []model.FieldMapping{
			{SourceField: "Subject", TargetField: "subject", Required: true},
			{SourceField: "Description", TargetField: "description"},
			{SourceField: "ActivityDate", TargetField: "due_date", Layout: "2006-01-02"},
			{SourceField: "Status", TargetField: "status", Transform: model.TransformLookup,
				Table: taskStatuses, DefaultValue: "pending"},
			{SourceField: "Priority", TargetField: "priority", Transform: model.TransformLookup,
				Table: taskPriorities, DefaultValue: "medium"},
			{SourceField: "TaskSubtype", TargetField: "activity_type", Transform: model.TransformLookup,
				Table: taskSubtypes, DefaultValue: "task"},
			{SourceField: "WhoId", TargetField: "contact_id", Ref: model.EntityContact},
			{SourceField: "OwnerId", TargetField: "owner_id", Ref: model.EntityUser},
		},
	}
}
