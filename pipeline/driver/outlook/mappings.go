package outlook

import "github.com/pipewise/lake/model"

// MappingSpecs returns the built-in field mappings for an Outlook
// integration named source. lastModifiedDateTime is RFC3339, which the
// canonical time parser already accepts, so neither spec sets a layout.
func MappingSpecs(source string) []*model.MappingSpec {
	return []*model.MappingSpec{
		contactSpec(source),
		eventSpec(source),
	}
}

func contactSpec(source string) *model.MappingSpec {
	return &model.MappingSpec{
		Source:        source,
		EntityType:    model.EntityContact,
		IDField:       "id",
		ModifiedField: "lastModifiedDateTime",
		SourceModel:   "contacts",
		Fields: []model.FieldMapping{
			{SourceField: "displayName", TargetField: "name", Required: true},
			{SourceField: "emailAddresses.0.address", TargetField: "email"},
			{SourceField: "businessPhones.0", TargetField: "phone"},
			{SourceField: "mobilePhone", TargetField: "mobile"},
			{SourceField: "companyName", TargetField: "company_name"},
			{SourceField: "jobTitle", TargetField: "job_title"},
			{SourceField: "personalNotes", TargetField: "notes"},
			{TargetField: "is_active", Transform: model.TransformDefault, DefaultValue: true},
		},
	}
}

func eventSpec(source string) *model.MappingSpec {
	return &model.MappingSpec{
		Source:        source,
		EntityType:    model.EntityActivity,
		IDField:       "id",
		ModifiedField: "lastModifiedDateTime",
		SourceModel:   "events",
		Fields: []model.FieldMapping{
			{SourceField: "subject", TargetField: "subject", Required: true},
			{SourceField: "bodyPreview", TargetField: "description"},
			{SourceField: "start.dateTime", TargetField: "start_at", Layout: BodyTimeLayout},
			{SourceField: "end.dateTime", TargetField: "end_at", Layout: BodyTimeLayout},
			{SourceField: "location.displayName", TargetField: "notes"},
			// isCancelled=false arrives as a relational empty and falls back
			// to the default.
			{SourceField: "isCancelled", TargetField: "status", Transform: model.TransformLookup,
				Table: map[string]string{"true": "cancelled"}, DefaultValue: "pending"},
			{TargetField: "activity_type", Transform: model.TransformDefault, DefaultValue: "meeting"},
		},
	}
}
