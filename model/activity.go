package model

import "fmt"

// ActivityType names a kind of logged work.
type ActivityType string

const (
	ActivityCall    ActivityType = "call"
	ActivityEmail   ActivityType = "email"
	ActivityMeeting ActivityType = "meeting"
	ActivityTask    ActivityType = "task"
	ActivityNote    ActivityType = "note"
)

var allActivityTypes = []ActivityType{
	ActivityCall,
	ActivityEmail,
	ActivityMeeting,
	ActivityTask,
	ActivityNote,
}

// ActivityStatus tracks an activity's completion state.
type ActivityStatus string

const (
	ActivityPending    ActivityStatus = "pending"
	ActivityInProgress ActivityStatus = "in-progress"
	ActivityCompleted  ActivityStatus = "completed"
	ActivityCancelled  ActivityStatus = "cancelled"
	ActivityOverdue    ActivityStatus = "overdue"
)

var allActivityStatuses = []ActivityStatus{
	ActivityPending,
	ActivityInProgress,
	ActivityCompleted,
	ActivityCancelled,
	ActivityOverdue,
}

// Activity is a unit of work logged against a contact, account, or
// opportunity: a call, an email, a meeting, a task, or a free-form note.
type Activity struct {
	Envelope
	Subject         string         `json:"subject,omitempty"`
	ActivityType    ActivityType   `json:"activity_type,omitempty"`
	Description     string         `json:"description,omitempty"`
	AccountID       string         `json:"account_id,omitempty"`
	ContactID       string         `json:"contact_id,omitempty"`
	OpportunityID   string         `json:"opportunity_id,omitempty"`
	DueDate         *Time          `json:"due_date,omitempty"`
	StartAt         *Time          `json:"start_at,omitempty"`
	EndAt           *Time          `json:"end_at,omitempty"`
	DurationMinutes int64          `json:"duration_minutes,omitempty"`
	Status          ActivityStatus `json:"status,omitempty"`
	Priority        string         `json:"priority,omitempty"`
	Outcome         string         `json:"outcome,omitempty"`
	Notes           string         `json:"notes,omitempty"`
}

func (a *Activity) Type() EntityType { return EntityActivity }

func (a *Activity) Validate() error {
	if a.Subject == "" {
		return fmt.Errorf("activity requires a subject")
	}
	var knownType bool
	for _, t := range allActivityTypes {
		if a.ActivityType == t {
			knownType = true
			break
		}
	}
	if !knownType {
		return fmt.Errorf("unknown activity type %q", a.ActivityType)
	}
	if a.Status != "" {
		var knownStatus bool
		for _, st := range allActivityStatuses {
			if a.Status == st {
				knownStatus = true
				break
			}
		}
		if !knownStatus {
			return fmt.Errorf("unknown activity status %q", a.Status)
		}
	}
	return nil
}
