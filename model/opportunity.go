package model

import "fmt"

// StageChange is one entry of an opportunity's append-only stage history.
type StageChange struct {
	From      Stage  `json:"from"`
	To        Stage  `json:"to"`
	ChangedAt Time   `json:"changed_at"`
	ChangedBy string `json:"changed_by,omitempty"`
}

// Opportunity is a potential deal moving through the pipeline.
type Opportunity struct {
	Envelope
	Name              string        `json:"name,omitempty"`
	AccountID         string        `json:"account_id,omitempty"`
	ContactID         string        `json:"contact_id,omitempty"`
	Stage             Stage         `json:"stage,omitempty"`
	Probability       int64         `json:"probability"`
	Amount            float64       `json:"amount"`
	Currency          string        `json:"currency,omitempty"`
	ExpectedCloseDate *Time         `json:"expected_close_date,omitempty"`
	ActualCloseDate   *Time         `json:"actual_close_date,omitempty"`
	OpportunityType   string        `json:"opportunity_type,omitempty"`
	LeadSource        string        `json:"lead_source,omitempty"`
	Priority          string        `json:"priority,omitempty"`
	NextStep          string        `json:"next_step,omitempty"`
	Competitor        string        `json:"competitor,omitempty"`
	LossReason        string        `json:"loss_reason,omitempty"`
	IsClosed          bool          `json:"is_closed"`
	IsWon             bool          `json:"is_won"`
	StageHistory      []StageChange `json:"stage_history,omitempty"`
}

func (o *Opportunity) Type() EntityType { return EntityOpportunity }

func (o *Opportunity) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("opportunity requires a name")
	}
	if _, err := ParseStage(string(o.Stage)); err != nil {
		return err
	}
	if o.Amount < 0 {
		return fmt.Errorf("negative amount %v", o.Amount)
	}
	if o.Probability < 0 || o.Probability > 100 {
		return fmt.Errorf("probability %d outside [0, 100]", o.Probability)
	}
	return nil
}

// WeightedAmount is the amount scaled by win probability.
func (o *Opportunity) WeightedAmount() float64 {
	return o.Amount * float64(o.Probability) / 100
}

// SetStage moves the opportunity to a stage, appending exactly one history
// entry when the stage actually changes and maintaining the closed flags.
func (o *Opportunity) SetStage(next Stage, at Time, by string) {
	if next != o.Stage {
		o.StageHistory = append(o.StageHistory, StageChange{
			From:      o.Stage,
			To:        next,
			ChangedAt: at,
			ChangedBy: by,
		})
	}
	o.Stage = next
	o.IsClosed = next.Closed()
	o.IsWon = next == StageClosedWon
	if o.IsClosed && o.ActualCloseDate == nil {
		o.ActualCloseDate = &at
	}
}
