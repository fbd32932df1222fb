package model

import "fmt"

// Stage is a pipeline stage of an opportunity. Source-system stages map
// onto this vocabulary through the field-mapping registry.
type Stage string

const (
	StageLead          Stage = "lead"
	StageQualification Stage = "qualification"
	StageDiscovery     Stage = "discovery"
	StageProposal      Stage = "proposal"
	StageNegotiation   Stage = "negotiation"
	StageClosedWon     Stage = "closed-won"
	StageClosedLost    Stage = "closed-lost"
)

// AllStages is the pipeline order. Closed stages come last.
var AllStages = []Stage{
	StageLead,
	StageQualification,
	StageDiscovery,
	StageProposal,
	StageNegotiation,
	StageClosedWon,
	StageClosedLost,
}

// ParseStage maps a string to a Stage.
func ParseStage(s string) (Stage, error) {
	for _, stage := range AllStages {
		if s == string(stage) {
			return stage, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Closed reports whether the stage is terminal.
func (s Stage) Closed() bool {
	return s == StageClosedWon || s == StageClosedLost
}

// DefaultProbability is the win probability assumed for a stage when the
// source system doesn't carry one.
func (s Stage) DefaultProbability() int64 {
	switch s {
	case StageLead:
		return 10
	case StageQualification:
		return 20
	case StageDiscovery:
		return 40
	case StageProposal:
		return 60
	case StageNegotiation:
		return 80
	case StageClosedWon:
		return 100
	default:
		return 0
	}
}

// ValidateTransition returns an error if a user-originated write may not
// move an opportunity from s to next: closed stages have no outgoing
// transitions, every other move is legal. Connector-originated writes
// bypass this check, since external systems are authoritative for their
// own records.
func (s Stage) ValidateTransition(next Stage) error {
	if _, err := ParseStage(string(next)); err != nil {
		return err
	}
	if s.Closed() && s != next {
		return fmt.Errorf("stage %s is terminal", s)
	}
	return nil
}
