package domain

import "encoding/json"

// DecisionType is the closed set of routing decisions the classifier can make.
type DecisionType string

const (
	DecisionAskQuestion   DecisionType = "ask_question"
	DecisionExecuteDirect DecisionType = "execute_direct_request"
	DecisionHandoff       DecisionType = "handoff_to_coach"
)

// Decision is the classifier's structured output, decoded exactly once at the
// system boundary. All routing logic switches on Type; nothing downstream
// inspects raw provider payloads.
type Decision struct {
	Type DecisionType

	// Question carries the clarifying question for DecisionAskQuestion.
	Question string

	// Action and ActionContext carry the local operation for DecisionExecuteDirect.
	Action        string
	ActionContext json.RawMessage

	// Agents is the non-empty ordered target list for DecisionHandoff.
	Agents []string

	// Confidence is the classifier's self-reported score in [0,1].
	// Zero means the provider did not report one.
	Confidence float64

	// Text is any free text that accompanied the structured output.
	Text string
}
