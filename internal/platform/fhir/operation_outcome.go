package fhir

// OperationOutcome severity levels per FHIR R4 spec.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4 spec.
const (
	IssueTypeNotFound   = "not-found"
	IssueTypeProcessing = "processing"
	IssueTypeSecurity   = "security"
	IssueTypeException  = "exception"
	IssueTypeSuppressed = "suppressed"
)

// OperationOutcome represents a FHIR OperationOutcome.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	ID           string                  `json:"id,omitempty"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Location    []string         `json:"location,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: ResourceTypeOperationOutcome,
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

// OutcomeBuilder provides a fluent API for constructing single-issue outcomes.
type OutcomeBuilder struct {
	outcome *OperationOutcome
}

func NewOutcomeBuilder(id string) *OutcomeBuilder {
	return &OutcomeBuilder{outcome: &OperationOutcome{
		ResourceType: ResourceTypeOperationOutcome,
		ID:           id,
	}}
}

// Issue appends an issue with a details text and location path.
func (b *OutcomeBuilder) Issue(severity, code, details string, location ...string) *OutcomeBuilder {
	issue := OperationOutcomeIssue{
		Severity: severity,
		Code:     code,
	}
	if details != "" {
		issue.Details = &CodeableConcept{Text: details}
	}
	if len(location) > 0 {
		issue.Location = location
	}
	b.outcome.Issue = append(b.outcome.Issue, issue)
	return b
}

func (b *OutcomeBuilder) Build() *OperationOutcome {
	return b.outcome
}
