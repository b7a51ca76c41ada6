package aggregation

import (
	"fmt"

	"github.com/CMSgov/dpc-app-sub000/internal/platform/fhir"
)

// OutcomeReason classifies why a resource could not be exported.
type OutcomeReason string

const (
	ReasonInternalError   OutcomeReason = "INTERNAL_ERROR"
	ReasonConsentOptedOut OutcomeReason = "CONSENT_OPTED_OUT"
	ReasonNotFound        OutcomeReason = "NOT_FOUND"
	ReasonUpstreamError   OutcomeReason = "BFD_ERROR"
)

// Details is the default human-readable text for the reason.
func (r OutcomeReason) Details() string {
	switch r {
	case ReasonConsentOptedOut:
		return "Data not available for opted out patient"
	case ReasonNotFound:
		return "Patient not found in Blue Button"
	case ReasonUpstreamError:
		return "Blue Button error"
	default:
		return "Internal Server Error"
	}
}

// ErrorRecord stands in for a resource that could not be fetched. It is
// exported as an OperationOutcome.
type ErrorRecord struct {
	Reason       OutcomeReason
	Details      string
	ResourceType string
	PatientID    string
}

// NewErrorRecord builds an ErrorRecord using the reason's default details.
func NewErrorRecord(reason OutcomeReason, resourceType, patientID string) *ErrorRecord {
	return &ErrorRecord{
		Reason:       reason,
		Details:      reason.Details(),
		ResourceType: resourceType,
		PatientID:    patientID,
	}
}

func (e *ErrorRecord) Error() string {
	return fmt.Sprintf("%s for %s of patient %s: %s", e.Reason, e.ResourceType, e.PatientID, e.Details)
}

// Outcome renders the record as a FHIR OperationOutcome.
func (e *ErrorRecord) Outcome() *fhir.OperationOutcome {
	return fhir.NewOutcomeBuilder(e.PatientID).
		Issue(fhir.IssueSeverityError, fhir.IssueTypeException, e.Details, fhir.ResourceTypePatient, "id", e.PatientID).
		Build()
}

// Record encodes the outcome so it can share the writer path with ordinary
// resources.
func (e *ErrorRecord) Record() (fhir.Record, error) {
	return fhir.NewRecord(e.Outcome())
}
