package aggregation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/CMSgov/dpc-app-sub000/internal/platform/bfd"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/fhir"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/metrics"
)

var (
	// ErrTransactionTimeRegression means the upstream server's data is older
	// than the job's transaction time. The batch cannot be exported safely.
	ErrTransactionTimeRegression = errors.New("upstream transaction time precedes job transaction time")
	// ErrResourceTypeMismatch means a search returned a resource of a type
	// other than the one requested.
	ErrResourceTypeMismatch = errors.New("unexpected resource type in upstream response")
	// ErrPatientResolution means a patient identifier matched zero or several
	// upstream patients.
	ErrPatientResolution = errors.New("patient could not be resolved")
)

// Client is the subset of the upstream API the fetcher uses.
type Client interface {
	RequestPatientByMBI(ctx context.Context, mbi string, h bfd.Headers) (*fhir.Bundle, error)
	RequestPatient(ctx context.Context, beneID string, lu *bfd.LastUpdated, h bfd.Headers) (*fhir.Bundle, error)
	RequestEOB(ctx context.Context, beneID string, lu *bfd.LastUpdated, h bfd.Headers) (*fhir.Bundle, error)
	RequestCoverage(ctx context.Context, beneID string, lu *bfd.LastUpdated, h bfd.Headers) (*fhir.Bundle, error)
	RequestNextBundle(ctx context.Context, nextURL string, h bfd.Headers) (*fhir.Bundle, error)
	RequestCapabilityStatement(ctx context.Context) (*fhir.CapabilityStatement, error)
}

// RetryPolicy bounds retries of a single upstream request.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when a zero policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

func (p RetryPolicy) options(notify backoff.Notify) []backoff.RetryOption {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return []backoff.RetryOption{
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	}
}

// ResolvedPatient ties an export patient identifier to its upstream record.
type ResolvedPatient struct {
	MBI    string
	BeneID string
	Record fhir.Record
}

// Fetcher retrieves every resource of one type for one patient, following
// pagination and converting recoverable failures into ErrorRecords.
type Fetcher struct {
	client  Client
	retry   RetryPolicy
	metrics *metrics.Collector
	logger  zerolog.Logger
}

func NewFetcher(client Client, retry RetryPolicy, collector *metrics.Collector, logger zerolog.Logger) *Fetcher {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if retry.MaxInterval <= 0 {
		retry.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	return &Fetcher{
		client:  client,
		retry:   retry,
		metrics: collector,
		logger:  logger.With().Str("component", "fetcher").Logger(),
	}
}

func jobHeaders(job Job) bfd.Headers {
	return bfd.Headers{
		JobID:        job.ID.String(),
		RequestURL:   job.RequestURL,
		RequestingIP: job.RequestingIP,
		Bulk:         job.Bulk,
	}
}

func jobRange(job Job) *bfd.LastUpdated {
	return &bfd.LastUpdated{Since: job.Since, Until: job.TransactionTime}
}

// withRetry runs req under the retry policy. Errors bfd does not consider
// transient are returned immediately.
func (f *Fetcher) withRetry(ctx context.Context, resourceType string, req func() (*fhir.Bundle, error)) (*fhir.Bundle, error) {
	op := func() (*fhir.Bundle, error) {
		b, err := req()
		if err != nil && !bfd.Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return b, err
	}
	notify := func(err error, wait time.Duration) {
		f.metrics.FetchRetried(resourceType)
		f.logger.Warn().Err(err).
			Str("resource_type", resourceType).
			Dur("wait", wait).
			Msg("retrying upstream request")
	}
	bundle, err := backoff.Retry(ctx, op, f.retry.options(notify)...)
	if err != nil {
		// the final attempt comes back still wrapped
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, err
	}
	return bundle, nil
}

// ResolvePatient looks the patient up by MBI. Anything other than exactly
// one match is ErrPatientResolution.
func (f *Fetcher) ResolvePatient(ctx context.Context, job Job, mbi string) (*ResolvedPatient, error) {
	h := jobHeaders(job)
	b, err := f.withRetry(ctx, fhir.ResourceTypePatient, func() (*fhir.Bundle, error) {
		return f.client.RequestPatientByMBI(ctx, mbi, h)
	})
	if errors.Is(err, bfd.ErrNotFound) {
		return nil, fmt.Errorf("%w: no patient matches %s", ErrPatientResolution, mbi)
	}
	if err != nil {
		return nil, err
	}
	records, err := b.Records()
	if err != nil {
		return nil, &bfd.DecodeError{Err: err}
	}
	if len(records) != 1 {
		return nil, fmt.Errorf("%w: %d patients match %s", ErrPatientResolution, len(records), mbi)
	}
	if records[0].ResourceType != fhir.ResourceTypePatient {
		return nil, fmt.Errorf("%w: got %s resolving patient", ErrResourceTypeMismatch, records[0].ResourceType)
	}
	return &ResolvedPatient{MBI: mbi, BeneID: records[0].ID, Record: records[0]}, nil
}

// Fetch returns every resourceType record for the patient. A recoverable
// failure comes back as an ErrorRecord alongside whatever was fetched before
// it; the error return is reserved for faults that must fail the batch.
func (f *Fetcher) Fetch(ctx context.Context, job Job, patient *ResolvedPatient, resourceType string) ([]fhir.Record, *ErrorRecord, error) {
	if resourceType == fhir.ResourceTypePatient && patient.Record.LastUpdated != nil {
		var out []fhir.Record
		if job.Since == nil || patient.Record.LastUpdated.After(*job.Since) {
			out = append(out, patient.Record)
		}
		f.metrics.ResourcesFetched(resourceType, len(out))
		return out, nil, nil
	}

	h := jobHeaders(job)
	lu := jobRange(job)
	first := func() (*fhir.Bundle, error) {
		switch resourceType {
		case fhir.ResourceTypePatient:
			return f.client.RequestPatient(ctx, patient.BeneID, lu, h)
		case fhir.ResourceTypeExplanationOfBenefit:
			return f.client.RequestEOB(ctx, patient.BeneID, lu, h)
		case fhir.ResourceTypeCoverage:
			return f.client.RequestCoverage(ctx, patient.BeneID, lu, h)
		default:
			return nil, fmt.Errorf("%w: %s is not exportable", ErrResourceTypeMismatch, resourceType)
		}
	}

	var records []fhir.Record
	bundle, err := f.withRetry(ctx, resourceType, first)
	for err == nil {
		var page []fhir.Record
		page, err = checkPage(job, resourceType, bundle)
		if err != nil {
			break
		}
		records = append(records, page...)

		next, ok := bundle.NextLink()
		if !ok {
			break
		}
		bundle, err = f.withRetry(ctx, resourceType, func() (*fhir.Bundle, error) {
			return f.client.RequestNextBundle(ctx, next, h)
		})
	}
	f.metrics.ResourcesFetched(resourceType, len(records))

	if err == nil {
		return records, nil, nil
	}
	if IsFatal(err) {
		return nil, nil, err
	}
	f.logger.Error().Err(err).
		Str("job_id", job.ID.String()).
		Str("resource_type", resourceType).
		Msg("fetch failed; recording operation outcome")
	return records, upstreamErrorRecord(resourceType, patient.MBI, err), nil
}

// checkPage validates one bundle and decodes its entries.
func checkPage(job Job, resourceType string, b *fhir.Bundle) ([]fhir.Record, error) {
	if b.Meta != nil && b.Meta.LastUpdated != nil && b.Meta.LastUpdated.Before(job.TransactionTime) {
		return nil, fmt.Errorf("%w: upstream %s, job %s", ErrTransactionTimeRegression,
			b.Meta.LastUpdated.UTC().Format(time.RFC3339Nano), job.TransactionTime.UTC().Format(time.RFC3339Nano))
	}
	records, err := b.Records()
	if err != nil {
		return nil, &bfd.DecodeError{Err: err}
	}
	for _, r := range records {
		if r.ResourceType != resourceType {
			return nil, fmt.Errorf("%w: got %s, expected %s", ErrResourceTypeMismatch, r.ResourceType, resourceType)
		}
	}
	return records, nil
}

// upstreamErrorRecord converts a fetch failure into an ErrorRecord.
func upstreamErrorRecord(resourceType, patientID string, err error) *ErrorRecord {
	var se *bfd.StatusError
	switch {
	case errors.Is(err, bfd.ErrNotFound):
		return &ErrorRecord{
			Reason:       ReasonNotFound,
			Details:      fmt.Sprintf("%s resource not found in Blue Button for id: %s", resourceType, patientID),
			ResourceType: resourceType,
			PatientID:    patientID,
		}
	case errors.As(err, &se):
		return &ErrorRecord{
			Reason:       ReasonUpstreamError,
			Details:      fmt.Sprintf("Blue Button error fetching %s resource. HTTP return code: %d", resourceType, se.StatusCode),
			ResourceType: resourceType,
			PatientID:    patientID,
		}
	default:
		return &ErrorRecord{
			Reason:       ReasonInternalError,
			Details:      fmt.Sprintf("Internal error: %s", err.Error()),
			ResourceType: resourceType,
			PatientID:    patientID,
		}
	}
}
