package aggregation

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/CMSgov/dpc-app-sub000/internal/platform/bfd"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/consent"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/fhir"
)

func claimOne(t *testing.T, env *testEnv) *Batch {
	t.Helper()
	b, err := env.queue.ClaimBatch(context.Background(), env.aggID)
	if err != nil || b == nil {
		t.Fatalf("claim: %v", err)
	}
	return b
}

func nextPatient(t *testing.T, env *testEnv, b *Batch) string {
	t.Helper()
	p, ok, err := env.queue.FetchNextPatient(context.Background(), b, env.aggID)
	if err != nil || !ok {
		t.Fatalf("FetchNextPatient: %v %v", ok, err)
	}
	return p
}

func outcomeDetails(t *testing.T, lines []string) []string {
	t.Helper()
	var out []string
	for _, l := range lines {
		var oo fhir.OperationOutcome
		if err := json.Unmarshal([]byte(l), &oo); err != nil {
			t.Fatal(err)
		}
		out = append(out, oo.Issue[0].Details.Text)
	}
	return out
}

func TestProcessPatient_ErrorIsolation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.client.addPatient(testMBI, testBeneID)
	env.client.addPages(fhir.ResourceTypeCoverage, testBeneID,
		bundleOf(testTxTime, resourceJSON(fhir.ResourceTypeCoverage, "c1", testTxTime.Add(-time.Hour))))
	env.client.fail(eobKey, &bfd.StatusError{StatusCode: 404})

	env.enqueue(t, newTestJob(), testMBI)
	b := claimOne(t, env)
	patient := nextPatient(t, env, b)

	files, err := env.processor.ProcessPatient(context.Background(), b, patient)
	if err != nil {
		t.Fatalf("ProcessPatient: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected Coverage and OperationOutcome files, got %+v", files)
	}

	if got := env.lines(t, b, fhir.ResourceTypeCoverage, nil); len(got) != 1 {
		t.Errorf("expected the Coverage record despite the EOB failure, got %d", len(got))
	}
	if got := env.lines(t, b, fhir.ResourceTypeExplanationOfBenefit, nil); len(got) != 0 {
		t.Errorf("expected no EOB file, got %d records", len(got))
	}
	details := outcomeDetails(t, env.lines(t, b, fhir.ResourceTypeOperationOutcome, nil))
	if len(details) != 1 || !strings.Contains(details[0], "HTTP return code: 404") {
		t.Errorf("unexpected outcomes %v", details)
	}

	stored := env.batch(t, b.ID)
	if stored.ProcessedCount() != 1 || len(stored.Files) != 2 {
		t.Errorf("expected progress to be recorded, got index %v files %d", stored.PatientIndex, len(stored.Files))
	}
}

func TestProcessPatient_ConsentShortCircuits(t *testing.T) {
	optedOut := consent.NewMemoryLookup()
	optedOut.Add(testMBI, consent.Result{Active: true, PolicyType: consent.PolicyOptOut, ConsentDate: testTxTime.Add(-24 * time.Hour)})

	tests := []struct {
		name        string
		lookup      consent.Lookup
		wantDetails string
	}{
		{"opted out", optedOut, ReasonConsentOptedOut.Details()},
		{"lookup failure", failingLookup{}, ReasonInternalError.Details()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, envOptions{consent: tt.lookup})
			env.client.addPatient(testMBI, testBeneID)
			env.enqueue(t, newTestJob(), testMBI)
			b := claimOne(t, env)

			if _, err := env.processor.ProcessPatient(context.Background(), b, nextPatient(t, env, b)); err != nil {
				t.Fatalf("ProcessPatient: %v", err)
			}
			details := outcomeDetails(t, env.lines(t, b, fhir.ResourceTypeOperationOutcome, nil))
			if len(details) != 2 {
				t.Fatalf("expected one outcome per requested type, got %d", len(details))
			}
			for _, d := range details {
				if d != tt.wantDetails {
					t.Errorf("expected %q, got %q", tt.wantDetails, d)
				}
			}
			if n := env.client.callCount("resolve/" + testMBI); n != 0 {
				t.Errorf("expected no upstream calls, got %d", n)
			}
		})
	}
}

func TestProcessPatient_OptedInPatientExported(t *testing.T) {
	lookup := consent.NewMemoryLookup()
	lookup.Add(testMBI, consent.Result{Active: true, PolicyType: consent.PolicyOptOut, ConsentDate: testTxTime.Add(-48 * time.Hour)})
	lookup.Add(testMBI, consent.Result{Active: true, PolicyType: consent.PolicyOptIn, ConsentDate: testTxTime.Add(-24 * time.Hour)})

	env := newTestEnv(t, envOptions{consent: lookup})
	env.client.addPatient(testMBI, testBeneID)
	env.client.addPages(fhir.ResourceTypeExplanationOfBenefit, testBeneID, bundleOf(testTxTime, eob("e1")))
	env.enqueue(t, newTestJob(), testMBI)
	b := claimOne(t, env)

	if _, err := env.processor.ProcessPatient(context.Background(), b, nextPatient(t, env, b)); err != nil {
		t.Fatal(err)
	}
	if got := env.lines(t, b, fhir.ResourceTypeExplanationOfBenefit, nil); len(got) != 1 {
		t.Errorf("expected EOB exported for opted-in patient, got %d", len(got))
	}
	if got := env.lines(t, b, fhir.ResourceTypeOperationOutcome, nil); len(got) != 0 {
		t.Errorf("expected no outcomes, got %v", got)
	}
}

func TestProcessPatient_UnresolvablePatientIsFatal(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.enqueue(t, newTestJob(), testMBI)
	b := claimOne(t, env)

	_, err := env.processor.ProcessPatient(context.Background(), b, nextPatient(t, env, b))
	if !IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if stored := env.batch(t, b.ID); stored.PatientIndex != nil {
		t.Error("expected no progress recorded for a failed patient")
	}
}

func TestProcessPatient_ConcurrentOutcomesShareStream(t *testing.T) {
	env := newTestEnv(t, envOptions{resourcesPerFile: 10})
	env.client.addPatient(testMBI, testBeneID)
	env.client.fail(eobKey, &bfd.StatusError{StatusCode: 400})
	env.client.fail(fhir.ResourceTypeCoverage+"/"+testBeneID, &bfd.StatusError{StatusCode: 401})

	env.enqueue(t, newTestJob(), testMBI)
	b := claimOne(t, env)
	if _, err := env.processor.ProcessPatient(context.Background(), b, nextPatient(t, env, b)); err != nil {
		t.Fatal(err)
	}

	latest, ok := b.LatestFile(fhir.ResourceTypeOperationOutcome)
	if !ok || latest.Sequence != 0 || latest.Count != 2 {
		t.Errorf("expected both outcomes in one file, got %+v", latest)
	}
	if got := len(env.lines(t, b, fhir.ResourceTypeOperationOutcome, nil)); got != 2 {
		t.Errorf("expected 2 outcome lines, got %d", got)
	}
}
