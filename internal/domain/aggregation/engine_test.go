package aggregation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/CMSgov/dpc-app-sub000/internal/platform/fhir"
)

// seedPatients registers n patients, each with one EOB and one Coverage.
func seedPatients(env *testEnv, n int) []string {
	mbis := make([]string, n)
	for i := range mbis {
		mbi := fmt.Sprintf("1SQ3F00AA%02d", i)
		bene := fmt.Sprintf("-1999000000%04d", i)
		env.client.addPatient(mbi, bene)
		env.client.addPages(fhir.ResourceTypeExplanationOfBenefit, bene,
			bundleOf(testTxTime, eob("eob-"+bene)))
		env.client.addPages(fhir.ResourceTypeCoverage, bene,
			bundleOf(testTxTime, resourceJSON(fhir.ResourceTypeCoverage, "cov-"+bene, testTxTime.Add(-time.Hour))))
		mbis[i] = mbi
	}
	return mbis
}

func TestEngine_CompletesBatchWithChecksums(t *testing.T) {
	env := newTestEnv(t, envOptions{resourcesPerFile: 2})
	ids := env.enqueue(t, newTestJob(), seedPatients(env, 5)...)

	env.drain(t)

	b := env.batch(t, ids[0])
	if b.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", b.Status)
	}
	if b.ProcessedCount() != 5 {
		t.Errorf("expected 5 processed patients, got %d", b.ProcessedCount())
	}
	// 5 records per type at 2 per file
	if len(b.Files) != 6 {
		t.Fatalf("expected 6 files, got %d", len(b.Files))
	}
	for _, f := range b.Files {
		data, err := os.ReadFile(env.writer.Path(f))
		if err != nil {
			t.Fatal(err)
		}
		sum := sha256.Sum256(data)
		if f.Checksum != hex.EncodeToString(sum[:]) {
			t.Errorf("%s: checksum mismatch", f.FileName)
		}
		if f.FileLength != int64(len(data)) {
			t.Errorf("%s: expected length %d, got %d", f.FileName, len(data), f.FileLength)
		}
	}
}

func TestEngine_EmptyBatchCompletesImmediately(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ids := env.enqueue(t, newTestJob())

	env.drain(t)

	b := env.batch(t, ids[0])
	if b.Status != StatusCompleted || len(b.Files) != 0 {
		t.Errorf("expected completed batch with no files, got %s with %d files", b.Status, len(b.Files))
	}
}

func TestEngine_PauseResumeMatchesUninterruptedRun(t *testing.T) {
	job := newTestJob()

	straight := newTestEnv(t, envOptions{resourcesPerFile: 3})
	straightIDs := straight.enqueue(t, job, seedPatients(straight, 6)...)
	straight.drain(t)
	want := straight.batch(t, straightIDs[0])

	env := newTestEnv(t, envOptions{resourcesPerFile: 3})
	patients := seedPatients(env, 6)
	ids := env.enqueue(t, job, patients...)
	env.client.onResolve = func(mbi string) {
		if mbi == patients[3] {
			env.engine.Stop()
		}
	}
	env.drain(t)

	paused := env.batch(t, ids[0])
	if paused.Status != StatusPaused {
		t.Fatalf("expected PAUSED, got %s", paused.Status)
	}
	if paused.ProcessedCount() != 4 {
		t.Fatalf("expected the in-flight patient to finish before pausing, processed %d", paused.ProcessedCount())
	}

	env.client.onResolve = nil
	env.drain(t)

	got := env.batch(t, ids[0])
	if got.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED after resume, got %s", got.Status)
	}
	for _, rt := range job.ResourceTypes {
		if !reflect.DeepEqual(env.lines(t, got, rt, nil), straight.lines(t, want, rt, nil)) {
			t.Errorf("%s: resumed output differs from uninterrupted output", rt)
		}
	}
	if len(got.Files) != len(want.Files) {
		t.Errorf("expected %d files, got %d", len(want.Files), len(got.Files))
	}
	for i := range got.Files {
		if got.Files[i].Sequence != want.Files[i].Sequence || got.Files[i].Count != want.Files[i].Count {
			t.Errorf("file %d: got %d/%d, want %d/%d", i,
				got.Files[i].Sequence, got.Files[i].Count, want.Files[i].Sequence, want.Files[i].Count)
		}
	}
}

func TestEngine_FatalFaultFailsBatch(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	patients := seedPatients(env, 3)
	// the second patient's data predates the job
	env.client.addPages(fhir.ResourceTypeExplanationOfBenefit, "-19990000000001",
		bundleOf(testTxTime.Add(-time.Minute), eob("stale")))
	ids := env.enqueue(t, newTestJob(), patients...)

	env.drain(t)

	b := env.batch(t, ids[0])
	if b.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", b.Status)
	}
	if n := env.client.callCount("resolve/" + patients[2]); n != 0 {
		t.Errorf("expected no work after the fatal fault, third patient resolved %d times", n)
	}
	if len(b.Files) == 0 {
		t.Fatal("expected the first patient's files to be recorded")
	}
	for _, f := range b.Files {
		if f.Checksum != "" || f.FileLength != 0 {
			t.Errorf("%s: failed batch should not be checksummed, got %q/%d", f.FileName, f.Checksum, f.FileLength)
		}
	}
}

type failRefusingQueue struct {
	*MemoryQueue
}

func (failRefusingQueue) FailBatch(context.Context, *Batch, uuid.UUID) error {
	return errors.New("connection reset")
}

func TestEngine_FailBatchErrorLeavesBatchRunning(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	patients := seedPatients(env, 3)
	env.client.addPages(fhir.ResourceTypeExplanationOfBenefit, "-19990000000001",
		bundleOf(testTxTime.Add(-time.Minute), eob("stale")))

	failing := newTestJob()
	failing.Bulk = false
	failedIDs := env.enqueue(t, failing, patients...)
	healthyIDs := env.enqueue(t, newTestJob(fhir.ResourceTypeCoverage), patients...)

	engine := NewEngine(EngineConfig{
		AggregatorID: env.aggID,
		Queue:        failRefusingQueue{env.queue},
		Processor:    env.processor,
		Writer:       env.writer,
		PollInterval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for env.batch(t, healthyIDs[0]).Status != StatusCompleted {
		select {
		case err := <-done:
			t.Fatalf("engine stopped early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the second batch")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if b := env.batch(t, failedIDs[0]); b.Status != StatusRunning {
		t.Errorf("expected the unmarkable batch to stay RUNNING, got %s", b.Status)
	}
	if !engine.IsRunning() {
		t.Error("expected the engine to keep polling")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestEngine_HeartbeatDuringLongBatch(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	patients := seedPatients(env, 3)
	env.enqueue(t, newTestJob(), patients...)

	check := EngineCheck(env.engine, time.Minute)
	var midBatch error
	checked := false
	env.client.onResolve = func(mbi string) {
		switch mbi {
		case patients[0]:
			// pretend the first patient took longer than the staleness window
			env.engine.lastPoll.Store(time.Now().Add(-2 * time.Minute).UnixNano())
		case patients[1]:
			midBatch = check.Fn(context.Background())
			checked = true
		}
	}

	env.drain(t)

	if !checked {
		t.Fatal("expected the second patient to be resolved")
	}
	if midBatch != nil {
		t.Errorf("expected the engine to stay ready between patients, got %v", midBatch)
	}
}

func TestEngine_EncryptedRoundTrip(t *testing.T) {
	priv, pub := testKeyPair(t)
	env := newTestEnv(t, envOptions{resourcesPerFile: 10, encrypt: true})
	job := newTestJob()
	job.RecipientPublicKey = pub
	ids := env.enqueue(t, job, seedPatients(env, 3)...)

	env.drain(t)

	b := env.batch(t, ids[0])
	if b.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", b.Status)
	}
	for _, f := range b.Files {
		if _, err := os.Stat(env.writer.MetadataPath(f)); err != nil {
			t.Errorf("%s: missing metadata: %v", f.FileName, err)
		}
	}
	lines := env.lines(t, b, fhir.ResourceTypeCoverage, priv)
	if len(lines) != 3 {
		t.Fatalf("expected 3 decrypted Coverage records, got %d", len(lines))
	}
	rec, err := fhir.DecodeRecord([]byte(lines[0]))
	if err != nil || rec.ID != "cov--19990000000000" {
		t.Errorf("unexpected first record %q: %v", lines[0], err)
	}
}

func TestEngine_RunProcessesQueueUntilCancelled(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ids := env.enqueue(t, newTestJob(), seedPatients(env, 2)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.engine.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for env.batch(t, ids[0]).Status != StatusCompleted {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("timed out waiting for the batch to complete")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if env.engine.LastPoll().IsZero() {
		t.Error("expected a recorded poll time")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	if env.engine.IsRunning() {
		t.Error("expected engine to report stopped")
	}
}

type brokenQueue struct {
	*MemoryQueue
}

func (brokenQueue) ClaimBatch(context.Context, uuid.UUID) (*Batch, error) {
	return nil, errors.New("connection refused")
}

func TestEngine_RunStopsOnQueueFailure(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	engine := NewEngine(EngineConfig{
		AggregatorID: env.aggID,
		Queue:        brokenQueue{env.queue},
		Processor:    env.processor,
		Writer:       env.writer,
		PollInterval: time.Millisecond,
	})

	err := engine.Run(context.Background())
	var ce *ClaimError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ClaimError, got %v", err)
	}
}

func TestClassifyFault(t *testing.T) {
	tests := []struct {
		err  error
		want fault
	}{
		{nil, faultNone},
		{&ClaimError{Err: errors.New("down")}, faultEngine},
		{fmt.Errorf("fetch next patient: %w", ErrWrongAggregator), faultLostBatch},
		{fmt.Errorf("patient 2: %w", ErrTransactionTimeRegression), faultBatch},
		{&WriteError{Err: errors.New("disk full")}, faultBatch},
	}
	for _, tt := range tests {
		if got := classifyFault(tt.err); got != tt.want {
			t.Errorf("classifyFault(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
