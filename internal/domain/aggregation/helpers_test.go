package aggregation

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CMSgov/dpc-app-sub000/internal/platform/bfd"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/consent"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/encryption"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/fhir"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/metrics"
)

var testTxTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const fakeNextPrefix = "https://bfd.test/v2/fhir/next/"

func resourceJSON(resourceType, id string, lastUpdated time.Time) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"resourceType":%q,"id":%q,"meta":{"lastUpdated":%q}}`,
		resourceType, id, lastUpdated.Format(time.RFC3339Nano)))
}

func bundleOf(lastUpdated time.Time, resources ...json.RawMessage) *fhir.Bundle {
	lu := lastUpdated
	b := &fhir.Bundle{ResourceType: fhir.ResourceTypeBundle, Type: "searchset", Meta: &fhir.Meta{LastUpdated: &lu}}
	for _, r := range resources {
		b.Entry = append(b.Entry, fhir.BundleEntry{Resource: r})
	}
	return b
}

// fakeClient serves canned bundles keyed by "<type>/<beneID>".
type fakeClient struct {
	mu        sync.Mutex
	patients  map[string][]json.RawMessage
	pages     map[string][]*fhir.Bundle
	failures  map[string][]error
	calls     map[string]int
	onResolve func(mbi string)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		patients: make(map[string][]json.RawMessage),
		pages:    make(map[string][]*fhir.Bundle),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

func (f *fakeClient) addPatient(mbi, beneID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patients[mbi] = append(f.patients[mbi], resourceJSON(fhir.ResourceTypePatient, beneID, testTxTime.Add(-time.Hour)))
}

// addPages registers the pages of a search, linking each to the next.
func (f *fakeClient) addPages(resourceType, beneID string, pages ...*fhir.Bundle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := resourceType + "/" + beneID
	for i := range pages {
		if i+1 < len(pages) {
			pages[i].Link = []fhir.BundleLink{{Relation: fhir.LinkNext, URL: fmt.Sprintf("%s%s/%d", fakeNextPrefix, key, i+1)}}
		}
	}
	f.pages[key] = pages
}

// fail queues errors returned, one per request, before any page is served.
func (f *fakeClient) fail(key string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = append(f.failures[key], errs...)
}

func (f *fakeClient) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeClient) take(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	if errs := f.failures[key]; len(errs) > 0 {
		f.failures[key] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *fakeClient) page(key string, i int) *fhir.Bundle {
	f.mu.Lock()
	defer f.mu.Unlock()
	pages := f.pages[key]
	if i >= len(pages) {
		return bundleOf(testTxTime.Add(time.Minute))
	}
	return pages[i]
}

func (f *fakeClient) RequestPatientByMBI(_ context.Context, mbi string, _ bfd.Headers) (*fhir.Bundle, error) {
	f.mu.Lock()
	hook := f.onResolve
	matches := f.patients[mbi]
	f.mu.Unlock()
	if hook != nil {
		hook(mbi)
	}
	if err := f.take("resolve/" + mbi); err != nil {
		return nil, err
	}
	return bundleOf(testTxTime.Add(time.Minute), matches...), nil
}

func (f *fakeClient) search(resourceType, beneID string) (*fhir.Bundle, error) {
	key := resourceType + "/" + beneID
	if err := f.take(key); err != nil {
		return nil, err
	}
	return f.page(key, 0), nil
}

func (f *fakeClient) RequestPatient(_ context.Context, beneID string, _ *bfd.LastUpdated, _ bfd.Headers) (*fhir.Bundle, error) {
	return f.search(fhir.ResourceTypePatient, beneID)
}

func (f *fakeClient) RequestEOB(_ context.Context, beneID string, _ *bfd.LastUpdated, _ bfd.Headers) (*fhir.Bundle, error) {
	return f.search(fhir.ResourceTypeExplanationOfBenefit, beneID)
}

func (f *fakeClient) RequestCoverage(_ context.Context, beneID string, _ *bfd.LastUpdated, _ bfd.Headers) (*fhir.Bundle, error) {
	return f.search(fhir.ResourceTypeCoverage, beneID)
}

func (f *fakeClient) RequestNextBundle(_ context.Context, nextURL string, _ bfd.Headers) (*fhir.Bundle, error) {
	rest := strings.TrimPrefix(nextURL, fakeNextPrefix)
	slash := strings.LastIndex(rest, "/")
	key := rest[:slash]
	i, err := strconv.Atoi(rest[slash+1:])
	if err != nil {
		return nil, err
	}
	if err := f.take(key); err != nil {
		return nil, err
	}
	return f.page(key, i), nil
}

func (f *fakeClient) RequestCapabilityStatement(context.Context) (*fhir.CapabilityStatement, error) {
	return &fhir.CapabilityStatement{ResourceType: fhir.ResourceTypeCapabilityStatement, Status: "active"}, nil
}

func newTestJob(types ...string) Job {
	if len(types) == 0 {
		types = []string{fhir.ResourceTypeExplanationOfBenefit, fhir.ResourceTypeCoverage}
	}
	return Job{
		ID:              uuid.New(),
		OrganizationID:  uuid.New(),
		OrganizationNPI: "1234567893",
		ResourceTypes:   types,
		TransactionTime: testTxTime,
		RequestingIP:    "127.0.0.1",
		RequestURL:      "https://dpc.test/api/v1/Group/1/$export",
		Bulk:            true,
	}
}

func testKeyPair(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return priv, der
}

type envOptions struct {
	resourcesPerFile int
	encrypt          bool
	consent          consent.Lookup
	retry            RetryPolicy
}

type testEnv struct {
	dir       string
	aggID     uuid.UUID
	client    *fakeClient
	queue     *MemoryQueue
	writer    *Writer
	fetcher   *Fetcher
	processor *Processor
	engine    *Engine
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	collector := metrics.NewCollector(metrics.Config{}, prometheus.NewRegistry())

	var provider *encryption.Provider
	if opts.encrypt {
		var err error
		provider, err = encryption.NewProvider(encryption.Config{})
		if err != nil {
			t.Fatalf("NewProvider: %v", err)
		}
	}
	dir := t.TempDir()
	writer, err := NewWriter(WriterConfig{
		ExportPath:        dir,
		ResourcesPerFile:  opts.resourcesPerFile,
		EncryptionEnabled: opts.encrypt,
	}, provider, collector, logger)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	retry := opts.retry
	if retry.MaxAttempts == 0 {
		retry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	}
	client := newFakeClient()
	fetcher := NewFetcher(client, retry, collector, logger)
	queue := NewMemoryQueue(DefaultBatchSize, 0)
	aggID := uuid.New()
	processor := NewProcessor(ProcessorConfig{
		AggregatorID: aggID,
		Queue:        queue,
		Fetcher:      fetcher,
		Writer:       writer,
		Consent:      opts.consent,
		Metrics:      collector,
		Logger:       logger,
	})
	engine := NewEngine(EngineConfig{
		AggregatorID: aggID,
		Queue:        queue,
		Processor:    processor,
		Writer:       writer,
		Metrics:      collector,
		Logger:       logger,
		PollInterval: 5 * time.Millisecond,
	})
	return &testEnv{
		dir:       dir,
		aggID:     aggID,
		client:    client,
		queue:     queue,
		writer:    writer,
		fetcher:   fetcher,
		processor: processor,
		engine:    engine,
	}
}

// drain claims and processes batches until the queue is empty or the engine
// is stopped.
func (env *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	env.engine.running.Store(true)
	for env.engine.running.Load() {
		batch, err := env.engine.claim(ctx)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if batch == nil {
			return
		}
		err = env.engine.processBatch(ctx, batch)
		switch classifyFault(err) {
		case faultNone:
		case faultBatch:
			env.engine.failBatch(ctx, batch, err)
		default:
			t.Fatalf("unexpected fault: %v", err)
		}
	}
}

func (env *testEnv) enqueue(t *testing.T, job Job, patients ...string) []uuid.UUID {
	t.Helper()
	ids, err := env.queue.CreateJob(context.Background(), job, patients)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return ids
}

func (env *testEnv) batch(t *testing.T, id uuid.UUID) *Batch {
	t.Helper()
	b, err := env.queue.GetBatch(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	return b
}

// lines returns every record of resourceType across the batch's files in
// sequence order, decrypting with priv when it is non-nil.
func (env *testEnv) lines(t *testing.T, b *Batch, resourceType string, priv *rsa.PrivateKey) []string {
	t.Helper()
	var files []OutputFile
	for _, f := range b.Files {
		if f.ResourceType == resourceType {
			files = append(files, f)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Sequence < files[j].Sequence })

	var out []string
	for _, f := range files {
		data, err := os.ReadFile(env.writer.Path(f))
		if err != nil {
			t.Fatalf("read %s: %v", f.FileName, err)
		}
		if priv != nil {
			md, err := os.ReadFile(env.writer.MetadataPath(f))
			if err != nil {
				t.Fatalf("read metadata for %s: %v", f.FileName, err)
			}
			if data, err = encryption.Decrypt(md, data, priv); err != nil {
				t.Fatalf("decrypt %s: %v", f.FileName, err)
			}
		}
		raws, err := fhir.ReadNDJSON(strings.NewReader(string(data)))
		if err != nil {
			t.Fatalf("parse %s: %v", f.FileName, err)
		}
		if len(raws) != f.Count {
			t.Errorf("%s: %d lines, recorded count %d", f.FileName, len(raws), f.Count)
		}
		for _, r := range raws {
			out = append(out, string(r))
		}
	}
	return out
}

type failingLookup struct{}

func (failingLookup) GetConsent(context.Context, string) ([]consent.Result, error) {
	return nil, fmt.Errorf("consent service unavailable")
}
