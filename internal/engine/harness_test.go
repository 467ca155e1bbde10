package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timrozday-mgnify/emgapi-v2/internal/cluster"
	"github.com/timrozday-mgnify/emgapi-v2/internal/policy"
	"github.com/timrozday-mgnify/emgapi-v2/internal/store"
	"github.com/timrozday-mgnify/emgapi-v2/pkg/schema"
)

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCluster is an in-memory scheduler double. Handles are assigned
// sequentially; tests flip job states directly.
type fakeCluster struct {
	mu          sync.Mutex
	nextID      int
	submitCalls int
	submitted   map[string]cluster.SubmitRequest // handle -> request
	statuses    map[string]*cluster.JobStatus    // handle -> current status
	statusErr   map[string]error                 // handle -> forced query error
	submitErr   map[string]error                 // job name -> forced submit error
	queueDepth  int
	queueErr    error
	cancelled   []string
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		submitted: make(map[string]cluster.SubmitRequest),
		statuses:  make(map[string]*cluster.JobStatus),
		statusErr: make(map[string]error),
		submitErr: make(map[string]error),
	}
}

func (f *fakeCluster) Submit(_ context.Context, req cluster.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if err := f.submitErr[req.Name]; err != nil {
		return "", err
	}
	f.nextID++
	handle := strconv.Itoa(1000 + f.nextID)
	f.submitted[handle] = req
	f.statuses[handle] = &cluster.JobStatus{RawState: cluster.SlurmStatePending, State: schema.JobStatePending}
	return handle, nil
}

func (f *fakeCluster) Status(_ context.Context, handle string) (*cluster.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statusErr[handle]; err != nil {
		return nil, err
	}
	st, ok := f.statuses[handle]
	if !ok {
		return &cluster.JobStatus{RawState: cluster.SlurmStateUnknown, State: schema.JobStateUnknown}, nil
	}
	cp := *st
	return &cp, nil
}

func (f *fakeCluster) Cancel(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, handle)
	return nil
}

func (f *fakeCluster) QueueDepth(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queueDepth, f.queueErr
}

func (f *fakeCluster) setState(handle, raw string, exitCode *int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[handle] = &cluster.JobStatus{
		RawState: raw,
		State:    cluster.MapSlurmState(raw),
		ExitCode: exitCode,
	}
}

func (f *fakeCluster) setAllStates(raw string, exitCode *int) {
	f.mu.Lock()
	handles := make([]string, 0, len(f.submitted))
	for h := range f.submitted {
		handles = append(handles, h)
	}
	f.mu.Unlock()
	for _, h := range handles {
		f.setState(h, raw, exitCode)
	}
}

func (f *fakeCluster) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func newTestController(t *testing.T, s store.Store, fc *fakeCluster, cfg Config) *Controller {
	t.Helper()
	return NewController(s, fc, NewStoreHost(s), policy.NewEngine(), cfg, testLogger())
}

func testBatch(accessions ...string) schema.BatchSpec {
	bindings := make([]schema.Binding, 0, len(accessions))
	for _, acc := range accessions {
		bindings = append(bindings, schema.Binding{{Key: "accession", Value: acc}})
	}
	return schema.BatchSpec{
		NameTemplate:    "assemble-{accession}",
		CommandTemplate: "assemble --input {accession}",
		Bindings:        bindings,
		Memory:          "4G",
		ExpectedTime:    "2h",
	}
}
