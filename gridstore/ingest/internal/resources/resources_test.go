package resources

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	gerrors "github.com/gridstore/gridstore-go/gridstore/errors"
	"github.com/gridstore/gridstore-go/gridstore/ingest/internal/conn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeMgmt fakes the service's resource discovery endpoint.
type fakeMgmt struct {
	mu sync.Mutex

	resourceRows [][]interface{}
	authToken    string

	resourcesErr error
	authErr      error

	// onResources is called, unlocked, at the start of every resources query.
	onResources func()

	calls map[string]int
}

func newFakeMgmt(resourceRows [][]interface{}) *fakeMgmt {
	return &fakeMgmt{
		resourceRows: resourceRows,
		authToken:    "authorization-context-token",
		calls:        map[string]int{},
	}
}

func (f *fakeMgmt) Mgmt(ctx context.Context, db, query string) (*conn.Table, error) {
	if query == showIngestionResources && f.onResources != nil {
		f.onResources()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[query]++

	switch query {
	case showIngestionResources:
		if f.resourcesErr != nil {
			return nil, f.resourcesErr
		}
		return &conn.Table{
			TableName: "Table_0",
			Columns: []conn.Column{
				{ColumnName: "ResourceTypeName", DataType: "string"},
				{ColumnName: "StorageRoot", DataType: "string"},
			},
			Rows: f.resourceRows,
		}, nil
	case showIdentityToken:
		if f.authErr != nil {
			return nil, f.authErr
		}
		return &conn.Table{
			TableName: "Table_0",
			Columns: []conn.Column{
				{ColumnName: "AuthorizationContext", DataType: "string"},
			},
			Rows: [][]interface{}{{f.authToken}},
		}, nil
	}
	return nil, errors.New("unexpected query: " + query)
}

func (f *fakeMgmt) count(query string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[query]
}

func defaultRows() [][]interface{} {
	return [][]interface{}{
		{"TempStorage", "https://account.blob.core.windows.net/storage-a?sas=a"},
		{"TempStorage", "https://account.blob.core.windows.net/storage-b?sas=b"},
		{"SecuredReadyForAggregationQueue", "https://account.queue.core.windows.net/ready-queue?sas=c"},
		{"IngestionsStatusTable", "https://account.table.core.windows.net/status?sas=d"},
		{"FailedIngestionsQueue", "https://account.queue.core.windows.net/failed?sas=e"},
		{"SuccessfulIngestionsQueue", "https://account.queue.core.windows.net/success?sas=f"},
		{"SomeFutureResource", "https://account.queue.core.windows.net/future?sas=g"},
	}
}

func TestLeaseRoundRobin(t *testing.T) {
	t.Parallel()

	fake := newFakeMgmt(defaultRows())
	mgr, err := New(fake)
	require.NoError(t, err)
	defer mgr.Close()

	want := []string{"storage-a", "storage-b", "storage-a", "storage-b"}
	for i, w := range want {
		u, err := mgr.Lease(context.Background(), TempStorage)
		require.NoError(t, err)
		assert.Equal(t, w, u.ObjectName(), "lease %d", i)
	}

	// The whole set is served from one discovery call.
	assert.Equal(t, 1, fake.count(showIngestionResources))
}

func TestLeaseUnknownKindsAreSkipped(t *testing.T) {
	t.Parallel()

	fake := newFakeMgmt(defaultRows())
	mgr, err := New(fake)
	require.NoError(t, err)
	defer mgr.Close()

	u, err := mgr.Lease(context.Background(), StatusTable)
	require.NoError(t, err)
	assert.Equal(t, "status", u.ObjectName())
}

func TestLeaseNoResource(t *testing.T) {
	t.Parallel()

	fake := newFakeMgmt([][]interface{}{
		{"TempStorage", "https://account.blob.core.windows.net/storage-a?sas=a"},
	})
	mgr, err := New(fake)
	require.NoError(t, err)
	defer mgr.Close()

	_, err = mgr.Lease(context.Background(), AggregationQueue)
	require.Error(t, err)
	assert.Equal(t, gerrors.KNoResource, gerrors.GetKind(err))
	assert.False(t, gerrors.Retry(err))

	err = mgr.Available(context.Background(), AggregationQueue)
	require.Error(t, err)
	assert.Equal(t, gerrors.KNoResource, gerrors.GetKind(err))
}

func TestAvailableDoesNotAdvanceRotation(t *testing.T) {
	t.Parallel()

	fake := newFakeMgmt(defaultRows())
	mgr, err := New(fake)
	require.NoError(t, err)
	defer mgr.Close()

	require.NoError(t, mgr.Available(context.Background(), TempStorage))

	u, err := mgr.Lease(context.Background(), TempStorage)
	require.NoError(t, err)
	assert.Equal(t, "storage-a", u.ObjectName())
}

func TestDiscoveryFailure(t *testing.T) {
	t.Parallel()

	fake := newFakeMgmt(nil)
	fake.resourcesErr = errors.New("the service is down")

	mgr, err := New(fake)
	require.NoError(t, err)
	defer mgr.Close()

	_, err = mgr.Lease(context.Background(), TempStorage)
	require.Error(t, err)
	assert.Equal(t, gerrors.KDiscovery, gerrors.GetKind(err))
	assert.True(t, gerrors.Retry(err))
}

func TestBadStorageRootFailsDiscovery(t *testing.T) {
	t.Parallel()

	fake := newFakeMgmt([][]interface{}{
		{"TempStorage", "ftp://account.blob.core.windows.net/storage-a"},
	})
	mgr, err := New(fake)
	require.NoError(t, err)
	defer mgr.Close()

	_, err = mgr.Lease(context.Background(), TempStorage)
	require.Error(t, err)
	assert.Equal(t, gerrors.KDiscovery, gerrors.GetKind(err))
}

func TestAuthContext(t *testing.T) {
	t.Parallel()

	fake := newFakeMgmt(defaultRows())
	mgr, err := New(fake)
	require.NoError(t, err)
	defer mgr.Close()

	auth, err := mgr.AuthContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "authorization-context-token", auth)

	// Served from the same cached generation as the endpoints.
	_, err = mgr.Lease(context.Background(), TempStorage)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.count(showIdentityToken))
}

func TestInvalidateForcesRefetch(t *testing.T) {
	t.Parallel()

	fake := newFakeMgmt(defaultRows())
	mgr, err := New(fake)
	require.NoError(t, err)
	defer mgr.Close()

	_, err = mgr.Lease(context.Background(), TempStorage)
	require.NoError(t, err)
	_, err = mgr.Lease(context.Background(), TempStorage)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.count(showIngestionResources))

	mgr.Invalidate()

	_, err = mgr.Lease(context.Background(), TempStorage)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.count(showIngestionResources))
}

func TestStaleServedOnRefreshFailure(t *testing.T) {
	t.Parallel()

	fake := newFakeMgmt(defaultRows())
	mgr, err := New(fake)
	require.NoError(t, err)
	defer mgr.Close()

	_, err = mgr.Lease(context.Background(), TempStorage)
	require.NoError(t, err)

	// Age the cached generation past its interval and make the next fetch fail.
	mgr.cached.Load().fetched = time.Now().Add(-time.Hour)
	fake.mu.Lock()
	fake.resourcesErr = errors.New("the service is down")
	fake.mu.Unlock()

	u, err := mgr.Lease(context.Background(), TempStorage)
	require.NoError(t, err)
	assert.NotEmpty(t, u.ObjectName())
	assert.Equal(t, 2, fake.count(showIngestionResources))
}

func TestRefreshCollapse(t *testing.T) {
	t.Parallel()

	fake := newFakeMgmt(defaultRows())

	entered := make(chan struct{})
	release := make(chan struct{})
	enteredOnce := sync.Once{}
	fake.onResources = func() {
		enteredOnce.Do(func() { close(entered) })
		<-release
	}

	mgr, err := New(fake)
	require.NoError(t, err)
	defer mgr.Close()

	first := make(chan error, 1)
	go func() {
		first <- mgr.Refresh(context.Background())
	}()
	<-entered

	// Everyone arriving while the first call is in flight must wait for it instead of
	// issuing their own.
	wg := sync.WaitGroup{}
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- mgr.Refresh(context.Background())
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-first)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, 1, fake.count(showIngestionResources))
}

func TestConcurrentLease(t *testing.T) {
	t.Parallel()

	fake := newFakeMgmt(defaultRows())
	mgr, err := New(fake)
	require.NoError(t, err)
	defer mgr.Close()

	const n = 100

	seen := sync.Map{}
	wg := sync.WaitGroup{}
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			u, err := mgr.Lease(context.Background(), TempStorage)
			if err != nil {
				t.Error(err)
				return
			}
			seen.Store(u.ObjectName(), true)
		}()
	}
	wg.Wait()

	// Leases rotate, so both endpoints must be used.
	_, okA := seen.Load("storage-a")
	_, okB := seen.Load("storage-b")
	assert.True(t, okA && okB, "expected the rotation to touch both endpoints")
}
