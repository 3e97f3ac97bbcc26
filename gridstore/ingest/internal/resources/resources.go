// Package resources discovers, caches and hands out the service-assigned ingestion
// resources: temp storage containers, notification queues, the status table and the
// authorization context used in ingestion messages.
package resources

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/gridstore/gridstore-go/gridstore/errors"
	"github.com/gridstore/gridstore-go/gridstore/ingest/internal/conn"
	"github.com/gridstore/gridstore-go/gridstore/utils"
)

const (
	showIngestionResources = ".get ingestion resources"
	showIdentityToken      = ".get identity token"

	mgmtDB = "NetDefaultDB"
)

// defaultRefreshInterval is how long a fetched resource set is served before it is
// refreshed from the service.
const defaultRefreshInterval = 10 * time.Minute

// Kind is a category of service-assigned endpoint needed to perform ingestion.
type Kind int

const (
	// KindUnknown indicates the resource kind was not set.
	KindUnknown Kind = 0
	// TempStorage is a blob container payloads are staged into.
	TempStorage Kind = 1
	// AggregationQueue is a queue ingestion notifications are posted to.
	AggregationQueue Kind = 2
	// StatusTable is the table ingestion statuses are reported to.
	StatusTable Kind = 3
	// FailureQueue is the queue the service posts failure reports to.
	FailureQueue Kind = 4
	// SuccessQueue is the queue the service posts success reports to.
	SuccessQueue Kind = 5
)

// String implements fmt.Stringer, returning the service's name for the resource kind.
func (k Kind) String() string {
	switch k {
	case TempStorage:
		return "TempStorage"
	case AggregationQueue:
		return "SecuredReadyForAggregationQueue"
	case StatusTable:
		return "IngestionsStatusTable"
	case FailureQueue:
		return "FailedIngestionsQueue"
	case SuccessQueue:
		return "SuccessfulIngestionsQueue"
	}
	return "UnknownResourceKind"
}

func kindFromString(s string) Kind {
	switch s {
	case "TempStorage":
		return TempStorage
	case "SecuredReadyForAggregationQueue":
		return AggregationQueue
	case "IngestionsStatusTable":
		return StatusTable
	case "FailedIngestionsQueue":
		return FailureQueue
	case "SuccessfulIngestionsQueue":
		return SuccessQueue
	}
	return KindUnknown
}

// MgmtClient is the subset of the management connection the Manager needs. It abstracts
// the service's resource-discovery endpoint so tests can inject a fake.
type MgmtClient interface {
	Mgmt(ctx context.Context, db, query string) (*conn.Table, error)
}

// pool is the set of endpoints of one kind plus the rotation cursor over them. A pool is
// never mutated after construction except for the cursor.
type pool struct {
	uris   []*URI
	cursor uint32
}

// next returns the endpoint at the rotation cursor and advances the cursor exactly once.
func (p *pool) next() *URI {
	n := atomic.AddUint32(&p.cursor, 1)
	return p.uris[int((n-1)%uint32(len(p.uris)))]
}

// cache is one immutable generation of discovered resources. Refreshes build a new cache
// and swap it in whole; leases only ever observe a complete generation.
type cache struct {
	pools       map[Kind]*pool
	authContext string
	fetched     time.Time
}

func (c *cache) expired(interval time.Duration) bool {
	return time.Since(c.fetched) > interval
}

type call struct {
	done chan struct{}
	err  error
}

// Manager owns the service-assigned ingestion resources and the authorization context.
// It is safe for concurrent use: leases rotate through endpoints with an atomic cursor,
// refreshes atomically replace the whole cached generation, and concurrent refresh
// requests collapse into a single discovery call.
type Manager struct {
	client          MgmtClient
	refreshInterval time.Duration

	cached atomic.Pointer[cache]

	mu       sync.Mutex
	inflight *call

	done      chan struct{}
	closeOnce sync.Once
}

// Option is an optional argument to New().
type Option func(m *Manager)

// WithRefreshInterval changes how often cached resources are refreshed from the service.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.refreshInterval = d
	}
}

// New is the constructor for Manager. It starts a background refresher that is stopped
// by Close().
func New(client MgmtClient, options ...Option) (*Manager, error) {
	m := &Manager{
		client:          client,
		refreshInterval: defaultRefreshInterval,
		done:            make(chan struct{}),
	}
	for _, opt := range options {
		opt(m)
	}

	go m.renewResources()

	return m, nil
}

// Close stops the background refresher. The Manager remains usable; resources are then
// refreshed only on demand.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

func (m *Manager) renewResources() {
	tick := time.NewTicker(m.interval())
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if err := m.refresh(context.Background()); err != nil {
				utils.Logger.Warn().Err(err).Msg("background resource refresh failed")
			}
		case <-m.done:
			return
		}
	}
}

func (m *Manager) interval() time.Duration {
	if m.refreshInterval <= 0 {
		return defaultRefreshInterval
	}
	return m.refreshInterval
}

// Lease returns one endpoint of the given kind, rotating round-robin across the
// endpoints the service assigned. It triggers a discovery call when the cache is empty
// or expired.
func (m *Manager) Lease(ctx context.Context, k Kind) (*URI, error) {
	c, err := m.current(ctx)
	if err != nil {
		return nil, err
	}

	p, ok := c.pools[k]
	if !ok || len(p.uris) == 0 {
		return nil, errors.ES(errors.OpResources, errors.KNoResource, "no %s resources are defined by the service", k).SetNoRetry()
	}

	return p.next(), nil
}

// Available returns an error if no endpoint of the given kind is assigned. It does not
// advance the rotation cursor.
func (m *Manager) Available(ctx context.Context, k Kind) error {
	c, err := m.current(ctx)
	if err != nil {
		return err
	}
	if p, ok := c.pools[k]; !ok || len(p.uris) == 0 {
		return errors.ES(errors.OpResources, errors.KNoResource, "no %s resources are defined by the service", k).SetNoRetry()
	}
	return nil
}

// AuthContext returns the authorization context to pass to the service in ingestion
// messages. The value is cached and refreshed under the same policy as the endpoints.
func (m *Manager) AuthContext(ctx context.Context) (string, error) {
	c, err := m.current(ctx)
	if err != nil {
		return "", err
	}
	return c.authContext, nil
}

// Invalidate discards the cached resources so that the next use fetches a fresh set.
// Callers use it after a delivery failure that looks like a dead or expired endpoint.
func (m *Manager) Invalidate() {
	m.cached.Store(nil)
}

// Refresh forces a discovery call, collapsing with any refresh already in flight.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.refresh(ctx)
}

// current returns the live cache generation, refreshing it first when missing or expired.
// Leases against a still-valid generation never block behind a refresh.
func (m *Manager) current(ctx context.Context) (*cache, error) {
	if c := m.cached.Load(); c != nil && !c.expired(m.interval()) {
		return c, nil
	}
	if err := m.refresh(ctx); err != nil {
		// Serve a stale generation over failing outright, if we have one.
		if c := m.cached.Load(); c != nil {
			return c, nil
		}
		return nil, err
	}
	c := m.cached.Load()
	if c == nil {
		return nil, errors.ES(errors.OpResources, errors.KInternal, "resource cache was empty after a successful refresh")
	}
	return c, nil
}

// refresh collapses concurrent callers into one discovery call; late arrivals wait for
// the in-flight call and share its result.
func (m *Manager) refresh(ctx context.Context) error {
	m.mu.Lock()
	if c := m.inflight; c != nil {
		m.mu.Unlock()
		select {
		case <-c.done:
			return c.err
		case <-ctx.Done():
			return errors.E(errors.OpResources, errors.KTimeout, ctx.Err())
		}
	}
	c := &call{done: make(chan struct{})}
	m.inflight = c
	m.mu.Unlock()

	c.err = m.fetch(ctx)

	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()
	close(c.done)

	return c.err
}

// fetch performs the discovery calls and atomically swaps in the new cache generation.
func (m *Manager) fetch(ctx context.Context) error {
	tbl, err := m.client.Mgmt(ctx, mgmtDB, showIngestionResources)
	if err != nil {
		return errors.ES(errors.OpResources, errors.KDiscovery, "problem getting ingestion resources from the service: %s", err)
	}

	typeCol := tbl.ColumnIndex("ResourceTypeName")
	rootCol := tbl.ColumnIndex("StorageRoot")
	if typeCol == -1 || rootCol == -1 {
		return errors.ES(errors.OpResources, errors.KDiscovery, "ingestion resources response did not have ResourceTypeName and StorageRoot columns")
	}

	pools := map[Kind]*pool{}
	for _, row := range tbl.Rows {
		name, ok := row[typeCol].(string)
		if !ok {
			return errors.ES(errors.OpResources, errors.KDiscovery, "ingestion resources row had a non-string ResourceTypeName")
		}
		root, ok := row[rootCol].(string)
		if !ok {
			return errors.ES(errors.OpResources, errors.KDiscovery, "ingestion resources row had a non-string StorageRoot")
		}

		k := kindFromString(name)
		if k == KindUnknown {
			continue
		}

		u, err := Parse(root)
		if err != nil {
			return errors.ES(errors.OpResources, errors.KDiscovery, "the StorageRoot URI received(%s) has an error: %s", root, err)
		}

		if pools[k] == nil {
			pools[k] = &pool{}
		}
		pools[k].uris = append(pools[k].uris, u)
	}

	authContext, err := m.fetchAuthContext(ctx)
	if err != nil {
		return err
	}

	m.cached.Store(&cache{
		pools:       pools,
		authContext: authContext,
		fetched:     time.Now(),
	})

	counts := lo.MapEntries(pools, func(k Kind, p *pool) (string, interface{}) {
		return k.String(), len(p.uris)
	})
	utils.Logger.Debug().Fields(counts).Msg("refreshed ingestion resources")

	return nil
}

func (m *Manager) fetchAuthContext(ctx context.Context) (string, error) {
	tbl, err := m.client.Mgmt(ctx, mgmtDB, showIdentityToken)
	if err != nil {
		return "", errors.ES(errors.OpResources, errors.KDiscovery, "problem getting the identity token from the service: %s", err)
	}

	col := tbl.ColumnIndex("AuthorizationContext")
	if col == -1 {
		return "", errors.ES(errors.OpResources, errors.KDiscovery, "identity token response did not have an AuthorizationContext column")
	}
	if len(tbl.Rows) != 1 {
		return "", errors.ES(errors.OpResources, errors.KDiscovery, "identity token response was expected to have a single row, had %d", len(tbl.Rows))
	}

	token, ok := tbl.Rows[0][col].(string)
	if !ok {
		return "", errors.ES(errors.OpResources, errors.KDiscovery, "identity token response had a non-string AuthorizationContext")
	}

	return token, nil
}
