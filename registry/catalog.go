// Package registry is the in-memory action catalog: a cache of registered
// actions loaded from the persisted ActionCatalog table, refreshed on a
// fixed interval and on demand. It follows the donor's copy-on-refresh
// pattern (readers see a consistent snapshot, refresh swaps the whole map
// atomically under a lock rather than mutating entries in place).
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
)

// ErrActionTypePrefix is returned by Register when an entry's actionType
// does not start with the registering connector's own id.
var ErrActionTypePrefix = errors.New("actionType does not match connectorId prefix")

// Registry implements contracts.CatalogRegistry.
type Registry struct {
	repo contracts.ActionCatalogRepository
	lock contracts.Lock // optional; nil disables cross-replica refresh propagation
	log  *logrus.Entry

	mu              sync.RWMutex
	byActionType    map[string]*contracts.ActionCatalogEntry
	lastRefreshedAt time.Time
}

// New builds a registry backed by repo. lock may be nil, in which case the
// registry only refreshes locally (on interval or on demand), never hearing
// about other replicas' registrations.
func New(repo contracts.ActionCatalogRepository, lock contracts.Lock, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		repo:         repo,
		lock:         lock,
		log:          log,
		byActionType: make(map[string]*contracts.ActionCatalogEntry),
	}
}

// GetByActionType returns the cached entry for actionType. Disabled entries
// are still returned here; callers that want only enabled actions should use
// GetAllEnabled or check IsEnabled themselves.
func (r *Registry) GetByActionType(actionType string) (*contracts.ActionCatalogEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byActionType[actionType]
	return e, ok
}

// GetAllEnabled returns every entry with IsEnabled=true from the current
// snapshot.
func (r *Registry) GetAllEnabled() []*contracts.ActionCatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*contracts.ActionCatalogEntry, 0, len(r.byActionType))
	for _, e := range r.byActionType {
		if e.IsEnabled {
			out = append(out, e)
		}
	}
	return out
}

// LastRefreshedAt reports when the backing map was last swapped.
func (r *Registry) LastRefreshedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefreshedAt
}

// Refresh reloads the catalog from the repository and atomically swaps the
// backing map. It does not itself publish the cross-replica notification;
// callers that refreshed in response to a register call should use
// RefreshAndNotify instead.
func (r *Registry) Refresh(ctx context.Context) error {
	entries, err := r.repo.ListAll(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]*contracts.ActionCatalogEntry, len(entries))
	for _, e := range entries {
		next[e.ActionType] = e
	}

	r.mu.Lock()
	r.byActionType = next
	r.lastRefreshedAt = time.Now()
	r.mu.Unlock()

	return nil
}

// RefreshAndNotify refreshes locally then, if a Lock (Redis) layer is
// configured, publishes catalog:refresh so sibling replicas refresh too
// without waiting for their own interval tick.
func (r *Registry) RefreshAndNotify(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return err
	}
	if r.lock == nil {
		return nil
	}
	if err := r.lock.PublishCatalogRefresh(ctx); err != nil {
		r.log.WithError(err).Warn("failed to publish catalog refresh notification")
	}
	return nil
}

// RunBackground starts the fixed-interval refresh loop and, if a Lock layer
// is configured, a subscriber that triggers an immediate refresh whenever
// another replica publishes catalog:refresh. It blocks until ctx is done.
func (r *Registry) RunBackground(ctx context.Context, interval time.Duration) {
	if err := r.Refresh(ctx); err != nil {
		r.log.WithError(err).Error("initial catalog load failed")
	}

	var notifications <-chan struct{}
	if r.lock != nil {
		ch, err := r.lock.SubscribeCatalogRefresh(ctx)
		if err != nil {
			r.log.WithError(err).Warn("failed to subscribe to catalog refresh notifications")
		} else {
			notifications = ch
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.log.WithError(err).Error("scheduled catalog refresh failed")
			}
		case _, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			if err := r.Refresh(ctx); err != nil {
				r.log.WithError(err).Error("notified catalog refresh failed")
			}
		}
	}
}

// RegisterResult is the summary returned from the admin register endpoint.
type RegisterResult struct {
	Count       int
	RegisteredAt time.Time
}

// Register upserts connectorId's actions into the persisted catalog, then
// refreshes (and, if configured, notifies) so the new entries are
// immediately visible without waiting for the interval. Every actionType
// must start with connectorId + "." since the dispatcher recovers
// connectorId from an actionType by splitting on the first '.'; a
// mismatched prefix here would silently misroute execution at dispatch
// time. The whole batch is rejected rather than just the offending entry,
// so a connector never ends up with half its catalog registered.
func (r *Registry) Register(ctx context.Context, connectorID string, entries []*contracts.ActionCatalogEntry) (RegisterResult, error) {
	prefix := connectorID + "."
	for _, e := range entries {
		if !strings.HasPrefix(e.ActionType, prefix) {
			return RegisterResult{}, fmt.Errorf("%w: actionType %q does not start with connectorId prefix %q", ErrActionTypePrefix, e.ActionType, prefix)
		}
	}

	for _, e := range entries {
		e.ConnectorID = connectorID
		if err := r.repo.Upsert(ctx, e); err != nil {
			return RegisterResult{}, err
		}
	}

	if err := r.RefreshAndNotify(ctx); err != nil {
		return RegisterResult{}, err
	}

	return RegisterResult{Count: len(entries), RegisteredAt: time.Now()}, nil
}
