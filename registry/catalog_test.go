package registry

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
	"github.com/NemorionTechnologies/DataConnectors-sub001/internal/testutil"
)

func TestRegistry_RefreshLoadsFromRepository(t *testing.T) {
	repo := testutil.NewActionCatalogRepo()
	require.NoError(t, repo.Upsert(context.Background(), &contracts.ActionCatalogEntry{ActionType: "core.echo", ConnectorID: "core", IsEnabled: true}))

	reg := New(repo, nil, logrus.NewEntry(logrus.New()))
	require.NoError(t, reg.Refresh(context.Background()))

	e, ok := reg.GetByActionType("core.echo")
	require.True(t, ok)
	assert.True(t, e.IsEnabled)
	assert.False(t, reg.LastRefreshedAt().IsZero())
}

func TestRegistry_GetByActionTypeMissingReturnsFalse(t *testing.T) {
	reg := New(testutil.NewActionCatalogRepo(), nil, logrus.NewEntry(logrus.New()))
	_, ok := reg.GetByActionType("nope.nope")
	assert.False(t, ok)
}

func TestRegistry_GetAllEnabledExcludesDisabled(t *testing.T) {
	repo := testutil.NewActionCatalogRepo()
	require.NoError(t, repo.Upsert(context.Background(), &contracts.ActionCatalogEntry{ActionType: "core.echo", IsEnabled: true}))
	require.NoError(t, repo.Upsert(context.Background(), &contracts.ActionCatalogEntry{ActionType: "core.off", IsEnabled: false}))

	reg := New(repo, nil, logrus.NewEntry(logrus.New()))
	require.NoError(t, reg.Refresh(context.Background()))

	enabled := reg.GetAllEnabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "core.echo", enabled[0].ActionType)
}

func TestRegistry_RefreshAndNotifySucceedsWithoutLock(t *testing.T) {
	reg := New(testutil.NewActionCatalogRepo(), nil, logrus.NewEntry(logrus.New()))
	assert.NoError(t, reg.RefreshAndNotify(context.Background()))
}

func TestRegistry_RefreshAndNotifyPublishesWithLock(t *testing.T) {
	lock := testutil.NewLock()
	reg := New(testutil.NewActionCatalogRepo(), lock, logrus.NewEntry(logrus.New()))

	require.NoError(t, reg.RefreshAndNotify(context.Background()))
	assert.Equal(t, 1, lock.PublishCount)
}

func TestRegistry_RegisterUpsertsAndMakesEntriesVisible(t *testing.T) {
	repo := testutil.NewActionCatalogRepo()
	reg := New(repo, nil, logrus.NewEntry(logrus.New()))

	result, err := reg.Register(context.Background(), "slack", []*contracts.ActionCatalogEntry{
		{ActionType: "slack.postMessage", IsEnabled: true},
		{ActionType: "slack.updateMessage", IsEnabled: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Count)
	assert.False(t, result.RegisteredAt.IsZero())

	e, ok := reg.GetByActionType("slack.postMessage")
	require.True(t, ok)
	assert.Equal(t, "slack", e.ConnectorID)
}

func TestRegistry_RegisterRejectsMismatchedActionTypePrefix(t *testing.T) {
	repo := testutil.NewActionCatalogRepo()
	reg := New(repo, nil, logrus.NewEntry(logrus.New()))

	_, err := reg.Register(context.Background(), "slack", []*contracts.ActionCatalogEntry{
		{ActionType: "slack.postMessage", IsEnabled: true},
		{ActionType: "jira.createIssue", IsEnabled: true}, // wrong connector prefix
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrActionTypePrefix)

	// The whole batch is rejected, including the well-formed entry.
	_, ok := reg.GetByActionType("slack.postMessage")
	assert.False(t, ok)
}

func TestRegistry_RunBackgroundRefreshesOnNotification(t *testing.T) {
	repo := testutil.NewActionCatalogRepo()
	lock := testutil.NewLock()
	reg := New(repo, lock, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		reg.RunBackground(ctx, time.Hour) // long interval: only the notification path should fire
		close(done)
	}()

	// give RunBackground time to subscribe before publishing
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, repo.Upsert(context.Background(), &contracts.ActionCatalogEntry{ActionType: "core.echo", IsEnabled: true}))
	require.NoError(t, lock.PublishCatalogRefresh(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := reg.GetByActionType("core.echo")
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
