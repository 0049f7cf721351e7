package aggregator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/kbsync/internal/source"
)

// dispatchCall records one indexer invocation.
type dispatchCall struct {
	kind        string // "enqueue" or "remove"
	contentType string
	ids         []string
}

// fakeIndexer captures dispatches and can fail on demand.
type fakeIndexer struct {
	mu    sync.Mutex
	calls []dispatchCall
	fail  bool
}

func (f *fakeIndexer) EnqueueForIndexing(ctx context.Context, contentType string, items []source.ContentItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("pipeline unavailable")
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	f.calls = append(f.calls, dispatchCall{kind: "enqueue", contentType: contentType, ids: ids})
	return nil
}

func (f *fakeIndexer) RemoveFromIndex(ctx context.Context, contentType string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("pipeline unavailable")
	}
	f.calls = append(f.calls, dispatchCall{kind: "remove", contentType: contentType, ids: ids})
	return nil
}

func (f *fakeIndexer) snapshot() []dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchCall(nil), f.calls...)
}

// fakeFetcher returns a synthetic snapshot per requested id.
type fakeFetcher struct {
	mu      sync.Mutex
	fetches int
	fail    bool
}

func (f *fakeFetcher) FetchBatch(ctx context.Context, contentType string, ids []string) ([]source.ContentItem, error) {
	f.mu.Lock()
	f.fetches++
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("content store down")
	}
	items := make([]source.ContentItem, len(ids))
	for i, id := range ids {
		items[i] = source.ContentItem{Type: contentType, ID: id, Title: id, Content: "body of " + id}
	}
	return items, nil
}

func change(contentType, id string, action source.Action) source.ChangeNotification {
	return source.ChangeNotification{ContentType: contentType, ContentID: id, Action: action}
}

func newTestAggregator(cfg Config) (*Aggregator, *fakeFetcher, *fakeIndexer) {
	fetcher := &fakeFetcher{}
	indexer := &fakeIndexer{}
	return New(cfg, fetcher, indexer, nil), fetcher, indexer
}

func TestAggregator_ThresholdTriggersSingleFlush(t *testing.T) {
	agg, _, indexer := newTestAggregator(Config{MaxQueueSize: 50})

	for i := 0; i < 50; i++ {
		agg.OnContentChanged(change("post", fmt.Sprintf("p%d", i), source.ActionUpdate))
	}

	calls := indexer.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "enqueue", calls[0].kind)
	assert.Equal(t, "post", calls[0].contentType)
	assert.Len(t, calls[0].ids, 50)
	assert.Zero(t, agg.QueueDepth())
}

func TestAggregator_GroupsByTypeAndActionInFirstAppearanceOrder(t *testing.T) {
	agg, _, indexer := newTestAggregator(Config{})

	agg.OnContentChanged(change("post", "p1", source.ActionUpdate))
	agg.OnContentChanged(change("product", "w1", source.ActionDelete))
	agg.OnContentChanged(change("post", "p2", source.ActionUpdate))
	agg.OnContentChanged(change("post", "p3", source.ActionCreate))
	agg.Flush(context.Background())

	calls := indexer.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, dispatchCall{kind: "enqueue", contentType: "post", ids: []string{"p1", "p2"}}, calls[0])
	assert.Equal(t, dispatchCall{kind: "remove", contentType: "product", ids: []string{"w1"}}, calls[1])
	assert.Equal(t, dispatchCall{kind: "enqueue", contentType: "post", ids: []string{"p3"}}, calls[2])
}

func TestAggregator_DuplicateIdsCollapse(t *testing.T) {
	agg, fetcher, indexer := newTestAggregator(Config{})

	for i := 0; i < 5; i++ {
		agg.OnContentChanged(change("post", "p1", source.ActionUpdate))
	}
	agg.Flush(context.Background())

	calls := indexer.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"p1"}, calls[0].ids)
	assert.Equal(t, 1, fetcher.fetches)
}

func TestAggregator_BulkSuppressesThresholdFlush(t *testing.T) {
	agg, _, indexer := newTestAggregator(Config{MaxQueueSize: 10})

	agg.BeginBulk()
	for i := 0; i < 25; i++ {
		agg.OnContentChanged(change("post", fmt.Sprintf("p%d", i), source.ActionUpdate))
	}
	assert.Empty(t, indexer.snapshot())
	assert.Equal(t, 25, agg.QueueDepth())

	agg.EndBulk(context.Background())

	calls := indexer.snapshot()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].ids, 25)
	assert.Zero(t, agg.QueueDepth())
}

func TestAggregator_EndBulkWithEmptyQueueDoesNotDispatch(t *testing.T) {
	agg, _, indexer := newTestAggregator(Config{})

	agg.BeginBulk()
	agg.EndBulk(context.Background())
	assert.Empty(t, indexer.snapshot())
}

func TestAggregator_DispatchFailureClearsQueue(t *testing.T) {
	agg, _, indexer := newTestAggregator(Config{})
	indexer.fail = true

	agg.OnContentChanged(change("post", "p1", source.ActionUpdate))
	agg.Flush(context.Background())

	// Errors are swallowed; the queue does not retain or retry the work.
	assert.Zero(t, agg.QueueDepth())
	assert.Empty(t, indexer.snapshot())
}

func TestAggregator_FetchFailureSkipsGroupOnly(t *testing.T) {
	agg, fetcher, indexer := newTestAggregator(Config{})
	fetcher.fail = true

	agg.OnContentChanged(change("post", "p1", source.ActionUpdate))
	agg.OnContentChanged(change("post", "p2", source.ActionDelete))
	agg.Flush(context.Background())

	// The delete group needs no fetch and still dispatches.
	calls := indexer.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "remove", calls[0].kind)
}

func TestAggregator_StartStopLifecycle(t *testing.T) {
	agg, _, _ := newTestAggregator(Config{})

	agg.Start(context.Background())
	agg.OnContentChanged(change("post", "p1", source.ActionUpdate))
	agg.Stop()

	// Stop leaves pending events in place for an explicit final flush.
	assert.Equal(t, 1, agg.QueueDepth())
}
