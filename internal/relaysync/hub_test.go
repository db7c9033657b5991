package relaysync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestHubSharesFeedPerPredicate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := seededStore(2)
	h := NewHub(store, FeedOptions{SelfID: "me"})
	ctx := context.Background()

	a, err := h.Acquire(ctx, testTopic)
	require.NoError(t, err)
	b, err := h.Acquire(ctx, testTopic)
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, uint64(1), a.Generation())
	require.Equal(t, 1, h.Feeds())

	h.Release(a)
	require.Equal(t, 1, h.Feeds())
	_, err = a.LoadMore(ctx)
	require.NoError(t, err, "feed stays open while referenced")

	h.Release(b)
	require.Zero(t, h.Feeds())
	_, err = a.LoadMore(ctx)
	require.ErrorIs(t, err, ErrFeedClosed)

	c, err := h.Acquire(ctx, testTopic)
	require.NoError(t, err)
	require.NotSame(t, a, c)
	require.Equal(t, uint64(2), c.Generation())
	h.Release(a)
	require.Equal(t, 1, h.Feeds(), "releasing a stale feed is ignored")

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	_, err = h.Acquire(ctx, testTopic)
	require.ErrorIs(t, err, ErrFeedClosed)
}

func TestHubConcurrentAcquireOpensOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := seededStore(1)
	gate := make(chan struct{})
	store.setFetchGate(gate)
	h := NewHub(store, FeedOptions{})

	const n = 8
	feeds := make([]*Feed, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := h.Acquire(context.Background(), testTopic)
			if err == nil {
				feeds[i] = f
			}
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for _, f := range feeds {
		require.NotNil(t, f)
		require.Same(t, feeds[0], f)
	}
	require.Equal(t, 1, store.subscribeCount())
	for _, f := range feeds {
		h.Release(f)
	}
	require.Zero(t, h.Feeds())
	require.NoError(t, h.Close())
}

func TestHubFailedOpenIsNotCached(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := seededStore(1)
	store.fetchErr = errors.New("db down")
	h := NewHub(store, FeedOptions{})
	defer h.Close()

	_, err := h.Acquire(context.Background(), testTopic)
	require.ErrorIs(t, err, ErrTransport)
	require.Zero(t, h.Feeds())

	store.mu.Lock()
	store.fetchErr = nil
	store.mu.Unlock()
	f, err := h.Acquire(context.Background(), testTopic)
	require.NoError(t, err)
	require.Len(t, f.Snapshot(), 1)
	h.Release(f)
}

func TestHubAggregatesUnreadAcrossFeeds(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	comment := rec("c1", 1, "comment")
	comment.Kind = KindComment
	other := rec("o1", 1, "other chat")
	other.TopicID = "chat-2"
	store := newFakeStore(rec("m1", 1, "a"), rec("m2", 2, "b"), comment, other)
	h := NewHub(store, FeedOptions{SelfID: "me"})
	ctx := context.Background()

	msgs, err := h.Acquire(ctx, testTopic)
	require.NoError(t, err)
	comments, err := h.Acquire(ctx, Predicate{Kind: KindComment, TopicID: testTopic.TopicID})
	require.NoError(t, err)
	chat2, err := h.Acquire(ctx, Predicate{Kind: KindMessage, TopicID: "chat-2"})
	require.NoError(t, err)

	require.Equal(t, 4, h.Unread().Total())
	require.Equal(t, 3, h.Unread().CountUnread(testTopic.TopicID))
	require.Equal(t, 2, msgs.CountUnread())

	require.NoError(t, msgs.MarkRead(ctx, SortKey{}))
	require.Equal(t, 1, h.Unread().Total(), "marking a topic read covers every kind in it")
	require.Zero(t, comments.CountUnread())
	require.Equal(t, 1, chat2.CountUnread())

	h.Release(chat2)
	require.Zero(t, h.Unread().Total())
	require.NoError(t, h.Close())
}

func TestHubAcquireHonoursContextWhileWaiting(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	store := seededStore(1)
	gate := make(chan struct{})
	store.setFetchGate(gate)
	h := NewHub(store, FeedOptions{})

	opened := make(chan *Feed, 1)
	go func() {
		f, _ := h.Acquire(context.Background(), testTopic)
		opened <- f
	}()
	require.Eventually(t, func() bool { return h.Feeds() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Acquire(ctx, testTopic)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	f := <-opened
	require.NotNil(t, f)
	h.Release(f)
	require.Zero(t, h.Feeds())
	require.NoError(t, h.Close())
}
