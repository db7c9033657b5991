package storeclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/stretchr/testify/require"
)

func nextEvent(t *testing.T, sub relaysync.Subscription) relaysync.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for change event")
		return relaysync.ChangeEvent{}
	}
}

func waitClosed(t *testing.T, sub relaysync.Subscription) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("subscription stayed open")
		}
	}
}

func TestSubscribeDeliversChanges(t *testing.T) {
	r := newRemote(t, Options{PingInterval: 20 * time.Millisecond})
	ctx := context.Background()

	sub, err := r.client.Subscribe(ctx, chat)
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, func() bool { return r.backend.Subscribers(chat) == 1 }, 2*time.Second, time.Millisecond)

	rec, err := r.client.Insert(ctx, relaysync.Record{
		Kind:    chat.Kind,
		TopicID: chat.TopicID,
		Payload: relaysync.Payload{relaysync.FieldText: "live"},
	})
	require.NoError(t, err)
	_, err = r.client.Update(ctx, chat.Kind, rec.ID, relaysync.Payload{relaysync.FieldText: "edited"})
	require.NoError(t, err)
	_, err = r.client.Delete(ctx, chat.Kind, rec.ID)
	require.NoError(t, err)

	ev := nextEvent(t, sub)
	require.Equal(t, relaysync.EventInsert, ev.Type)
	require.Equal(t, rec.ID, ev.Record.ID)
	ev = nextEvent(t, sub)
	require.Equal(t, relaysync.EventUpdate, ev.Type)
	require.Equal(t, "edited", ev.Record.Text())
	ev = nextEvent(t, sub)
	require.Equal(t, relaysync.EventDelete, ev.Type)
	require.True(t, ev.Record.Deleted)

	// Keepalive pings run in both directions without ending the stream.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, sub.Err())

	require.NoError(t, sub.Close())
	waitClosed(t, sub)
	require.NoError(t, sub.Err())
	require.Eventually(t, func() bool { return r.backend.Subscribers(chat) == 0 }, 2*time.Second, time.Millisecond)
}

func TestSubscribeReportsServerSideDrop(t *testing.T) {
	r := newRemote(t, Options{})
	sub, err := r.client.Subscribe(context.Background(), chat)
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, func() bool { return r.backend.Subscribers(chat) == 1 }, 2*time.Second, time.Millisecond)

	require.Equal(t, 1, r.backend.Disconnect(chat))
	waitClosed(t, sub)
	require.ErrorIs(t, sub.Err(), relaysync.ErrTransport)
	require.Contains(t, sub.Err().Error(), "disconnected")
}

func TestSubscribeContextCancelEndsStream(t *testing.T) {
	r := newRemote(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := r.client.Subscribe(ctx, chat)
	require.NoError(t, err)
	cancel()
	waitClosed(t, sub)
	require.NoError(t, sub.Err())
	require.NoError(t, sub.Close())
}

func TestSubscribeRejectedHandshake(t *testing.T) {
	r := newRemote(t, Options{}, httpapi.ScopeWrite)
	_, err := r.client.Subscribe(context.Background(), chat)
	require.ErrorIs(t, err, relaysync.ErrTransport)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusForbidden, httpErr.StatusCode)
}

func TestSubscribeHandshakeTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(server.URL, "token", Options{HTTPClient: server.Client(), HandshakeTimeout: 50 * time.Millisecond})
	_, err := client.Subscribe(context.Background(), chat)
	require.ErrorIs(t, err, relaysync.ErrTransport)
	require.ErrorIs(t, err, relaysync.ErrSubscriptionTimeout)
}

func TestFeedsConvergeThroughServer(t *testing.T) {
	r := newRemote(t, Options{})
	bobToken, err := httpapi.MintToken("test-secret", "", "bob", []string{httpapi.ScopeRead, httpapi.ScopeWrite}, time.Hour, time.Now())
	require.NoError(t, err)
	bobClient := NewClient(r.server.URL, bobToken, Options{HTTPClient: r.server.Client(), BaseDelay: time.Millisecond})
	ctx := context.Background()

	alice := relaysync.NewHub(r.client, relaysync.FeedOptions{SelfID: "alice"})
	defer alice.Close()
	bob := relaysync.NewHub(bobClient, relaysync.FeedOptions{SelfID: "bob"})
	defer bob.Close()

	aliceFeed, err := alice.Acquire(ctx, chat)
	require.NoError(t, err)
	bobFeed, err := bob.Acquire(ctx, chat)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return aliceFeed.State() == relaysync.ChannelActive && bobFeed.State() == relaysync.ChannelActive
	}, 5*time.Second, 5*time.Millisecond)

	_, err = aliceFeed.Send(relaysync.Payload{relaysync.FieldText: "over the wire"})
	require.NoError(t, err)
	require.NoError(t, aliceFeed.Wait(ctx))

	require.Eventually(t, func() bool {
		snap := bobFeed.Snapshot()
		return len(snap) == 1 && snap[0].Text() == "over the wire"
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return bob.Unread().Total() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Len(t, aliceFeed.Snapshot(), 1, "the optimistic send and its echo are one row")

	require.NoError(t, bobFeed.MarkRead(ctx, relaysync.SortKey{}))
	require.Zero(t, bob.Unread().Total())
	require.Eventually(t, func() bool {
		snap := aliceFeed.Snapshot()
		if len(snap) != 1 {
			return false
		}
		_, read := snap[0].ReadAt()
		return read
	}, 5*time.Second, 5*time.Millisecond)

	alice.Release(aliceFeed)
	bob.Release(bobFeed)
}
