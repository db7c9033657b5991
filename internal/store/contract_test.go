package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type rejectEmptyText struct{}

func (rejectEmptyText) Validate(rec relaysync.Record) error {
	if rec.Text() == "" {
		return errors.New("text is required")
	}
	return nil
}

var chatTopic = relaysync.Predicate{Kind: relaysync.KindMessage, TopicID: "chat-1"}

func draft(text string) relaysync.Record {
	return relaysync.Record{
		Kind:    chatTopic.Kind,
		TopicID: chatTopic.TopicID,
		Payload: relaysync.Payload{relaysync.FieldText: text, relaysync.FieldSenderID: "u1"},
	}
}

func nextEvent(t *testing.T, sub relaysync.Subscription) relaysync.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for change event")
		return relaysync.ChangeEvent{}
	}
}

// runBackendContract checks the behaviour every in-process backend shares.
func runBackendContract(t *testing.T, open func(t *testing.T, opts Options) Backend) {
	ctx := context.Background()

	t.Run("InsertAssignsIdentity", func(t *testing.T) {
		s := open(t, Options{Now: newTestClock().Now})
		rec, err := s.Insert(ctx, draft("hello"))
		require.NoError(t, err)
		require.Regexp(t, `^message_[0-9a-z]{26}$`, rec.ID)
		require.False(t, rec.CreatedAt.IsZero())
		require.Positive(t, rec.Revision)
		require.Equal(t, "hello", rec.Text())
	})

	t.Run("InsertIsIdempotentByToken", func(t *testing.T) {
		s := open(t, Options{Now: newTestClock().Now})
		in := draft("once")
		in.IdempotencyToken = "tok-1"
		first, err := s.Insert(ctx, in)
		require.NoError(t, err)
		second, err := s.Insert(ctx, in)
		require.NoError(t, err)
		require.Equal(t, first.ID, second.ID)
		require.Equal(t, first.Revision, second.Revision)

		page, err := s.Fetch(ctx, relaysync.Query{Predicate: chatTopic, Limit: 10})
		require.NoError(t, err)
		require.Len(t, page, 1)
		require.Equal(t, "tok-1", page[0].IdempotencyToken)
	})

	t.Run("FetchOrdersAndWindows", func(t *testing.T) {
		s := open(t, Options{Now: newTestClock().Now})
		var ids []string
		for i := 0; i < 5; i++ {
			rec, err := s.Insert(ctx, draft(fmt.Sprintf("m%d", i)))
			require.NoError(t, err)
			ids = append(ids, rec.ID)
		}
		other := draft("elsewhere")
		other.TopicID = "chat-2"
		_, err := s.Insert(ctx, other)
		require.NoError(t, err)

		page, err := s.Fetch(ctx, relaysync.Query{Predicate: chatTopic, Offset: 1, Limit: 2})
		require.NoError(t, err)
		require.Equal(t, []string{ids[1], ids[2]}, recordIDs(page))

		page, err = s.Fetch(ctx, relaysync.Query{Predicate: chatTopic, Limit: 2, Descending: true})
		require.NoError(t, err)
		require.Equal(t, []string{ids[4], ids[3]}, recordIDs(page))

		page, err = s.Fetch(ctx, relaysync.Query{Predicate: chatTopic, Offset: 10, Limit: 2})
		require.NoError(t, err)
		require.Empty(t, page)

		_, err = s.Fetch(ctx, relaysync.Query{Predicate: relaysync.Predicate{Kind: "bogus", TopicID: "x"}})
		require.ErrorIs(t, err, relaysync.ErrInvalidInput)
	})

	t.Run("UpdateMergesAndBumpsRevision", func(t *testing.T) {
		s := open(t, Options{Now: newTestClock().Now})
		rec, err := s.Insert(ctx, draft("before"))
		require.NoError(t, err)
		updated, err := s.Update(ctx, rec.Kind, rec.ID, relaysync.Payload{relaysync.FieldText: "after"})
		require.NoError(t, err)
		require.Greater(t, updated.Revision, rec.Revision)
		require.Equal(t, "after", updated.Text())
		require.Equal(t, "u1", updated.SenderID())
		require.Equal(t, rec.CreatedAt, updated.CreatedAt)

		_, err = s.Update(ctx, rec.Kind, "message_missing", relaysync.Payload{relaysync.FieldText: "x"})
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.Update(ctx, relaysync.KindComment, rec.ID, relaysync.Payload{relaysync.FieldText: "x"})
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DeleteLeavesTombstone", func(t *testing.T) {
		s := open(t, Options{Now: newTestClock().Now})
		rec, err := s.Insert(ctx, draft("doomed"))
		require.NoError(t, err)
		tomb, err := s.Delete(ctx, rec.Kind, rec.ID)
		require.NoError(t, err)
		require.True(t, tomb.Deleted)
		require.Greater(t, tomb.Revision, rec.Revision)

		again, err := s.Delete(ctx, rec.Kind, rec.ID)
		require.NoError(t, err)
		require.Equal(t, tomb.Revision, again.Revision)

		_, err = s.Update(ctx, rec.Kind, rec.ID, relaysync.Payload{relaysync.FieldText: "zombie"})
		require.ErrorIs(t, err, relaysync.ErrWriteConflict)

		page, err := s.Fetch(ctx, relaysync.Query{Predicate: chatTopic, Limit: 10})
		require.NoError(t, err)
		require.Empty(t, page)
	})

	t.Run("MarkReadSkipsReadAndDeleted", func(t *testing.T) {
		s := open(t, Options{Now: newTestClock().Now})
		a, err := s.Insert(ctx, draft("a"))
		require.NoError(t, err)
		b, err := s.Insert(ctx, draft("b"))
		require.NoError(t, err)
		c, err := s.Insert(ctx, draft("c"))
		require.NoError(t, err)
		_, err = s.Delete(ctx, c.Kind, c.ID)
		require.NoError(t, err)

		at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
		updated, err := s.MarkRead(ctx, chatTopic.Kind, []string{a.ID, b.ID, c.ID, "message_missing"}, at)
		require.NoError(t, err)
		require.Len(t, updated, 2)
		for _, rec := range updated {
			readAt, ok := rec.ReadAt()
			require.True(t, ok)
			require.True(t, readAt.Equal(at))
		}

		again, err := s.MarkRead(ctx, chatTopic.Kind, []string{a.ID}, at.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, again, 1)
		readAt, _ := again[0].ReadAt()
		require.True(t, readAt.Equal(at), "read_at must not move once set")
	})

	t.Run("ValidatorRejectsAsWriteConflict", func(t *testing.T) {
		s := open(t, Options{Now: newTestClock().Now, Validator: rejectEmptyText{}})
		_, err := s.Insert(ctx, draft(""))
		require.ErrorIs(t, err, relaysync.ErrWriteConflict)

		rec, err := s.Insert(ctx, draft("ok"))
		require.NoError(t, err)
		_, err = s.Update(ctx, rec.Kind, rec.ID, relaysync.Payload{relaysync.FieldText: ""})
		var conflict *relaysync.WriteConflictError
		require.ErrorAs(t, err, &conflict)
		require.Equal(t, rec.ID, conflict.RecordID)
	})

	t.Run("SubscribeDeliversInOrder", func(t *testing.T) {
		s := open(t, Options{Now: newTestClock().Now})
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		sub, err := s.Subscribe(subCtx, chatTopic)
		require.NoError(t, err)

		rec, err := s.Insert(ctx, draft("live"))
		require.NoError(t, err)
		other := draft("not for us")
		other.TopicID = "chat-2"
		_, err = s.Insert(ctx, other)
		require.NoError(t, err)
		_, err = s.Update(ctx, rec.Kind, rec.ID, relaysync.Payload{relaysync.FieldText: "edited"})
		require.NoError(t, err)
		_, err = s.Delete(ctx, rec.Kind, rec.ID)
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

		cancel()
		select {
		case _, ok := <-sub.Events():
			require.False(t, ok, "expected no further events")
		case <-time.After(2 * time.Second):
			t.Fatalf("subscription stayed open after its context was cancelled")
		}
		require.NoError(t, sub.Err())
	})

	t.Run("PurgeTombstones", func(t *testing.T) {
		clock := newTestClock()
		s := open(t, Options{Now: clock.Now})
		keep, err := s.Insert(ctx, draft("keep"))
		require.NoError(t, err)
		gone, err := s.Insert(ctx, draft("gone"))
		require.NoError(t, err)
		_, err = s.Delete(ctx, gone.Kind, gone.ID)
		require.NoError(t, err)

		n, err := s.PurgeTombstones(ctx, clock.now.Add(-time.Hour))
		require.NoError(t, err)
		require.Zero(t, n)

		n, err = s.PurgeTombstones(ctx, clock.now.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		_, err = s.Delete(ctx, gone.Kind, gone.ID)
		require.ErrorIs(t, err, ErrNotFound)
		page, err := s.Fetch(ctx, relaysync.Query{Predicate: chatTopic})
		require.NoError(t, err)
		require.Equal(t, []string{keep.ID}, recordIDs(page))
	})

	t.Run("ClosedStoreRefusesWork", func(t *testing.T) {
		s := open(t, Options{})
		sub, err := s.Subscribe(ctx, chatTopic)
		require.NoError(t, err)
		require.NoError(t, s.Close())
		_, ok := <-sub.Events()
		require.False(t, ok)
		require.ErrorIs(t, sub.Err(), relaysync.ErrTransport)
		_, err = s.Insert(ctx, draft("late"))
		require.ErrorIs(t, err, ErrClosed)
		require.NoError(t, s.Close())
	})
}

func recordIDs(records []relaysync.Record) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.ID)
	}
	return out
}
