package badger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nkkko/feedhub/internal/domain"
	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	config := DefaultConfig()
	config.InMemory = true
	config.WatchBufferSize = 16

	s, err := NewStorage(config)
	require.NoError(t, err, "Failed to create storage")
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func TestStorage_PutGet(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	rec, err := s.Put(ctx, &proto.Record{
		Key:    "room",
		Author: "alice",
		Body:   "hello",
		Meta:   map[string]string{"lang": "en"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Id)
	assert.Equal(t, proto.DefaultRecordType, rec.Type)
	require.NotNil(t, rec.Ts)

	got, err := s.Get(ctx, rec.Id)
	require.NoError(t, err)
	assert.Equal(t, rec.Body, got.Body)
	assert.Equal(t, rec.Author, got.Author)
	assert.Equal(t, "en", got.Meta["lang"])
	assert.True(t, rec.Ts.AsTime().Equal(got.Ts.AsTime()))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestStorage_SubscribeOrder(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Now()

	for _, offset := range []int{3, 1, 2} {
		_, err := s.Put(ctx, &proto.Record{
			Key:  "room",
			Body: string(rune('a' + offset)),
			Ts:   timestamppb.New(base.Add(time.Duration(offset) * time.Second)),
		})
		require.NoError(t, err)
	}
	_, err := s.Put(ctx, &proto.Record{Key: "room", Type: "reaction", Body: "x"})
	require.NoError(t, err)
	_, err = s.Put(ctx, &proto.Record{Key: "roomier", Body: "other key sharing a prefix"})
	require.NoError(t, err)

	sub, err := s.Subscribe(ctx, proto.DefaultQuery("room"))
	require.NoError(t, err)
	defer sub.Cancel()

	require.Len(t, sub.Initial, 3)
	assert.Equal(t, "b", sub.Initial[0].Body)
	assert.Equal(t, "c", sub.Initial[1].Body)
	assert.Equal(t, "d", sub.Initial[2].Body)

	desc := proto.DefaultQuery("room")
	desc.Order = proto.OrderDesc
	subDesc, err := s.Subscribe(ctx, desc)
	require.NoError(t, err)
	defer subDesc.Cancel()

	require.Len(t, subDesc.Initial, 3)
	assert.Equal(t, "d", subDesc.Initial[0].Body)
	assert.Equal(t, "b", subDesc.Initial[2].Body)
}

func TestStorage_ChangeEvents(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, proto.DefaultQuery("room"))
	require.NoError(t, err)
	defer sub.Cancel()

	rec, err := s.Put(ctx, &proto.Record{Key: "room", Body: "v1"})
	require.NoError(t, err)

	rec.Body = "v2"
	_, err = s.Put(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, rec.Id))
	assert.ErrorIs(t, s.Delete(ctx, rec.Id), domain.ErrRecordNotFound)

	want := []proto.ChangeAction{proto.ChangeAdded, proto.ChangeUpdated, proto.ChangeRemoved}
	for _, action := range want {
		select {
		case ev := <-sub.Events:
			assert.Equal(t, action, ev.Action)
			assert.Equal(t, rec.Id, ev.Id)
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", action)
		}
	}

	_, err = s.Get(ctx, rec.Id)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound, "cache is invalidated on delete")

	after, err := s.Subscribe(ctx, proto.DefaultQuery("room"))
	require.NoError(t, err)
	defer after.Cancel()
	assert.Empty(t, after.Initial, "update does not leave a stale index entry")
}

func TestStorage_Persistence(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "badger-test-*")
	require.NoError(t, err, "Failed to create temp directory")
	defer os.RemoveAll(tempDir)

	ctx := context.Background()
	config := DefaultConfig()
	config.DataDir = tempDir

	s, err := NewStorage(config)
	require.NoError(t, err)
	rec, err := s.Put(ctx, &proto.Record{Key: "room", Body: "durable"})
	require.NoError(t, err)
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(ctx), "shutdown is idempotent")

	_, err = s.OpenFeed(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreClosed)

	reopened, err := NewStorage(config)
	require.NoError(t, err)
	defer reopened.Shutdown(ctx)

	got, err := reopened.Get(ctx, rec.Id)
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Body)
}

func TestStorage_StartStopsOnShutdown(t *testing.T) {
	s := newTestStorage(t)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestStorage_ListNewestFirstWithReplies(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Now()

	var ids []string
	for i := 0; i < 5; i++ {
		rec, err := s.Put(ctx, &proto.Record{
			Key:  "thread",
			Body: "post",
			Ts:   timestamppb.New(base.Add(time.Duration(i) * time.Second)),
		})
		require.NoError(t, err)
		ids = append(ids, rec.Id)
	}
	reply, err := s.Put(ctx, &proto.Record{Key: "thread", Body: "reply", Parent: ids[0], Ts: timestamppb.New(base.Add(time.Minute))})
	require.NoError(t, err)

	got, err := s.Get(ctx, reply.Id)
	require.NoError(t, err)
	assert.Equal(t, ids[0], got.Parent, "parent survives the round trip through the store")

	page, err := s.List(ctx, proto.DefaultQuery("thread"), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 6, page.Total)
	assert.Equal(t, 2, page.Count)
	assert.Equal(t, 2, page.RequestedCount)
	require.Len(t, page.Records, 2)
	assert.Equal(t, ids[4], page.Records[0].Id)
	assert.Equal(t, ids[3], page.Records[1].Id)

	page, err = s.List(ctx, proto.DefaultQuery("thread"), 10, 5)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Equal(t, 6, page.Total)
}

func TestStorage_TuningOptionsApplied(t *testing.T) {
	config := DefaultConfig()
	config.InMemory = true
	config.MemTableSize = 8 << 20
	config.NumCompactors = 2
	config.BlockCacheSize = 16 << 20
	config.IndexCacheSize = 8 << 20
	config.GCDiscardRatio = 1.5
	config.MetricsInterval = 0

	s, err := NewStorage(config)
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	opts := s.db.Opts()
	assert.EqualValues(t, 8<<20, opts.MemTableSize)
	assert.Equal(t, 2, opts.NumCompactors)
	assert.EqualValues(t, 8<<20, opts.IndexCacheSize)
	assert.Equal(t, DefaultConfig().GCDiscardRatio, s.config.GCDiscardRatio, "out of range ratio falls back")
	assert.Equal(t, DefaultConfig().MetricsInterval, s.config.MetricsInterval)
}
