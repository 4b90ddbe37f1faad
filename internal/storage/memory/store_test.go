package memory

import (
	"context"
	"testing"
	"time"

	"github.com/nkkko/feedhub/internal/domain"
	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func TestSubscribeReturnsInitialInOrder(t *testing.T) {
	s := NewStore(16)
	ctx := context.Background()
	base := time.Now()

	for i, body := range []string{"third", "first", "second"} {
		offset := []time.Duration{3, 1, 2}[i] * time.Second
		_, err := s.Put(ctx, &proto.Record{Key: "k1", Body: body, Ts: timestamppb.New(base.Add(offset))})
		require.NoError(t, err)
	}
	_, err := s.Put(ctx, &proto.Record{Key: "k2", Body: "elsewhere"})
	require.NoError(t, err)

	sub, err := s.Subscribe(ctx, proto.DefaultQuery("k1"))
	require.NoError(t, err)
	defer sub.Cancel()

	require.Len(t, sub.Initial, 3)
	assert.Equal(t, "first", sub.Initial[0].Body)
	assert.Equal(t, "second", sub.Initial[1].Body)
	assert.Equal(t, "third", sub.Initial[2].Body)

	desc := proto.DefaultQuery("k1")
	desc.Order = proto.OrderDesc
	sub2, err := s.Subscribe(ctx, desc)
	require.NoError(t, err)
	defer sub2.Cancel()
	assert.Equal(t, "third", sub2.Initial[0].Body)
}

func TestSubscribeStreamsChanges(t *testing.T) {
	s := NewStore(16)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, proto.DefaultQuery("k1"))
	require.NoError(t, err)

	rec, err := s.Put(ctx, &proto.Record{Key: "k1", Body: "hello", Author: "alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Id)
	assert.Equal(t, proto.DefaultRecordType, rec.Type)

	ev := <-sub.Events
	assert.Equal(t, proto.ChangeAdded, ev.Action)
	assert.Equal(t, rec.Id, ev.Id)

	require.NoError(t, s.Delete(ctx, rec.Id))
	ev = <-sub.Events
	assert.Equal(t, proto.ChangeRemoved, ev.Action)

	sub.Cancel()
	_, ok := <-sub.Events
	assert.False(t, ok)
}

func TestGetAndDeleteMissing(t *testing.T) {
	s := NewStore(16)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "missing"), domain.ErrRecordNotFound)

	_, err = s.Put(ctx, &proto.Record{})
	assert.Error(t, err)
}

func TestOpenFeedHandle(t *testing.T) {
	s := NewStore(16)
	ctx := context.Background()

	h, err := s.OpenFeed(ctx)
	require.NoError(t, err)
	sub, err := h.Subscribe(ctx, proto.DefaultQuery("k1"))
	require.NoError(t, err)

	require.NoError(t, h.Close())
	_, ok := <-sub.Events
	assert.False(t, ok, "closing the handle cancels its subscriptions")
}

func TestSlowSubscriberIsCutOffNotSilentlyDropped(t *testing.T) {
	s := NewStore(0)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, proto.DefaultQuery("k1"))
	require.NoError(t, err)
	defer sub.Cancel()

	for i := 0; i < 300; i++ {
		_, err := s.Put(ctx, &proto.Record{Key: "k1", Body: "burst"})
		require.NoError(t, err)
	}

	received := 0
	for range sub.Events {
		received++
	}
	assert.Less(t, received, 300)
	assert.ErrorIs(t, sub.Err(), domain.ErrOverflow, "a short stream is reported, not hidden")

	again, err := s.Subscribe(ctx, proto.DefaultQuery("k1"))
	require.NoError(t, err)
	defer again.Cancel()
	assert.Len(t, again.Initial, 300, "a fresh subscription recovers every record")
}

func TestListPagesNewestFirst(t *testing.T) {
	s := NewStore(16)
	ctx := context.Background()
	base := time.Now()

	for i, body := range []string{"a", "b", "c"} {
		_, err := s.Put(ctx, &proto.Record{Key: "k1", Body: body, Ts: timestamppb.New(base.Add(time.Duration(i) * time.Second))})
		require.NoError(t, err)
	}
	_, err := s.Put(ctx, &proto.Record{Key: "k2", Body: "elsewhere"})
	require.NoError(t, err)

	page, err := s.List(ctx, proto.DefaultQuery("k1"), 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "c", page.Records[0].Body)
	assert.Equal(t, "b", page.Records[1].Body)
}
