package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/dto"
)

func TestUnreadCountsOthersMessagesSinceCursor(t *testing.T) {
	f := newChatFixture(t, MessageServiceOptions{})
	ctx := context.Background()
	ada, grace := f.participant(t, 1), f.participant(t, 2)
	room := f.groupRoom(t, 1, 2)

	for _, content := range []string{"one", "two", "three"} {
		_, err := f.messages.Send(ctx, ada, room.ID, dto.SendMessageRequest{Content: content})
		require.NoError(t, err)
	}
	_, err := f.messages.Send(ctx, grace, room.ID, dto.SendMessageRequest{Content: "mine"})
	require.NoError(t, err)

	unread, err := f.presence.UnreadCount(ctx, grace, room.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), unread.Count, "own messages never count as unread")

	touched, err := f.presence.Touch(ctx, grace, room.ID)
	require.NoError(t, err)
	require.Zero(t, touched.Count)

	unread, err = f.presence.UnreadCount(ctx, grace, room.ID)
	require.NoError(t, err)
	require.Zero(t, unread.Count)
	require.Equal(t, touched.LastSeen.Unix(), unread.LastSeen.Unix())
}

func TestTouchNeverMovesCursorBackwards(t *testing.T) {
	f := newChatFixture(t, MessageServiceOptions{})
	ctx := context.Background()
	grace := f.participant(t, 2)
	room := f.groupRoom(t, 1, 2)

	presence := f.presence.(*presenceService)
	future := time.Now().UTC().Add(time.Hour)
	presence.now = func() time.Time { return future }

	first, err := f.presence.Touch(ctx, grace, room.ID)
	require.NoError(t, err)
	require.WithinDuration(t, future, first.LastSeen, time.Millisecond)

	presence.now = func() time.Time { return future.Add(-30 * time.Minute) }
	second, err := f.presence.Touch(ctx, grace, room.ID)
	require.NoError(t, err)
	require.WithinDuration(t, future, second.LastSeen, time.Millisecond)
}

func TestTouchRequiresMembership(t *testing.T) {
	f := newChatFixture(t, MessageServiceOptions{})
	room := f.groupRoom(t, 1, 2)

	_, err := f.presence.Touch(context.Background(), f.participant(t, 3), room.ID)
	require.ErrorIs(t, err, ErrNotAMember)
}

func TestSummaryListsRoomsWithUnreadAndLastMessage(t *testing.T) {
	f := newChatFixture(t, MessageServiceOptions{})
	ctx := context.Background()
	ada, grace := f.participant(t, 1), f.participant(t, 2)
	busy := f.groupRoom(t, 1, 2)
	quiet := f.groupRoom(t, 2)

	_, err := f.messages.Send(ctx, ada, busy.ID, dto.SendMessageRequest{Content: "hello"})
	require.NoError(t, err)
	latest, err := f.messages.Send(ctx, ada, busy.ID, dto.SendMessageRequest{Content: "anyone?"})
	require.NoError(t, err)

	summary, err := f.presence.Summary(ctx, grace)
	require.NoError(t, err)
	require.Len(t, summary, 2)

	byRoom := map[uint]dto.RoomSummaryResponse{}
	for _, row := range summary {
		byRoom[row.Room.ID] = row
	}

	require.Equal(t, int64(2), byRoom[busy.ID].UnreadCount)
	require.NotNil(t, byRoom[busy.ID].LastMessage)
	require.Equal(t, latest.ID, byRoom[busy.ID].LastMessage.ID)

	require.Zero(t, byRoom[quiet.ID].UnreadCount)
	require.Nil(t, byRoom[quiet.ID].LastMessage)
}
