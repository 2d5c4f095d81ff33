package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/directory"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/fanout"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
)

// blockingNotifier holds every Notify call until release is closed.
type blockingNotifier struct {
	NotificationService
	release <-chan struct{}
}

func (n *blockingNotifier) Notify(ctx context.Context, notification models.Notification, senderName string) (bool, error) {
	select {
	case <-n.release:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return n.NotificationService.Notify(ctx, notification, senderName)
}

func TestSendPersistsBroadcastsAndNotifies(t *testing.T) {
	f := newChatFixture(t, MessageServiceOptions{CachePrefix: "test"})
	ctx := context.Background()
	room := f.groupRoom(t, 1, 2)
	roomEvents := f.listen(t, fanout.RoomTopic(room.ID))
	inbox := f.listen(t, fanout.ParticipantTopic(2))
	drain(inbox)

	sent, err := f.messages.Send(ctx, f.participant(t, 1), room.ID, dto.SendMessageRequest{Content: "  <b>Ship it</b> "})
	require.NoError(t, err)
	require.Equal(t, "Ship it", sent.Content)
	require.Equal(t, models.MessageKindText, sent.Kind)
	require.Equal(t, int64(1), sent.Position)
	require.Equal(t, "Ada Lovelace", sent.SenderName)

	var event dto.ChatMessageEvent
	receiveEvent(t, roomEvents, &event)
	require.Equal(t, dto.EventChatMessage, event.Type)
	require.Equal(t, sent.ID, event.Message.ID)

	f.messages.Wait()

	var notification dto.NotificationEvent
	receiveEvent(t, inbox, &notification)
	require.Equal(t, models.NotificationKindNewMessage, notification.Kind)
	require.Equal(t, "New message in Launch", notification.Title)
	require.Equal(t, "Ada Lovelace: Ship it", notification.Message)
	require.NotNil(t, notification.MessageID)
	require.Equal(t, sent.ID, *notification.MessageID)

	senderInbox, err := f.notifications.List(ctx, 1, dto.NotificationListQuery{})
	require.NoError(t, err)
	require.Empty(t, senderInbox, "the sender is never notified of their own message")

	require.True(t, f.mini.Exists("test:room:1:last"))
}

func TestSendNotifiesEveryOtherMemberOnce(t *testing.T) {
	f := newChatFixture(t, MessageServiceOptions{})
	ctx := context.Background()
	room := f.groupRoom(t, 1, 2, 3)

	sent, err := f.messages.Send(ctx, f.participant(t, 1), room.ID, dto.SendMessageRequest{Content: "status update"})
	require.NoError(t, err)
	f.messages.Wait()

	var rows []models.Notification
	require.NoError(t, f.db.Where("message_id = ? AND kind = ?", sent.ID, models.NotificationKindNewMessage).Find(&rows).Error)
	require.Len(t, rows, 2)

	recipients := make([]uint, 0, len(rows))
	for _, row := range rows {
		recipients = append(recipients, row.RecipientID)
	}
	require.ElementsMatch(t, []uint{2, 3}, recipients)
}

func TestSendDoesNotWaitForNotificationDelivery(t *testing.T) {
	f := newChatFixture(t, MessageServiceOptions{})
	ctx := context.Background()
	ada := f.participant(t, 1)
	room := f.groupRoom(t, 1, 2)

	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }

	messages := NewMessageService(
		f.chatRepo,
		repository.NewMembershipRepository(f.db),
		f.rooms,
		f.dir,
		&blockingNotifier{NotificationService: f.notifications, release: release},
		f.hub,
		nil,
		validator.New(validator.WithRequiredStructEnabled()),
		testLogger(),
		MessageServiceOptions{NotifyWorkers: 1, NotifyQueue: 1},
	)
	t.Cleanup(messages.Close)
	t.Cleanup(unblock)

	sent := make(chan error, 1)
	go func() {
		for i := 0; i < 5; i++ {
			if _, err := messages.Send(ctx, ada, room.ID, dto.SendMessageRequest{Content: fmt.Sprintf("update %d", i)}); err != nil {
				sent <- err
				return
			}
		}
		sent <- nil
	}()

	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sending stalled behind notification delivery")
	}

	history, err := messages.History(ctx, ada, room.ID, dto.MessageListQuery{})
	require.NoError(t, err)
	require.Len(t, history, 5)

	unblock()
	messages.Wait()

	var delivered int64
	require.NoError(t, f.db.Model(&models.Notification{}).
		Where("recipient_id = ? AND kind = ?", 2, models.NotificationKindNewMessage).
		Count(&delivered).Error)
	require.GreaterOrEqual(t, delivered, int64(1))
	require.Less(t, delivered, int64(5), "fan-outs beyond the queue are dropped")
}

func TestSendStoresTextAsTyped(t *testing.T) {
	f := newChatFixture(t, MessageServiceOptions{})
	ctx := context.Background()
	require.NoError(t, f.db.Create(&models.Employee{ID: 5, CompanyID: 1, FirstName: "Miles", LastName: "O'Brien", Department: "Operations", IsActive: true}).Error)
	ada := f.participant(t, 1)
	room := f.groupRoom(t, 1, 2, 5)

	typed := `Tom's build: 1 < 2 && "ok"`
	sent, err := f.messages.Send(ctx, ada, room.ID, dto.SendMessageRequest{Content: "  " + typed + " "})
	require.NoError(t, err)
	require.Equal(t, typed, sent.Content)

	history, err := f.messages.History(ctx, f.participant(t, 2), room.ID, dto.MessageListQuery{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, typed, history[0].Content)

	edited, err := f.messages.Edit(ctx, ada, sent.ID, dto.EditMessageRequest{Content: typed + " <i>again</i>"})
	require.NoError(t, err)
	require.Equal(t, typed+" again", edited.Content)

	_, err = f.messages.Send(ctx, ada, room.ID, dto.SendMessageRequest{Content: "@Miles O'Brien & team, please check"})
	require.NoError(t, err)
	f.messages.Wait()

	var mentions int64
	require.NoError(t, f.db.Model(&models.Notification{}).
		Where("recipient_id = ? AND kind = ?", 5, models.NotificationKindMention).
		Count(&mentions).Error)
	require.Equal(t, int64(1), mentions)
}

func TestSendRejectsInvalidInput(t *testing.T) {
	f := newChatFixture(t, MessageServiceOptions{})
	ctx := context.Background()
	room := f.groupRoom(t, 1, 2)
	other := f.groupRoom(t, 1, 3)

	_, err := f.messages.Send(ctx, f.participant(t, 1), room.ID, dto.SendMessageRequest{Content: "  <script></script> "})
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.messages.Send(ctx, f.participant(t, 3), room.ID, dto.SendMessageRequest{Content: "let me in"})
	require.ErrorIs(t, err, ErrNotAMember)

	_, err = f.messages.Send(ctx, f.participant(t, 4), room.ID, dto.SendMessageRequest{Content: "hello"})
	require.ErrorIs(t, err, ErrRoomNotFound)

	_, err = f.messages.Send(ctx, f.participant(t, 1), room.ID, dto.SendMessageRequest{Content: strings.Repeat("x", 4001)})
	require.Error(t, err)
	require.True(t, isValidationError(err))

	elsewhere, err := f.messages.Send(ctx, f.participant(t, 1), other.ID, dto.SendMessageRequest{Content: "elsewhere"})
	require.NoError(t, err)
	_, err = f.messages.Send(ctx, f.participant(t, 1), room.ID, dto.SendMessageRequest{Content: "re", ReplyTo: &elsewhere.ID})
	require.ErrorIs(t, err, ErrInvalidReply)

	var count int64
	require.NoError(t, f.db.Model(&models.ChatMessage{}).Where("room_id = ?", room.ID).Count(&count).Error)
	require.Zero(t, count)
}

func TestConcurrentSendsKeepTotalOrder(t *testing.T) {
	f := newChatFixture(t, MessageServiceOptions{})
	ctx := context.Background()
	room := f.groupRoom(t, 1, 2)
	senders := []directory.Participant{f.participant(t, 1), f.participant(t, 2)}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.messages.Send(ctx, senders[i%2], room.ID, dto.SendMessageRequest{Content: "burst"})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	history, err := f.messages.History(ctx, f.participant(t, 2), room.ID, dto.MessageListQuery{Limit: 100})
	require.NoError(t, err)
	require.Len(t, history, 20)
	for i, message := range history {
		require.Equal(t, int64(i+1), message.Position)
	}
}

func TestRepliesAndHistoryPaging(t *testing.T) {
	f := newChatFixture(t, MessageServiceOptions{})
	ctx := context.Background()
	ada, grace := f.participant(t, 1), f.participant(t, 2)
	room := f.groupRoom(t, 1, 2)

	root, err := f.messages.Send(ctx, ada, room.ID, dto.SendMessageRequest{Content: "standup at 10?"})
	require.NoError(t, err)
	for _, content := range []string{"yes", "works for me"} {
		_, err := f.messages.Send(ctx, grace, room.ID, dto.SendMessageRequest{Content: content, ReplyTo: &root.ID})
		require.NoError(t, err)
	}

	history, err := f.messages.History(ctx, grace, room.ID, dto.MessageListQuery{})
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, int64(2), history[0].ReplyCount)
	require.Equal(t, "Grace Hopper", history[1].SenderName)

	after, err := f.messages.History(ctx, grace, room.ID, dto.MessageListQuery{After: 1})
	require.NoError(t, err)
	require.Len(t, after, 2)
	require.Equal(t, int64(2), after[0].Position)

	before, err := f.messages.History(ctx, grace, room.ID, dto.MessageListQuery{Before: 3, Limit: 1})
	require.NoError(t, err)
	require.Len(t, before, 1)
	require.Equal(t, int64(2), before[0].Position)
}

func TestMentionsCreateOneExtraNotification(t *testing.T) {
	f := newChatFixture(t, MessageServiceOptions{})
	ctx := context.Background()
	room := f.groupRoom(t, 1, 2, 3)

	_, err := f.messages.Send(ctx, f.participant(t, 1), room.ID, dto.SendMessageRequest{Content: "@grace hopper and @3 please review, @1 too"})
	require.NoError(t, err)
	f.messages.Wait()

	for _, recipient := range []uint{2, 3} {
		inbox, err := f.notifications.List(ctx, recipient, dto.NotificationListQuery{})
		require.NoError(t, err)
		require.Len(t, inbox, 3)

		kinds := map[models.NotificationKind]int{}
		for _, n := range inbox {
			kinds[n.Kind]++
		}
		require.Equal(t, 1, kinds[models.NotificationKindNewMessage])
		require.Equal(t, 1, kinds[models.NotificationKindMention])
		require.Equal(t, 1, kinds[models.NotificationKindRoomInvite])
	}

	self, err := f.notifications.List(ctx, 1, dto.NotificationListQuery{})
	require.NoError(t, err)
	require.Empty(t, self)
}

func TestEditAndDeleteFollowTheStateMachine(t *testing.T) {
	f := newChatFixture(t, MessageServiceOptions{CachePrefix: "test"})
	ctx := context.Background()
	ada, grace := f.participant(t, 1), f.participant(t, 2)
	room := f.groupRoom(t, 1, 2)
	roomEvents := f.listen(t, fanout.RoomTopic(room.ID))

	sent, err := f.messages.Send(ctx, ada, room.ID, dto.SendMessageRequest{Content: "draft"})
	require.NoError(t, err)
	drain(roomEvents)

	_, err = f.messages.Edit(ctx, grace, sent.ID, dto.EditMessageRequest{Content: "hijack"})
	require.ErrorIs(t, err, ErrUnauthorized)

	edited, err := f.messages.Edit(ctx, ada, sent.ID, dto.EditMessageRequest{Content: "final"})
	require.NoError(t, err)
	require.Equal(t, models.MessageStateEdited, edited.State)
	require.True(t, edited.IsEdited)
	require.Equal(t, "final", edited.Content)
	require.False(t, f.mini.Exists("test:room:1:last"), "edits invalidate the cached last message")
	requireNoEvent(t, roomEvents)

	deleted, err := f.messages.Delete(ctx, ada, sent.ID)
	require.NoError(t, err)
	require.Equal(t, models.MessageStateDeleted, deleted.State)
	require.Empty(t, deleted.Content)

	_, err = f.messages.Edit(ctx, ada, sent.ID, dto.EditMessageRequest{Content: "again"})
	require.ErrorIs(t, err, ErrMessageDeleted)
	_, err = f.messages.Delete(ctx, ada, sent.ID)
	require.ErrorIs(t, err, ErrMessageDeleted)

	_, err = f.messages.Delete(ctx, ada, 999)
	require.ErrorIs(t, err, ErrMessageNotFound)

	visible, err := f.messages.History(ctx, grace, room.ID, dto.MessageListQuery{})
	require.NoError(t, err)
	require.Empty(t, visible)

	_, err = f.messages.History(ctx, grace, room.ID, dto.MessageListQuery{IncludeDeleted: true})
	require.ErrorIs(t, err, ErrUnauthorized)

	all, err := f.messages.History(ctx, ada, room.ID, dto.MessageListQuery{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, models.MessageStateDeleted, all[0].State)
}

func TestEditsBroadcastWhenEnabled(t *testing.T) {
	f := newChatFixture(t, MessageServiceOptions{BroadcastEdits: true})
	ctx := context.Background()
	ada := f.participant(t, 1)
	room := f.groupRoom(t, 1, 2)
	roomEvents := f.listen(t, fanout.RoomTopic(room.ID))

	sent, err := f.messages.Send(ctx, ada, room.ID, dto.SendMessageRequest{Content: "draft"})
	require.NoError(t, err)
	drain(roomEvents)

	_, err = f.messages.Edit(ctx, ada, sent.ID, dto.EditMessageRequest{Content: "final"})
	require.NoError(t, err)

	var event dto.ChatMessageEvent
	receiveEvent(t, roomEvents, &event)
	require.Equal(t, dto.EventMessageEdited, event.Type)
	require.Equal(t, "final", event.Message.Content)
}

func TestLastMessageFallsBackToStoreAndRefillsCache(t *testing.T) {
	f := newChatFixture(t, MessageServiceOptions{CachePrefix: "test"})
	ctx := context.Background()
	room := f.groupRoom(t, 1, 2)

	empty, err := f.messages.LastMessage(ctx, room.ID)
	require.NoError(t, err)
	require.Nil(t, empty)

	_, err = f.messages.Send(ctx, f.participant(t, 1), room.ID, dto.SendMessageRequest{Content: "first"})
	require.NoError(t, err)
	second, err := f.messages.Send(ctx, f.participant(t, 2), room.ID, dto.SendMessageRequest{Content: "second"})
	require.NoError(t, err)

	f.mini.FlushAll()

	last, err := f.messages.LastMessage(ctx, room.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, second.ID, last.ID)
	require.Equal(t, "Grace Hopper", last.SenderName)
	require.True(t, f.mini.Exists("test:room:1:last"))
}

func TestLastMessageCacheKeepsHighestPosition(t *testing.T) {
	f := newChatFixture(t, MessageServiceOptions{CachePrefix: "test"})
	ctx := context.Background()
	svc := f.messages.(*messageService)

	svc.cacheLastMessage(ctx, dto.ChatMessagePayload{ID: 12, RoomID: 1, Position: 2, Content: "newer"})
	svc.cacheLastMessage(ctx, dto.ChatMessagePayload{ID: 11, RoomID: 1, Position: 1, Content: "older"})

	cached := svc.fetchLastMessage(ctx, 1)
	require.NotNil(t, cached)
	require.Equal(t, int64(2), cached.Position, "a late write for an older message is ignored")

	svc.cacheLastMessage(ctx, dto.ChatMessagePayload{ID: 13, RoomID: 1, Position: 3, Content: "newest"})
	cached = svc.fetchLastMessage(ctx, 1)
	require.NotNil(t, cached)
	require.Equal(t, uint(13), cached.ID)
	require.Positive(t, f.mini.TTL("test:room:1:last"))
}

func TestMessagesSurviveReconnect(t *testing.T) {
	f := newChatFixture(t, MessageServiceOptions{})
	ctx := context.Background()
	room := f.groupRoom(t, 1, 2)

	offline := f.listen(t, fanout.RoomTopic(room.ID))
	f.hub.LeaveAll(offline)

	sent, err := f.messages.Send(ctx, f.participant(t, 1), room.ID, dto.SendMessageRequest{Content: "while you were away"})
	require.NoError(t, err)

	history, err := f.messages.History(ctx, f.participant(t, 2), room.ID, dto.MessageListQuery{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, sent.ID, history[0].ID)
}

func TestPreviewTruncatesLongContent(t *testing.T) {
	long := strings.Repeat("é", previewLength+10)
	got := preview(models.ChatMessage{Content: long})
	require.Equal(t, previewLength+3, len([]rune(got)))
	require.True(t, strings.HasSuffix(got, "..."))

	require.Equal(t, "sent an image", preview(models.ChatMessage{Kind: models.MessageKindImage}))
}
