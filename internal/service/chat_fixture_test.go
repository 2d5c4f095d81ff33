package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/directory"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/fanout"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func setupChatDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.Employee{},
		&models.ProjectMember{},
		&models.Room{},
		&models.RoomMember{},
		&models.ChatMessage{},
		&models.Notification{},
	))

	employees := []models.Employee{
		{ID: 1, CompanyID: 1, FirstName: "Ada", LastName: "Lovelace", Department: "Engineering", IsActive: true},
		{ID: 2, CompanyID: 1, FirstName: "Grace", LastName: "Hopper", Department: "Engineering", IsActive: true},
		{ID: 3, CompanyID: 1, FirstName: "Alan", LastName: "Turing", Department: "Research", IsActive: true},
		{ID: 4, CompanyID: 2, FirstName: "Edsger", LastName: "Dijkstra", Department: "Engineering", IsActive: true},
	}
	require.NoError(t, db.Create(&employees).Error)
	require.NoError(t, db.Create(&[]models.ProjectMember{
		{ProjectID: 7, EmployeeID: 1},
		{ProjectID: 7, EmployeeID: 2},
		{ProjectID: 7, EmployeeID: 4},
	}).Error)
	return db
}

type chatFixture struct {
	db            *gorm.DB
	hub           *fanout.Hub
	dir           directory.Directory
	mini          *miniredis.Miniredis
	redis         *redis.Client
	chatRepo      repository.ChatRepository
	notifications NotificationService
	rooms         RoomService
	messages      MessageService
	presence      PresenceService
}

func newChatFixture(t *testing.T, opts MessageServiceOptions) *chatFixture {
	t.Helper()

	mini, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mini.Close)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db := setupChatDB(t)
	validate := validator.New(validator.WithRequiredStructEnabled())
	hub := fanout.NewHub(testLogger())
	dir := directory.NewGormDirectory(db)

	chatRepo := repository.NewChatRepository(db)
	roomRepo := repository.NewRoomRepository(db)
	memberRepo := repository.NewMembershipRepository(db)

	notifications := NewNotificationService(repository.NewNotificationRepository(db), hub, validate, testLogger())
	rooms := NewRoomService(roomRepo, memberRepo, dir, notifications, hub, validate, testLogger())
	messages := NewMessageService(chatRepo, memberRepo, rooms, dir, notifications, hub, client, validate, testLogger(), opts)
	presence := NewPresenceService(rooms, roomRepo, memberRepo, chatRepo, messages, testLogger())
	t.Cleanup(messages.Close)

	return &chatFixture{
		db:            db,
		hub:           hub,
		dir:           dir,
		mini:          mini,
		redis:         client,
		chatRepo:      chatRepo,
		notifications: notifications,
		rooms:         rooms,
		messages:      messages,
		presence:      presence,
	}
}

func (f *chatFixture) participant(t *testing.T, id uint) directory.Participant {
	t.Helper()
	p, err := f.dir.Resolve(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (f *chatFixture) rowCounts(t *testing.T) (messages, notifications int64) {
	t.Helper()
	require.NoError(t, f.db.Model(&models.ChatMessage{}).Count(&messages).Error)
	require.NoError(t, f.db.Model(&models.Notification{}).Count(&notifications).Error)
	return messages, notifications
}

func (f *chatFixture) groupRoom(t *testing.T, creator uint, others ...uint) dto.RoomResponse {
	t.Helper()
	room, err := f.rooms.CreateRoom(context.Background(), f.participant(t, creator), dto.CreateRoomRequest{
		Name:           "Launch",
		Kind:           models.RoomKindGroup,
		ParticipantIDs: others,
	})
	require.NoError(t, err)
	return room
}

func (f *chatFixture) listen(t *testing.T, topic string) *fanout.Subscriber {
	t.Helper()
	sub := fanout.NewSubscriber("test:"+topic, 64, nil)
	require.True(t, f.hub.Join(topic, sub))
	t.Cleanup(func() { f.hub.LeaveAll(sub) })
	return sub
}

func receiveEvent(t *testing.T, sub *fanout.Subscriber, target interface{}) {
	t.Helper()
	select {
	case payload, ok := <-sub.Messages():
		require.True(t, ok, "subscriber closed")
		require.NoError(t, json.Unmarshal(payload, target))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func requireNoEvent(t *testing.T, sub *fanout.Subscriber) {
	t.Helper()
	select {
	case payload := <-sub.Messages():
		t.Fatalf("unexpected event: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func drain(sub *fanout.Subscriber) {
	for {
		select {
		case <-sub.Messages():
		default:
			return
		}
	}
}
