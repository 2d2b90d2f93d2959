package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/konfihub/konfichat/core/chat"
)

func CreateRoom(
	t *testing.T,
	repo chat.Repository,
	kind, name string,
	participants []chat.Actor,
	createdAt ...time.Time,
) chat.Room {
	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	room := chat.Room{
		ID:           uuid.New().String(),
		Kind:         kind,
		Name:         name,
		Participants: participants,
		CreatedAt:    tstamp,
	}
	room, err := repo.CreateRoom(context.Background(), room)
	if err != nil {
		t.Fatalf("createRoom() failed: %v", err)
	}
	return room
}

func CreateMessage(
	t *testing.T,
	repo chat.Repository,
	room chat.Room,
	sender chat.Actor,
	payload chat.Payload,
	createdAt ...time.Time,
) chat.Message {
	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	msg := chat.Message{
		ID:        uuid.New().String(),
		RoomID:    room.ID,
		Sender:    sender,
		Payload:   payload,
		CreatedAt: tstamp,
	}
	msg, err := repo.CreateMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("createMessage() failed: %v", err)
	}
	return msg
}
