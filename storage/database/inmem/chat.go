package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/konfihub/konfichat/core/chat"
)

type chatRepository struct {
	db *chatTables
}

var _ chat.Repository = (*chatRepository)(nil) // interface compliance check

func NewChatRepository(db *DB) *chatRepository {
	return &chatRepository{db: db.chat}
}

func readStateKey(roomID string, actor chat.Actor) string {
	return roomID + "|" + actor.Kind + ":" + actor.ID
}

// Rooms

func (repo *chatRepository) CreateRoom(_ context.Context, room chat.Room) (chat.Room, error) {
	repo.db.Lock()
	defer repo.db.Unlock()
	// enforce the same uniqueness rules as the postgres indexes
	for _, existing := range repo.db.rooms {
		switch {
		case room.Kind == chat.RoomDirect && existing.Kind == chat.RoomDirect &&
			len(room.Participants) == 2 && len(existing.Participants) == 2 &&
			chat.DirectKey(room.Participants[0], room.Participants[1]) ==
				chat.DirectKey(existing.Participants[0], existing.Participants[1]):
			return chat.Room{}, chat.ErrRoomExists
		case room.Kind == chat.RoomAdminTeam && existing.Kind == chat.RoomAdminTeam:
			return chat.Room{}, chat.ErrRoomExists
		case room.Kind == chat.RoomJahrgang && existing.Kind == chat.RoomJahrgang &&
			room.CohortID == existing.CohortID:
			return chat.Room{}, chat.ErrRoomExists
		}
	}
	repo.db.rooms[room.ID] = &room
	return room, nil
}

func (repo *chatRepository) GetRoomByID(_ context.Context, id string) (chat.Room, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	if room, ok := repo.db.rooms[id]; ok {
		return *room, nil
	}
	return chat.Room{}, chat.ErrRoomNotFound
}

func (repo *chatRepository) GetDirectRoom(_ context.Context, key string) (chat.Room, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	for _, room := range repo.db.rooms {
		if room.Kind == chat.RoomDirect && len(room.Participants) == 2 &&
			chat.DirectKey(room.Participants[0], room.Participants[1]) == key {
			return *room, nil
		}
	}
	return chat.Room{}, chat.ErrRoomNotFound
}

func (repo *chatRepository) GetSingletonRoom(_ context.Context, kind string) (chat.Room, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	for _, room := range repo.db.rooms {
		if room.Kind == kind {
			return *room, nil
		}
	}
	return chat.Room{}, chat.ErrRoomNotFound
}

func (repo *chatRepository) GetJahrgangRoom(_ context.Context, cohortID string) (chat.Room, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	for _, room := range repo.db.rooms {
		if room.Kind == chat.RoomJahrgang && room.CohortID == cohortID {
			return *room, nil
		}
	}
	return chat.Room{}, chat.ErrRoomNotFound
}

func (repo *chatRepository) QueryRooms(_ context.Context, actor chat.Actor) ([]chat.Room, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	rooms := make([]chat.Room, 0, len(repo.db.rooms))
	for _, room := range repo.db.rooms {
		if room.HasParticipant(actor) {
			rooms = append(rooms, *room)
		}
	}
	return rooms, nil
}

func (repo *chatRepository) SetRoomPreview(_ context.Context, roomID string, preview null.String, at null.Time) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	room, ok := repo.db.rooms[roomID]
	if !ok {
		return chat.ErrRoomNotFound
	}
	room.LastMessage = preview
	room.LastMessageAt = at
	return nil
}

// Messages

func (repo *chatRepository) CreateMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	repo.db.Lock()
	defer repo.db.Unlock()
	if _, ok := repo.db.rooms[msg.RoomID]; !ok {
		return chat.Message{}, chat.ErrRoomNotFound
	}
	repo.db.messages[msg.ID] = &msg
	return msg, nil
}

func (repo *chatRepository) GetMessageByID(_ context.Context, id string) (chat.Message, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	if msg, ok := repo.db.messages[id]; ok {
		return *msg, nil
	}
	return chat.Message{}, chat.ErrMessageNotFound
}

// roomMessages returns the room's full history ascending in (created_at, id).
// Callers must hold at least a read lock.
func (repo *chatRepository) roomMessages(roomID string) []chat.Message {
	msgs := make([]chat.Message, 0)
	for _, msg := range repo.db.messages {
		if msg.RoomID == roomID {
			msgs = append(msgs, *msg)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Before(&msgs[j]) })
	return msgs
}

func (repo *chatRepository) QueryMessages(_ context.Context, roomID string, offset, limit int) ([]chat.Message, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	msgs := repo.roomMessages(roomID)
	// offset counts back from the newest message; the page itself is
	// oldest-first
	end := len(msgs) - offset
	if end <= 0 {
		return []chat.Message{}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return msgs[start:end], nil
}

func (repo *chatRepository) LatestMessage(_ context.Context, roomID string) (chat.Message, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	msgs := repo.roomMessages(roomID)
	if len(msgs) == 0 {
		return chat.Message{}, chat.ErrMessageNotFound
	}
	return msgs[len(msgs)-1], nil
}

func (repo *chatRepository) DeleteMessage(_ context.Context, id string) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	if _, ok := repo.db.messages[id]; !ok {
		return chat.ErrMessageNotFound
	}
	delete(repo.db.messages, id)
	return nil
}

// Votes

func (repo *chatRepository) withPoll(messageID string, fn func(*chat.Poll)) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	msg, ok := repo.db.messages[messageID]
	if !ok {
		return chat.ErrMessageNotFound
	}
	poll, ok := msg.Payload.(chat.Poll)
	if !ok {
		return chat.ErrNotAPoll
	}
	fn(&poll)
	msg.Payload = poll
	return nil
}

func (repo *chatRepository) AddVote(_ context.Context, messageID string, vote chat.Vote) error {
	return repo.withPoll(messageID, func(poll *chat.Poll) {
		poll.Votes = append(poll.Votes, vote)
	})
}

func (repo *chatRepository) RemoveVote(_ context.Context, messageID string, vote chat.Vote) error {
	return repo.withPoll(messageID, func(poll *chat.Poll) {
		votes := poll.Votes[:0]
		for _, v := range poll.Votes {
			if v == vote {
				continue
			}
			votes = append(votes, v)
		}
		poll.Votes = votes
	})
}

func (repo *chatRepository) ReplaceVote(_ context.Context, messageID string, vote chat.Vote) error {
	return repo.withPoll(messageID, func(poll *chat.Poll) {
		votes := poll.Votes[:0]
		for _, v := range poll.Votes {
			if v.VoterID == vote.VoterID && v.VoterKind == vote.VoterKind {
				continue
			}
			votes = append(votes, v)
		}
		poll.Votes = append(votes, vote)
	})
}

// Read state

func (repo *chatRepository) GetReadState(_ context.Context, roomID string, actor chat.Actor) (time.Time, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	return repo.db.readState[readStateKey(roomID, actor)], nil
}

func (repo *chatRepository) SetReadState(_ context.Context, roomID string, actor chat.Actor, at time.Time) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	key := readStateKey(roomID, actor)
	// monotonic: a stale write from another device never rewinds the watermark
	if existing, ok := repo.db.readState[key]; ok && existing.After(at) {
		return nil
	}
	repo.db.readState[key] = at
	return nil
}

func (repo *chatRepository) UnreadCounts(_ context.Context, actor chat.Actor) (map[string]int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	counts := make(map[string]int)
	for _, room := range repo.db.rooms {
		if !room.HasParticipant(actor) {
			continue
		}
		lastRead := repo.db.readState[readStateKey(room.ID, actor)]
		var n int
		for _, msg := range repo.db.messages {
			if msg.RoomID != room.ID {
				continue
			}
			if msg.Sender.ID == actor.ID && msg.Sender.Kind == actor.Kind {
				continue
			}
			if msg.CreatedAt.After(lastRead) {
				n++
			}
		}
		counts[room.ID] = n
	}
	return counts, nil
}
