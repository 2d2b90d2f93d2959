package inmemdb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/konfihub/konfichat/core/chat"
)

func seedRepo(t *testing.T, n int) (*chatRepository, chat.Room) {
	db, err := Open()
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	repo := NewChatRepository(db)
	ctx := context.Background()

	room, err := repo.CreateRoom(ctx, chat.Room{ID: "r1", Kind: chat.RoomGroup})
	if err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < n; i++ {
		_, err = repo.CreateMessage(ctx, chat.Message{
			ID:        fmt.Sprintf("m%d", i),
			RoomID:    room.ID,
			Sender:    chat.Actor{ID: "k1", Kind: chat.ActorKonfi},
			Payload:   chat.Text{Body: fmt.Sprintf("msg %d", i)},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateMessage() failed: %v", err)
		}
	}
	return repo, room
}

func TestChatRepository_CreateRoom_uniqueness(t *testing.T) {
	repo, _ := seedRepo(t, 0)
	ctx := context.Background()

	kim := chat.Actor{ID: "k1", Kind: chat.ActorKonfi}
	jonas := chat.Actor{ID: "k2", Kind: chat.ActorKonfi}

	seed := []chat.Room{
		{ID: "d1", Kind: chat.RoomDirect, Participants: []chat.Actor{kim, jonas}},
		{ID: "at1", Kind: chat.RoomAdminTeam},
		{ID: "j1", Kind: chat.RoomJahrgang, CohortID: "c26"},
	}
	for _, room := range seed {
		if _, err := repo.CreateRoom(ctx, room); err != nil {
			t.Fatalf("CreateRoom(%s) failed: %v", room.ID, err)
		}
	}

	tests := []struct {
		name    string
		room    chat.Room
		wantErr error
	}{
		{
			name:    "same direct pair in either order",
			room:    chat.Room{ID: "d2", Kind: chat.RoomDirect, Participants: []chat.Actor{jonas, kim}},
			wantErr: chat.ErrRoomExists,
		},
		{
			name:    "second admin team room",
			room:    chat.Room{ID: "at2", Kind: chat.RoomAdminTeam},
			wantErr: chat.ErrRoomExists,
		},
		{
			name:    "same cohort twice",
			room:    chat.Room{ID: "j2", Kind: chat.RoomJahrgang, CohortID: "c26"},
			wantErr: chat.ErrRoomExists,
		},
		{
			name: "different cohort",
			room: chat.Room{ID: "j3", Kind: chat.RoomJahrgang, CohortID: "c27"},
		},
		{
			name: "groups are never unique",
			room: chat.Room{ID: "g2", Kind: chat.RoomGroup, Participants: []chat.Actor{kim, jonas}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := repo.CreateRoom(ctx, tt.room); err != tt.wantErr {
				t.Errorf("CreateRoom() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestChatRepository_QueryMessages(t *testing.T) {
	repo, room := seedRepo(t, 5)
	ctx := context.Background()

	tests := []struct {
		name          string
		offset, limit int
		want          []string
	}{
		{name: "newest page", offset: 0, limit: 2, want: []string{"m3", "m4"}},
		{name: "second page", offset: 2, limit: 2, want: []string{"m1", "m2"}},
		{name: "short last page", offset: 4, limit: 2, want: []string{"m0"}},
		{name: "past the end", offset: 6, limit: 2, want: []string{}},
		{name: "window larger than history", offset: 0, limit: 10, want: []string{"m0", "m1", "m2", "m3", "m4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := repo.QueryMessages(ctx, room.ID, tt.offset, tt.limit)
			if err != nil {
				t.Fatalf("QueryMessages() failed: %v", err)
			}
			ids := make([]string, len(msgs))
			for i, m := range msgs {
				ids[i] = m.ID
			}
			if fmt.Sprint(ids) != fmt.Sprint(tt.want) {
				t.Errorf("QueryMessages() = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestChatRepository_votes(t *testing.T) {
	repo, room := seedRepo(t, 0)
	ctx := context.Background()

	poll := chat.Message{
		ID:      "p1",
		RoomID:  room.ID,
		Sender:  chat.Actor{ID: "a1", Kind: chat.ActorAdmin},
		Payload: chat.Poll{Question: "Pizza?", Options: []string{"Ja", "Nein"}},
	}
	if _, err := repo.CreateMessage(ctx, poll); err != nil {
		t.Fatalf("CreateMessage() failed: %v", err)
	}

	votesOf := func(t *testing.T) []chat.Vote {
		msg, err := repo.GetMessageByID(ctx, "p1")
		if err != nil {
			t.Fatalf("GetMessageByID() failed: %v", err)
		}
		return msg.Payload.(chat.Poll).Votes
	}
	kimJa := chat.Vote{VoterID: "k1", VoterKind: chat.ActorKonfi, OptionIdx: 0}
	kimNein := chat.Vote{VoterID: "k1", VoterKind: chat.ActorKonfi, OptionIdx: 1}

	if err := repo.AddVote(ctx, "p1", kimJa); err != nil {
		t.Fatalf("AddVote() failed: %v", err)
	}
	if votes := votesOf(t); len(votes) != 1 {
		t.Errorf("votes = %v", votes)
	}

	// replace drops every tuple of the voter before inserting the new one
	if err := repo.ReplaceVote(ctx, "p1", kimNein); err != nil {
		t.Fatalf("ReplaceVote() failed: %v", err)
	}
	if votes := votesOf(t); len(votes) != 1 || votes[0] != kimNein {
		t.Errorf("votes after replace = %v", votes)
	}

	if err := repo.RemoveVote(ctx, "p1", kimNein); err != nil {
		t.Fatalf("RemoveVote() failed: %v", err)
	}
	if votes := votesOf(t); len(votes) != 0 {
		t.Errorf("votes after remove = %v", votes)
	}

	// vote ops reject non-poll messages
	if _, err := repo.CreateMessage(ctx, chat.Message{ID: "t1", RoomID: room.ID, Payload: chat.Text{Body: "hi"}}); err != nil {
		t.Fatalf("CreateMessage() failed: %v", err)
	}
	if err := repo.AddVote(ctx, "t1", kimJa); err != chat.ErrNotAPoll {
		t.Errorf("AddVote() on text error = %v, want %v", err, chat.ErrNotAPoll)
	}
	if err := repo.AddVote(ctx, "nope", kimJa); err != chat.ErrMessageNotFound {
		t.Errorf("AddVote() on unknown error = %v, want %v", err, chat.ErrMessageNotFound)
	}
}

func TestChatRepository_readStateMonotonic(t *testing.T) {
	repo, room := seedRepo(t, 0)
	ctx := context.Background()
	kim := chat.Actor{ID: "k1", Kind: chat.ActorKonfi}

	now := time.Now().UTC()
	if err := repo.SetReadState(ctx, room.ID, kim, now); err != nil {
		t.Fatalf("SetReadState() failed: %v", err)
	}
	// the stale write loses
	if err := repo.SetReadState(ctx, room.ID, kim, now.Add(-time.Hour)); err != nil {
		t.Fatalf("SetReadState() failed: %v", err)
	}
	at, err := repo.GetReadState(ctx, room.ID, kim)
	if err != nil {
		t.Fatalf("GetReadState() failed: %v", err)
	}
	if !at.Equal(now) {
		t.Errorf("watermark = %v, want %v", at, now)
	}

	// the later write wins
	later := now.Add(time.Hour)
	if err = repo.SetReadState(ctx, room.ID, kim, later); err != nil {
		t.Fatalf("SetReadState() failed: %v", err)
	}
	if at, _ = repo.GetReadState(ctx, room.ID, kim); !at.Equal(later) {
		t.Errorf("watermark = %v, want %v", at, later)
	}
}
