package chat_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/konfihub/konfichat/core"
	"github.com/konfihub/konfichat/core/chat"
	filesvc "github.com/konfihub/konfichat/services/filestore"
	inmemrepos "github.com/konfihub/konfichat/storage/database/inmem"
	testutil "github.com/konfihub/konfichat/tests"
)

var (
	admin = chat.Actor{ID: "a1", Kind: chat.ActorAdmin, Name: "Anna"}
	kim   = chat.Actor{ID: "k1", Kind: chat.ActorKonfi, Name: "Kim"}
	jonas = chat.Actor{ID: "k2", Kind: chat.ActorKonfi, Name: "Jonas"}
)

func newValidator() *validator.Validate {
	validate := validator.New()
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	core.InitValidators(validate, translator)
	chat.InitValidators(validate, translator)
	return validate
}

func newTestService(t *testing.T) (*chat.Service, chat.Repository, *filesvc.MemStore) {
	db, err := inmemrepos.Open()
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	repo := inmemrepos.NewChatRepository(db)
	files := filesvc.NewMemStoreMock()

	conf := &core.Config{Chat: core.ChatConfig{PageSize: 3, MaxAttachmentSize: 1 << 20}}
	return chat.NewService(repo, files, nil, newValidator(), conf), repo, files
}

func TestService_CreateRoom_direct(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	r1, err := svc.CreateRoom(ctx, kim, chat.NewRoom{Kind: chat.RoomDirect, Participants: []string{jonas.ID}})
	if err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}
	// opening the same pair from the other side lands in the same room
	r2, err := svc.CreateRoom(ctx, jonas, chat.NewRoom{Kind: chat.RoomDirect, Participants: []string{kim.ID}})
	if err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}
	if r1.ID != r2.ID {
		t.Errorf("direct rooms differ: %q != %q", r1.ID, r2.ID)
	}

	if _, err = svc.CreateRoom(ctx, kim, chat.NewRoom{Kind: chat.RoomDirect, Participants: []string{kim.ID}}); err == nil {
		t.Error("CreateRoom() allowed a direct room with oneself")
	}
}

func TestService_CreateRoom_groupNeedsOthers(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	// listing only yourself leaves nobody to chat with
	nr := chat.NewRoom{Kind: chat.RoomGroup, Name: "Bibelkreis", Participants: []string{kim.ID}}
	_, err := svc.CreateRoom(ctx, kim, nr)
	vErr, ok := errors.Cause(err).(*core.ValidationError)
	if !ok {
		t.Fatalf("CreateRoom() error = %T(%v); want *core.ValidationError", err, err)
	}
	if len(vErr.Fields) != 1 || vErr.Fields[0].Field != "participants" {
		t.Errorf("CreateRoom() fields = %+v; want a participants error", vErr.Fields)
	}

	// the creator in the list alongside others is simply dropped
	nr.Participants = []string{kim.ID, jonas.ID}
	room, err := svc.CreateRoom(ctx, kim, nr)
	if err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}
	if len(room.Participants) != 2 {
		t.Errorf("room has %d participants; want 2", len(room.Participants))
	}
}

// missingOnceRepo reports the direct room absent on the first lookup, the way
// a concurrent create that commits between the lookup and the insert would.
type missingOnceRepo struct {
	chat.Repository
	missed bool
}

func (r *missingOnceRepo) GetDirectRoom(ctx context.Context, key string) (chat.Room, error) {
	if !r.missed {
		r.missed = true
		return chat.Room{}, chat.ErrRoomNotFound
	}
	return r.Repository.GetDirectRoom(ctx, key)
}

func TestService_CreateRoom_directRace(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	existing, err := svc.CreateRoom(ctx, kim, chat.NewRoom{Kind: chat.RoomDirect, Participants: []string{jonas.ID}})
	if err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}

	racing := chat.NewService(&missingOnceRepo{Repository: repo}, filesvc.NewMemStoreMock(), nil, newValidator(),
		&core.Config{Chat: core.ChatConfig{PageSize: 3}})
	room, err := racing.CreateRoom(ctx, jonas, chat.NewRoom{Kind: chat.RoomDirect, Participants: []string{kim.ID}})
	if err != nil {
		t.Fatalf("CreateRoom() after losing the race failed: %v", err)
	}
	if room.ID != existing.ID {
		t.Errorf("room = %q; want the existing room %q", room.ID, existing.ID)
	}
}

func TestService_EnsureJahrgangRoom(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	r1, err := svc.EnsureJahrgangRoom(ctx, "c26", "Jahrgang 2026")
	if err != nil {
		t.Fatalf("EnsureJahrgangRoom() failed: %v", err)
	}
	r2, err := svc.EnsureJahrgangRoom(ctx, "c26", "Jahrgang 2026")
	if err != nil {
		t.Fatalf("EnsureJahrgangRoom() failed: %v", err)
	}
	if r1.ID != r2.ID {
		t.Errorf("jahrgang room duplicated: %q != %q", r1.ID, r2.ID)
	}

	// a different cohort gets its own room
	other, err := svc.EnsureJahrgangRoom(ctx, "c27", "Jahrgang 2027")
	if err != nil {
		t.Fatalf("EnsureJahrgangRoom() failed: %v", err)
	}
	if other.ID == r1.ID {
		t.Error("cohorts share a jahrgang room")
	}
}

func TestService_LoadPage_limitClamp(t *testing.T) {
	svc, repo, _ := newTestService(t) // page size 3
	ctx := context.Background()

	room := testutil.CreateRoom(t, repo, chat.RoomGroup, "Bibelkreis", []chat.Actor{kim, jonas})
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		testutil.CreateMessage(t, repo, room, jonas, chat.Text{Body: "m"}, base.Add(time.Duration(i)*time.Minute))
	}

	// an oversized limit is clamped to the configured page size
	msgs, err := svc.LoadPage(ctx, kim, room.ID, 0, 100)
	if err != nil {
		t.Fatalf("LoadPage() failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Errorf("len(msgs) = %d; want page size 3", len(msgs))
	}
	// zero means default
	if msgs, _ = svc.LoadPage(ctx, kim, room.ID, 0, 0); len(msgs) != 3 {
		t.Errorf("len(msgs) = %d; want page size 3", len(msgs))
	}

	if _, err = svc.LoadPage(ctx, admin, room.ID, 0, 0); errors.Cause(err) != chat.ErrNotParticipant {
		t.Errorf("LoadPage() as outsider error = %v, want %v", err, chat.ErrNotParticipant)
	}
}

// failStore fails every save; nothing may be written to the room when the
// attachment cannot be stored.
type failStore struct{ *filesvc.MemStore }

func (failStore) Save(context.Context, chat.Ref, io.Reader) (string, error) {
	return "", errors.New("disk full")
}

func TestService_SendMessage_attachmentFailure(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	room := testutil.CreateRoom(t, repo, chat.RoomGroup, "Bibelkreis", []chat.Actor{kim, jonas})

	broken := chat.NewService(repo, failStore{filesvc.NewMemStoreMock()}, nil, nil, &core.Config{Chat: core.ChatConfig{PageSize: 3}})
	nm := chat.NewMessage{Attachment: &chat.Ref{FileName: "f.jpg", Size: 4, ContentType: "image/jpeg"}}
	if _, err := broken.SendMessage(ctx, kim, room.ID, nm, strings.NewReader("data")); err == nil {
		t.Fatal("SendMessage() succeeded with a failing filestore")
	}

	// the failed send left no trace in the history
	msgs, err := svc.LoadPage(ctx, kim, room.ID, 0, 0)
	if err != nil {
		t.Fatalf("LoadPage() failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("history has %d messages after a failed send", len(msgs))
	}
}

func TestService_SendMessage_preview(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, kim, chat.NewRoom{Kind: chat.RoomDirect, Participants: []string{jonas.ID}})
	if err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}

	if _, err = svc.SendMessage(ctx, kim, room.ID, chat.NewMessage{Content: "Hallo!"}, nil); err != nil {
		t.Fatalf("SendMessage() failed: %v", err)
	}

	rooms, err := svc.ListRooms(ctx, jonas)
	if err != nil {
		t.Fatalf("ListRooms() failed: %v", err)
	}
	if len(rooms) != 1 || rooms[0].LastMessage.String != "Hallo!" || !rooms[0].LastMessageAt.Valid {
		t.Errorf("rooms = %+v; preview not updated", rooms)
	}
}

func TestService_DeleteMessage(t *testing.T) {
	svc, repo, files := newTestService(t)
	ctx := context.Background()

	room := testutil.CreateRoom(t, repo, chat.RoomJahrgang, "Jahrgang 2026", nil)
	nm := chat.NewMessage{Attachment: &chat.Ref{FileName: "f.jpg", Size: 4, ContentType: "image/jpeg"}}
	msg, err := svc.SendMessage(ctx, kim, room.ID, nm, strings.NewReader("data"))
	if err != nil {
		t.Fatalf("SendMessage() failed: %v", err)
	}
	if files.Len() != 1 {
		t.Fatalf("filestore has %d files; want 1", files.Len())
	}

	if err = svc.DeleteMessage(ctx, kim, msg.ID); errors.Cause(err) != chat.ErrPermission {
		t.Errorf("DeleteMessage() as konfi error = %v, want %v", err, chat.ErrPermission)
	}

	if err = svc.DeleteMessage(ctx, admin, msg.ID); err != nil {
		t.Fatalf("DeleteMessage() failed: %v", err)
	}
	// the stored bytes go with the message
	if files.Len() != 0 {
		t.Errorf("filestore has %d files after delete; want 0", files.Len())
	}
}

func TestService_Vote_expiry(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	room := testutil.CreateRoom(t, repo, chat.RoomJahrgang, "Jahrgang 2026", nil)

	// closing is time-driven and terminal: the stored poll expired an hour ago
	expired := testutil.CreateMessage(t, repo, room, admin, chat.Poll{
		Question:  "Zu spät?",
		Options:   []string{"Ja", "Nein"},
		ExpiresAt: null.TimeFrom(time.Now().UTC().Add(-time.Hour)),
	})
	if _, _, err := svc.Vote(ctx, kim, expired.ID, 0); errors.Cause(err) != chat.ErrPollClosed {
		t.Errorf("Vote() on closed poll error = %v, want %v", err, chat.ErrPollClosed)
	}

	// a poll without expiry stays open
	open, err := svc.CreatePoll(ctx, admin, room.ID, chat.NewPoll{Question: "Pizza?", Options: []string{"Ja", "Nein"}})
	if err != nil {
		t.Fatalf("CreatePoll() failed: %v", err)
	}
	if _, _, err = svc.Vote(ctx, kim, open.ID, 0); err != nil {
		t.Errorf("Vote() on open poll failed: %v", err)
	}
}

func TestService_MarkRead_watermark(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	room := testutil.CreateRoom(t, repo, chat.RoomGroup, "Bibelkreis", []chat.Actor{kim, jonas})
	now := time.Now().UTC()
	testutil.CreateMessage(t, repo, room, jonas, chat.Text{Body: "eins"}, now.Add(-2*time.Minute))
	testutil.CreateMessage(t, repo, room, jonas, chat.Text{Body: "zwei"}, now.Add(-time.Minute))

	counts, err := svc.UnreadCounts(ctx, kim)
	if err != nil {
		t.Fatalf("UnreadCounts() failed: %v", err)
	}
	if counts[room.ID] != 2 {
		t.Errorf("unread = %d; want 2", counts[room.ID])
	}

	if err = svc.MarkRead(ctx, kim, room.ID); err != nil {
		t.Fatalf("MarkRead() failed: %v", err)
	}
	if counts, _ = svc.UnreadCounts(ctx, kim); counts[room.ID] != 0 {
		t.Errorf("unread after mark read = %d; want 0", counts[room.ID])
	}

	// a stale watermark from another device never rewinds the read state
	if err = repo.SetReadState(ctx, room.ID, kim, now.Add(-time.Hour)); err != nil {
		t.Fatalf("SetReadState() failed: %v", err)
	}
	if counts, _ = svc.UnreadCounts(ctx, kim); counts[room.ID] != 0 {
		t.Errorf("unread after stale watermark = %d; want 0", counts[room.ID])
	}
}
