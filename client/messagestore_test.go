package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/konfihub/konfichat/core/chat"
)

func textMessage(roomID, body string, at time.Time) chat.Message {
	return chat.Message{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Sender:    chat.Actor{ID: "k2", Kind: chat.ActorKonfi},
		Payload:   chat.Text{Body: body},
		CreatedAt: at.UTC(),
	}
}

// historyStub serves a fixed ascending history with the offset-from-newest
// paging contract.
type historyStub struct {
	history []chat.Message
	fail    bool // next GET returns 500
}

func (s *historyStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.fail {
			s.fail = false
			http.Error(w, `{"error": "boom"}`, http.StatusInternalServerError)
			return
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		end := len(s.history) - offset
		if end <= 0 {
			_ = json.NewEncoder(w).Encode([]chat.Message{})
			return
		}
		start := end - limit
		if start < 0 {
			start = 0
		}
		if err := json.NewEncoder(w).Encode(s.history[start:end]); err != nil {
			t.Fatalf("encoding page: %v", err)
		}
	}
}

func bodiesOf(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Payload.(chat.Text).Body
	}
	return out
}

func Test_MessageStore_LoadOlder(t *testing.T) {
	roomID := uuid.New().String()
	stub := &historyStub{}
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		stub.history = append(stub.history, textMessage(roomID, fmt.Sprintf("msg %d", i), base.Add(time.Duration(i)*time.Minute)))
	}

	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	store := NewMessageStore(NewClient(srv.URL, "tok"), roomID, 2)
	ctx := context.Background()

	// pages walk backwards; each page arrives oldest-first
	page, err := store.LoadOlder(ctx)
	if err != nil {
		t.Fatalf("LoadOlder() failed: %v", err)
	}
	if got := bodiesOf(page); len(got) != 2 || got[0] != "msg 3" || got[1] != "msg 4" {
		t.Errorf("page 1 = %v", got)
	}
	if _, err = store.LoadOlder(ctx); err != nil {
		t.Fatalf("LoadOlder() failed: %v", err)
	}
	if got := bodiesOf(store.Messages()); fmt.Sprint(got) != "[msg 1 msg 2 msg 3 msg 4]" {
		t.Errorf("history = %v", got)
	}
	if store.EndOfHistory() {
		t.Error("EndOfHistory() = true before the short page")
	}

	// the short page is the end-of-history signal
	page, err = store.LoadOlder(ctx)
	if err != nil {
		t.Fatalf("LoadOlder() failed: %v", err)
	}
	if got := bodiesOf(page); len(got) != 1 || got[0] != "msg 0" {
		t.Errorf("last page = %v", got)
	}
	if !store.EndOfHistory() {
		t.Error("EndOfHistory() = false after the short page")
	}

	// loading past the end is a no-op without a request
	if page, err = store.LoadOlder(ctx); err != nil || page != nil {
		t.Errorf("LoadOlder() past end = (%v, %v)", page, err)
	}
}

// A message from another participant that reaches the server between two page
// loads shifts the offset-from-newest window; the boundary messages it pushes
// back into the next page must not end up in the window twice.
func Test_MessageStore_LoadOlder_foreignArrival(t *testing.T) {
	roomID := uuid.New().String()
	stub := &historyStub{}
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		stub.history = append(stub.history, textMessage(roomID, fmt.Sprintf("msg %d", i), base.Add(time.Duration(i)*time.Minute)))
	}

	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	store := NewMessageStore(NewClient(srv.URL, "tok"), roomID, 2)
	ctx := context.Background()
	if _, err := store.LoadOlder(ctx); err != nil {
		t.Fatalf("LoadOlder() failed: %v", err)
	}
	if got := bodiesOf(store.Messages()); fmt.Sprint(got) != "[msg 3 msg 4]" {
		t.Fatalf("history = %v", got)
	}

	// another participant sends while we scroll; the next page now overlaps
	// the window by one message
	stub.history = append(stub.history, textMessage(roomID, "fremd", time.Now()))

	page, err := store.LoadOlder(ctx)
	if err != nil {
		t.Fatalf("LoadOlder() failed: %v", err)
	}
	if got := bodiesOf(page); fmt.Sprint(got) != "[msg 2]" {
		t.Errorf("added = %v; want the non-overlapping part only", got)
	}

	window := store.Messages()
	seen := make(map[string]int, len(window))
	for _, m := range window {
		seen[m.ID]++
	}
	for id, n := range seen {
		if n > 1 {
			t.Errorf("message %s appears %d times in the window: %v", id, n, bodiesOf(window))
		}
	}
	if got := bodiesOf(window); fmt.Sprint(got) != "[msg 2 msg 3 msg 4]" {
		t.Errorf("history = %v", got)
	}

	// scrolling on still reaches the remaining history, without gaps
	for i := 0; !store.EndOfHistory(); i++ {
		if i > 5 {
			t.Fatal("end of history never reached")
		}
		if _, err = store.LoadOlder(ctx); err != nil {
			t.Fatalf("LoadOlder() failed: %v", err)
		}
	}
	if got := bodiesOf(store.Messages()); fmt.Sprint(got) != "[msg 0 msg 1 msg 2 msg 3 msg 4]" {
		t.Errorf("history = %v", got)
	}
}

func Test_MessageStore_LoadOlder_failureLeavesHistory(t *testing.T) {
	roomID := uuid.New().String()
	stub := &historyStub{}
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		stub.history = append(stub.history, textMessage(roomID, fmt.Sprintf("msg %d", i), base.Add(time.Duration(i)*time.Minute)))
	}

	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	store := NewMessageStore(NewClient(srv.URL, "tok"), roomID, 2)
	ctx := context.Background()
	if _, err := store.LoadOlder(ctx); err != nil {
		t.Fatalf("LoadOlder() failed: %v", err)
	}

	stub.fail = true
	if _, err := store.LoadOlder(ctx); err == nil {
		t.Fatal("LoadOlder() succeeded; want error")
	}
	if got := bodiesOf(store.Messages()); fmt.Sprint(got) != "[msg 2 msg 3]" {
		t.Errorf("history after failed load = %v", got)
	}
	if store.EndOfHistory() {
		t.Error("EndOfHistory() flipped by a failed load")
	}

	// the next attempt picks up where the last good page ended
	if _, err := store.LoadOlder(ctx); err != nil {
		t.Fatalf("LoadOlder() retry failed: %v", err)
	}
	if got := bodiesOf(store.Messages()); fmt.Sprint(got) != "[msg 0 msg 1 msg 2 msg 3]" {
		t.Errorf("history after retry = %v", got)
	}
}

func Test_MessageStore_sendAndApply(t *testing.T) {
	roomID := uuid.New().String()
	stub := &historyStub{}
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		stub.history = append(stub.history, textMessage(roomID, fmt.Sprintf("msg %d", i), base.Add(time.Duration(i)*time.Minute)))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat/rooms/"+roomID+"/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			stub.handler(t)(w, r)
			return
		}
		// echo the posted content back as the stored message
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		msg := textMessage(roomID, r.FormValue("content"), time.Now())
		stub.history = append(stub.history, msg)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(msg)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := NewMessageStore(NewClient(srv.URL, "tok"), roomID, 2)
	ctx := context.Background()
	if _, err := store.LoadOlder(ctx); err != nil {
		t.Fatalf("LoadOlder() failed: %v", err)
	}

	sent, err := store.SendText(ctx, "neu")
	if err != nil {
		t.Fatalf("SendText() failed: %v", err)
	}
	if got := bodiesOf(store.Messages()); fmt.Sprint(got) != "[msg 1 msg 2 neu]" {
		t.Errorf("history after send = %v", got)
	}

	// the send response already applied; the echo event must not duplicate it
	store.Apply(sent)
	if got := len(store.Messages()); got != 3 {
		t.Errorf("history length after duplicate apply = %d", got)
	}

	// a send never changes what older pages will contain: the next LoadOlder
	// still returns msg 0, accounting for the grown newest end
	page, err := store.LoadOlder(ctx)
	if err != nil {
		t.Fatalf("LoadOlder() failed: %v", err)
	}
	if got := bodiesOf(page); len(got) != 1 || got[0] != "msg 0" {
		t.Errorf("older page after send = %v", got)
	}

	// messages from other rooms are ignored
	store.Apply(textMessage(uuid.New().String(), "fremd", time.Now()))
	if got := bodiesOf(store.Messages()); fmt.Sprint(got) != "[msg 0 msg 1 msg 2 neu]" {
		t.Errorf("history = %v", got)
	}

	store.Discard(sent.ID)
	if got := bodiesOf(store.Messages()); fmt.Sprint(got) != "[msg 0 msg 1 msg 2]" {
		t.Errorf("history after discard = %v", got)
	}
}
