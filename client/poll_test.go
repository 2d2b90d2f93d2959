package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"

	"github.com/konfihub/konfichat/core"
	"github.com/konfihub/konfichat/core/chat"
)

func Test_PollEngine_Create_localValidation(t *testing.T) {
	// any request reaching the server is a validation leak
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
	}))
	defer srv.Close()

	engine := NewPollEngine(NewClient(srv.URL, "tok"))
	ctx := context.Background()

	tests := []struct {
		name      string
		draft     chat.NewPoll
		wantField string
	}{
		{
			name:      "blank question",
			draft:     chat.NewPoll{Question: "   ", Options: []string{"Ja", "Nein"}},
			wantField: "question",
		},
		{
			name:      "single option",
			draft:     chat.NewPoll{Question: "Pizza?", Options: []string{"Ja"}},
			wantField: "options",
		},
		{
			name:      "blank options dropped before counting",
			draft:     chat.NewPoll{Question: "Pizza?", Options: []string{"Ja", "  "}},
			wantField: "options",
		},
		{
			name:      "too many options",
			draft:     chat.NewPoll{Question: "Pizza?", Options: make([]string, 11)},
			wantField: "options",
		},
		{
			name:      "negative expiry",
			draft:     chat.NewPoll{Question: "Pizza?", Options: []string{"Ja", "Nein"}, ExpiresInHours: -1},
			wantField: "expires_in_hours",
		},
	}
	for i := range tests[3].draft.Options {
		tests[3].draft.Options[i] = "opt"
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Create(ctx, "r1", tt.draft)
			vErr, ok := errors.Cause(err).(*core.ValidationError)
			if !ok {
				t.Fatalf("err = %T(%v); want *core.ValidationError", err, err)
			}
			if len(vErr.Fields) != 1 || vErr.Fields[0].Field != tt.wantField {
				t.Errorf("fields = %+v; want field %q", vErr.Fields, tt.wantField)
			}
		})
	}
}

func Test_PollEngine_CreateAndVote(t *testing.T) {
	var createdDraft chat.NewPoll
	var votedOption int

	mux := http.NewServeMux()
	mux.HandleFunc("/chat/rooms/r1/polls", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&createdDraft); err != nil {
			t.Fatalf("decoding NewPoll: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(chat.Message{
			ID:     "m1",
			RoomID: "r1",
			Sender: chat.Actor{ID: "a1", Kind: chat.ActorAdmin},
			Payload: chat.Poll{
				Question: createdDraft.Question,
				Options:  createdDraft.Options,
			},
		})
	})
	mux.HandleFunc("/chat/polls/m1/vote", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			OptionIndex int `json:"option_index"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding vote: %v", err)
		}
		votedOption = body.OptionIndex
		_ = json.NewEncoder(w).Encode(VoteResult{
			Message: chat.Message{
				ID:      "m1",
				RoomID:  "r1",
				Sender:  chat.Actor{ID: "a1", Kind: chat.ActorAdmin},
				Payload: chat.Poll{Question: "Pizza?", Options: []string{"Ja", "Nein"}},
			},
			Results: chat.Aggregate{PerOption: []int{1, 1}, TotalVoters: 2, Percent: []int{50, 50}},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	engine := NewPollEngine(NewClient(srv.URL, "tok"))
	ctx := context.Background()

	msg, err := engine.Create(ctx, "r1", chat.NewPoll{
		Question: " Pizza? ",
		Options:  []string{"Ja", "", "Nein"},
	})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if createdDraft.Question != "Pizza?" || len(createdDraft.Options) != 2 {
		t.Errorf("posted draft = %+v; blanks must be trimmed before posting", createdDraft)
	}
	if _, ok := msg.Payload.(chat.Poll); !ok {
		t.Errorf("payload = %#v; want Poll", msg.Payload)
	}

	result, err := engine.Vote(ctx, "m1", 1)
	if err != nil {
		t.Fatalf("Vote() failed: %v", err)
	}
	if votedOption != 1 {
		t.Errorf("posted option = %d; want 1", votedOption)
	}
	if result.Results.TotalVoters != 2 || result.Results.Percent[0] != 50 {
		t.Errorf("results = %+v", result.Results)
	}
}
