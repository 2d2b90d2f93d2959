package chat

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/konfihub/konfichat/core"
)

// Room kinds
const (
	RoomDirect    = "direct"
	RoomGroup     = "group"
	RoomJahrgang  = "jahrgang"
	RoomAdminTeam = "admin_team"
)

// Actor kinds
const (
	ActorAdmin = "admin"
	ActorKonfi = "konfi"
)

// Message kinds
const (
	KindText  = "text"
	KindImage = "image"
	KindFile  = "file"
	KindVideo = "video"
	KindPoll  = "poll"
)

var RoomKinds = []string{RoomDirect, RoomGroup, RoomJahrgang, RoomAdminTeam}

// Actor identifies a chat participant. User administration lives outside this
// module; only the reference travels through here.
type Actor struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
}

func (a Actor) IsAdmin() bool { return a.Kind == ActorAdmin }

func (a Actor) key() string { return a.Kind + ":" + a.ID }

type Room struct {
	ID            string      `json:"id"`
	Kind          string      `json:"type"`
	Name          string      `json:"name"`
	CohortID      string      `json:"cohort_id,omitempty"` // jahrgang rooms only
	Participants  []Actor     `json:"participants"`
	LastMessage   null.String `json:"last_message"`
	LastMessageAt null.Time   `json:"last_message_time"`
	CreatedAt     time.Time   `json:"created_at"`
}

// DirectKey builds the canonical identity of a direct room: the unordered
// participant pair. Two calls with the actors swapped yield the same key.
func DirectKey(a, b Actor) string {
	ka, kb := a.key(), b.key()
	if kb < ka {
		ka, kb = kb, ka
	}
	return ka + "|" + kb
}

// HasParticipant reports whether the actor belongs to the room.
// jahrgang and admin_team rooms carry no explicit participant set:
// admin_team admits admins only; jahrgang admits any actor, since scoping a
// konfi to their cohort is the roster service's concern, not ours.
func (r *Room) HasParticipant(actor Actor) bool {
	switch r.Kind {
	case RoomAdminTeam:
		return actor.IsAdmin()
	case RoomJahrgang:
		return true
	}
	for _, p := range r.Participants {
		if p.ID == actor.ID && p.Kind == actor.Kind {
			return true
		}
	}
	return false
}

// Payload is the message body; exactly one variant exists per message kind.
type Payload interface {
	Kind() string
	preview() string
}

type Text struct {
	Body string
}

func (Text) Kind() string      { return KindText }
func (t Text) preview() string { return t.Body }

// FileRef points at uploaded binary content; the bytes themselves live behind
// the filestore and are only reachable through a resolved URL.
type FileRef struct {
	Name string
	Size int64
	Path string
}

type Image struct {
	FileRef
	Caption string
}

func (Image) Kind() string      { return KindImage }
func (i Image) preview() string { return nonEmpty(i.Caption, "\U0001F4F7 "+i.Name) }

type File struct {
	FileRef
	Caption string
}

func (File) Kind() string      { return KindFile }
func (f File) preview() string { return nonEmpty(f.Caption, "\U0001F4CE "+f.Name) }

type Video struct {
	FileRef
	Caption string
}

func (Video) Kind() string      { return KindVideo }
func (v Video) preview() string { return nonEmpty(v.Caption, "\U0001F3A5 "+v.Name) }

type Poll struct {
	Question       string
	Options        []string
	MultipleChoice bool
	ExpiresAt      null.Time
	Votes          []Vote
}

func (Poll) Kind() string      { return KindPoll }
func (p Poll) preview() string { return "\U0001F4CA " + p.Question }

// Closed reports whether the poll no longer accepts vote mutations.
// The transition is time-driven and terminal; there is no explicit close action.
func (p *Poll) Closed(now time.Time) bool {
	return p.ExpiresAt.Valid && now.After(p.ExpiresAt.Time)
}

type Vote struct {
	VoterID   string `json:"voter_id"`
	VoterKind string `json:"voter_kind"`
	OptionIdx int    `json:"option_index"`
}

func (v Vote) sameVoter(o Vote) bool { return v.VoterID == o.VoterID && v.VoterKind == o.VoterKind }

type Message struct {
	ID        string
	RoomID    string
	Sender    Actor
	Payload   Payload
	CreatedAt time.Time // UTC, server-assigned
}

// Before implements the canonical display order: (created_at, id) ascending.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// Preview is the denormalized room preview text for this message.
func (m *Message) Preview() string {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.preview()
}

// messageJSON is the flat wire shape; message_type discriminates which of the
// optional fields are meaningful.
type messageJSON struct {
	ID             string    `json:"id"`
	RoomID         string    `json:"room_id"`
	SenderID       string    `json:"sender_id"`
	SenderType     string    `json:"sender_type"`
	SenderName     string    `json:"sender_name,omitempty"`
	Type           string    `json:"message_type"`
	CreatedAt      time.Time `json:"created_at"`
	Content        string    `json:"content,omitempty"`
	FileName       string    `json:"file_name,omitempty"`
	FileSize       int64     `json:"file_size,omitempty"`
	FilePath       string    `json:"file_path,omitempty"`
	Question       string    `json:"question,omitempty"`
	Options        []string  `json:"options,omitempty"`
	MultipleChoice *bool     `json:"multiple_choice,omitempty"`
	ExpiresAt      null.Time `json:"expires_at,omitempty"`
	Votes          []Vote    `json:"votes,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.Sender.ID,
		SenderType: m.Sender.Kind,
		SenderName: m.Sender.Name,
		CreatedAt:  m.CreatedAt,
	}
	switch p := m.Payload.(type) {
	case Text:
		out.Type, out.Content = KindText, p.Body
	case Image:
		out.Type, out.Content = KindImage, p.Caption
		out.FileName, out.FileSize, out.FilePath = p.Name, p.Size, p.Path
	case File:
		out.Type, out.Content = KindFile, p.Caption
		out.FileName, out.FileSize, out.FilePath = p.Name, p.Size, p.Path
	case Video:
		out.Type, out.Content = KindVideo, p.Caption
		out.FileName, out.FileSize, out.FilePath = p.Name, p.Size, p.Path
	case Poll:
		out.Type, out.Question, out.Options = KindPoll, p.Question, p.Options
		out.MultipleChoice = &p.MultipleChoice
		out.ExpiresAt = p.ExpiresAt
		out.Votes = p.Votes
	default:
		return nil, errors.Errorf("marshalling message %q: unknown payload %T", m.ID, m.Payload)
	}
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	m.ID = in.ID
	m.RoomID = in.RoomID
	m.Sender = Actor{ID: in.SenderID, Kind: in.SenderType, Name: in.SenderName}
	m.CreatedAt = in.CreatedAt

	ref := FileRef{Name: in.FileName, Size: in.FileSize, Path: in.FilePath}
	switch in.Type {
	case KindText:
		m.Payload = Text{Body: in.Content}
	case KindImage:
		m.Payload = Image{FileRef: ref, Caption: in.Content}
	case KindFile:
		m.Payload = File{FileRef: ref, Caption: in.Content}
	case KindVideo:
		m.Payload = Video{FileRef: ref, Caption: in.Content}
	case KindPoll:
		var multi bool
		if in.MultipleChoice != nil {
			multi = *in.MultipleChoice
		}
		m.Payload = Poll{
			Question:       in.Question,
			Options:        in.Options,
			MultipleChoice: multi,
			ExpiresAt:      in.ExpiresAt,
			Votes:          in.Votes,
		}
	default:
		return errors.Errorf("unmarshalling message %q: unknown message_type %q", in.ID, in.Type)
	}
	return nil
}

// SortRooms orders rooms for the directory: last_message_time descending,
// rooms with no messages last, ties by room id.
func SortRooms(rooms []Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		ri, rj := rooms[i], rooms[j]
		switch {
		case ri.LastMessageAt.Valid && !rj.LastMessageAt.Valid:
			return true
		case !ri.LastMessageAt.Valid && rj.LastMessageAt.Valid:
			return false
		case ri.LastMessageAt.Valid && rj.LastMessageAt.Valid &&
			!ri.LastMessageAt.Time.Equal(rj.LastMessageAt.Time):
			return ri.LastMessageAt.Time.After(rj.LastMessageAt.Time)
		}
		return ri.ID < rj.ID
	})
}

// NewRoom contains information needed to create a Room.
type NewRoom struct {
	Kind         string   `json:"type" validate:"required,roomkind"`
	Name         string   `json:"name"`
	Participants []string `json:"participants"` // konfi ids; the creator is implicit
}

func (nr *NewRoom) Validate(validate *validator.Validate) error {
	nr.Kind = core.CleanString(nr.Kind, true /* lower */)
	nr.Name = core.CleanString(nr.Name)
	if err := validate.Struct(nr); err != nil {
		return err
	}

	switch nr.Kind {
	case RoomDirect:
		if len(nr.Participants) != 1 {
			return core.NewValidationError(nil,
				core.FieldError{Field: "participants", Error: "a direct room needs exactly one participant"})
		}
	case RoomGroup:
		if nr.Name == "" {
			return core.NewValidationError(nil,
				core.FieldError{Field: "name", Error: "a group room needs a name"})
		}
		if len(nr.Participants) == 0 {
			return core.NewValidationError(nil,
				core.FieldError{Field: "participants", Error: "a group room needs at least one participant"})
		}
	case RoomAdminTeam:
		if len(nr.Participants) > 0 {
			return core.NewValidationError(nil,
				core.FieldError{Field: "participants", Error: "the admin team room takes no participants"})
		}
	case RoomJahrgang:
		// provisioned with the cohort, never through this operation
		return core.NewValidationError(nil,
			core.FieldError{Field: "type", Error: "jahrgang rooms are created with their cohort"})
	}
	return nil
}

// NewMessage contains information needed to send a message.
// At least one of Content / Attachment must be present.
type NewMessage struct {
	Content    string `json:"content"`
	Attachment *Ref   `json:"-"`
}

func (nm *NewMessage) Validate(validate *validator.Validate) error {
	nm.Content = strings.TrimSpace(nm.Content)
	if nm.Content == "" && nm.Attachment == nil {
		return core.NewValidationError(ErrEmptyMessage,
			core.FieldError{Field: "content", Error: ErrEmptyMessage.Error()})
	}
	return nil
}

// NewPoll contains information needed to create a poll message.
type NewPoll struct {
	Question       string   `json:"question" validate:"required,notblank"`
	Options        []string `json:"options" validate:"min=2,max=10"`
	MultipleChoice bool     `json:"multiple_choice"`
	ExpiresInHours int      `json:"expires_in_hours,omitempty" validate:"omitempty,gt=0"`
}

func (np *NewPoll) Validate(validate *validator.Validate) error {
	np.Question = core.CleanString(np.Question)

	// drop blank options before counting; order of the remaining ones is
	// significant (it is the vote index)
	opts := make([]string, 0, len(np.Options))
	for _, opt := range np.Options {
		if opt = core.CleanString(opt); opt != "" {
			opts = append(opts, opt)
		}
	}
	np.Options = opts

	return validate.Struct(np)
}

// ExpiryTime converts the relative expiry to an absolute expires_at.
func (np *NewPoll) ExpiryTime(now time.Time) null.Time {
	if np.ExpiresInHours <= 0 {
		return null.Time{}
	}
	return null.TimeFrom(now.Add(time.Duration(np.ExpiresInHours) * time.Hour).UTC())
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
