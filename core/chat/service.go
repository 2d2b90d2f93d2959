package chat

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/konfihub/konfichat/core"
)

var (
	// errors
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomExists is returned by Repository.CreateRoom when a uniqueness
	// rule (direct pair, admin_team singleton, jahrgang per cohort) already
	// holds a room; the service resolves it by returning the existing room.
	ErrRoomExists      = errors.New("room already exists")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotParticipant  = errors.New("not a participant of this room")
	ErrPermission      = errors.New("permission denied")
	ErrEmptyMessage    = errors.New("a message needs text or an attachment")

	// business-rule errors; surfaced with their own reason so the UI can say
	// "poll closed" instead of a generic failure
	ErrNotAPoll      = errors.New("message is not a poll")
	ErrPollClosed    = errors.New("poll is closed")
	ErrInvalidOption = errors.New("invalid poll option")

	ErrAttachmentType   = errors.New("attachment type not allowed")
	ErrAttachmentTooBig = errors.New("attachment exceeds the size limit")
)

type (
	Repository interface {
		CreateRoom(ctx context.Context, room Room) (Room, error)
		GetRoomByID(ctx context.Context, id string) (Room, error)
		// GetDirectRoom finds the direct room identified by the canonical
		// unordered participant pair key; ErrRoomNotFound if absent.
		GetDirectRoom(ctx context.Context, key string) (Room, error)
		GetSingletonRoom(ctx context.Context, kind string) (Room, error)
		GetJahrgangRoom(ctx context.Context, cohortID string) (Room, error)
		QueryRooms(ctx context.Context, actor Actor) ([]Room, error)
		SetRoomPreview(ctx context.Context, roomID string, preview null.String, at null.Time) error

		CreateMessage(ctx context.Context, msg Message) (Message, error)
		GetMessageByID(ctx context.Context, id string) (Message, error)
		// QueryMessages returns one history page ordered oldest-first by
		// (created_at, id). A short page signals end of history.
		QueryMessages(ctx context.Context, roomID string, offset, limit int) ([]Message, error)
		LatestMessage(ctx context.Context, roomID string) (Message, error)
		DeleteMessage(ctx context.Context, id string) error

		AddVote(ctx context.Context, messageID string, vote Vote) error
		RemoveVote(ctx context.Context, messageID string, vote Vote) error
		ReplaceVote(ctx context.Context, messageID string, vote Vote) error

		// Read state is a per (room, actor) watermark; SetReadState never
		// moves it backwards (last-write-wins across devices, monotonic).
		GetReadState(ctx context.Context, roomID string, actor Actor) (time.Time, error)
		SetReadState(ctx context.Context, roomID string, actor Actor, at time.Time) error
		UnreadCounts(ctx context.Context, actor Actor) (map[string]int, error)
	}

	// FileStore persists uploaded attachment bytes. Physical storage is an
	// external concern; the chat core only consumes the stored path.
	FileStore interface {
		Save(ctx context.Context, ref Ref, content io.Reader) (path string, err error)
		Open(ctx context.Context, path string) (io.ReadCloser, error)
		Remove(ctx context.Context, path string) error
	}

	// Notifier is told about committed messages so interested parties
	// (websocket hub, push gateway) can fan out. Delivery is external.
	Notifier interface {
		MessageCreated(room Room, msg Message)
	}

	Service struct {
		repo     Repository
		files    FileStore
		notifier Notifier
		validate *validator.Validate
		pageSize int
	}
)

func NewService(repo Repository, files FileStore, notifier Notifier, validate *validator.Validate, conf *core.Config) *Service {
	return &Service{
		repo:     repo,
		files:    files,
		notifier: notifier,
		validate: validate,
		pageSize: conf.Chat.PageSize,
	}
}

// PageSize is the default (and maximum) history page length.
func (svc *Service) PageSize() int { return svc.pageSize }

// Rooms

// ListRooms returns the actor's rooms sorted by last_message_time descending;
// rooms with no messages sort last, ties break by room id.
func (svc *Service) ListRooms(ctx context.Context, actor Actor) ([]Room, error) {
	rooms, err := svc.repo.QueryRooms(ctx, actor)
	if err != nil {
		return nil, errors.Wrap(err, "querying rooms")
	}
	SortRooms(rooms)
	return rooms, nil
}

// SearchRooms filters ListRooms by a case-insensitive substring match on the
// room name or the last-message preview.
func (svc *Service) SearchRooms(ctx context.Context, actor Actor, term string) ([]Room, error) {
	rooms, err := svc.ListRooms(ctx, actor)
	if err != nil {
		return nil, err
	}
	term = core.CleanString(term, true /* lower */)
	if term == "" {
		return rooms, nil
	}
	matches := make([]Room, 0, len(rooms))
	for _, r := range rooms {
		if strings.Contains(strings.ToLower(r.Name), term) ||
			strings.Contains(strings.ToLower(r.LastMessage.String), term) {
			matches = append(matches, r)
		}
	}
	return matches, nil
}

// CreateRoom creates a direct, group or admin_team room on behalf of the
// actor. Direct and admin_team creation is idempotent: an existing room is
// returned instead of a duplicate. Jahrgang rooms are rejected here; they are
// provisioned with their cohort (EnsureJahrgangRoom).
func (svc *Service) CreateRoom(ctx context.Context, actor Actor, nr NewRoom) (Room, error) {
	if err := nr.Validate(svc.validate); err != nil {
		return Room{}, err
	}

	now := time.Now().UTC()
	switch nr.Kind {
	case RoomDirect:
		target := Actor{ID: nr.Participants[0], Kind: ActorKonfi}
		if target.ID == actor.ID && target.Kind == actor.Kind {
			return Room{}, core.NewValidationError(nil,
				core.FieldError{Field: "participants", Error: "cannot open a direct room with yourself"})
		}
		key := DirectKey(actor, target)
		if room, err := svc.repo.GetDirectRoom(ctx, key); err == nil {
			return room, nil
		} else if errors.Cause(err) != ErrRoomNotFound {
			return Room{}, errors.Wrap(err, "finding direct room")
		}
		room := Room{
			ID:           uuid.New().String(),
			Kind:         RoomDirect,
			Name:         nonEmpty(nr.Name, target.ID),
			Participants: []Actor{actor, target},
			CreatedAt:    now,
		}
		room, err := svc.repo.CreateRoom(ctx, room)
		if errors.Cause(err) == ErrRoomExists {
			// lost a race with a concurrent create; adopt the winner
			room, err = svc.repo.GetDirectRoom(ctx, key)
			return room, errors.Wrap(err, "finding direct room")
		}
		return room, errors.Wrap(err, "creating direct room")

	case RoomAdminTeam:
		if !actor.IsAdmin() {
			return Room{}, ErrPermission
		}
		if room, err := svc.repo.GetSingletonRoom(ctx, RoomAdminTeam); err == nil {
			return room, nil
		} else if errors.Cause(err) != ErrRoomNotFound {
			return Room{}, errors.Wrap(err, "finding admin team room")
		}
		room := Room{
			ID:        uuid.New().String(),
			Kind:      RoomAdminTeam,
			Name:      nonEmpty(nr.Name, "Admin-Team"),
			CreatedAt: now,
		}
		room, err := svc.repo.CreateRoom(ctx, room)
		if errors.Cause(err) == ErrRoomExists {
			room, err = svc.repo.GetSingletonRoom(ctx, RoomAdminTeam)
			return room, errors.Wrap(err, "finding admin team room")
		}
		return room, errors.Wrap(err, "creating admin team room")

	default: // group
		participants := make([]Actor, 0, len(nr.Participants)+1)
		participants = append(participants, actor)
		for _, id := range nr.Participants {
			if id == actor.ID {
				continue
			}
			participants = append(participants, Actor{ID: id, Kind: ActorKonfi})
		}
		// the creator's own ID does not count towards the minimum
		if len(participants) == 1 {
			return Room{}, core.NewValidationError(nil,
				core.FieldError{Field: "participants", Error: "a group room needs a participant besides yourself"})
		}
		room := Room{
			ID:           uuid.New().String(),
			Kind:         RoomGroup,
			Name:         nr.Name,
			Participants: participants,
			CreatedAt:    now,
		}
		room, err := svc.repo.CreateRoom(ctx, room)
		return room, errors.Wrap(err, "creating group room")
	}
}

// EnsureJahrgangRoom provisions the cohort room. Called by the cohort
// administration (an external collaborator) whenever a cohort is created;
// idempotent per cohort.
func (svc *Service) EnsureJahrgangRoom(ctx context.Context, cohortID, cohortName string) (Room, error) {
	if room, err := svc.repo.GetJahrgangRoom(ctx, cohortID); err == nil {
		return room, nil
	} else if errors.Cause(err) != ErrRoomNotFound {
		return Room{}, errors.Wrap(err, "finding jahrgang room")
	}
	room := Room{
		ID:        uuid.New().String(),
		Kind:      RoomJahrgang,
		Name:      cohortName,
		CohortID:  cohortID,
		CreatedAt: time.Now().UTC(),
	}
	room, err := svc.repo.CreateRoom(ctx, room)
	if errors.Cause(err) == ErrRoomExists {
		room, err = svc.repo.GetJahrgangRoom(ctx, cohortID)
		return room, errors.Wrap(err, "finding jahrgang room")
	}
	return room, errors.Wrap(err, "creating jahrgang room")
}

func (svc *Service) GetRoom(ctx context.Context, actor Actor, roomID string) (Room, error) {
	room, err := svc.repo.GetRoomByID(ctx, roomID)
	if err != nil {
		return Room{}, errors.Wrap(err, "finding room")
	}
	if !room.HasParticipant(actor) {
		return Room{}, ErrNotParticipant
	}
	return room, nil
}

// Messages

// LoadPage returns one page of the room's history, oldest-first within the
// page. offset counts back from the newest message. A page shorter than limit
// is the authoritative end-of-history signal.
func (svc *Service) LoadPage(ctx context.Context, actor Actor, roomID string, offset, limit int) ([]Message, error) {
	if _, err := svc.GetRoom(ctx, actor, roomID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > svc.pageSize {
		limit = svc.pageSize
	}
	if offset < 0 {
		offset = 0
	}
	msgs, err := svc.repo.QueryMessages(ctx, roomID, offset, limit)
	return msgs, errors.Wrap(err, "querying messages")
}

// SendMessage stores a text/image/file/video message. When the message carries
// an attachment, content is uploaded to the filestore first; a storage failure
// surfaces before anything is written to the room, leaving the caller's draft
// reusable.
func (svc *Service) SendMessage(ctx context.Context, actor Actor, roomID string, nm NewMessage, content io.Reader) (Message, error) {
	room, err := svc.GetRoom(ctx, actor, roomID)
	if err != nil {
		return Message{}, err
	}
	if err = nm.Validate(svc.validate); err != nil {
		return Message{}, err
	}

	var payload Payload
	if nm.Attachment != nil {
		path, err := svc.files.Save(ctx, *nm.Attachment, content)
		if err != nil {
			return Message{}, errors.Wrap(err, "storing attachment")
		}
		ref := FileRef{Name: nm.Attachment.FileName, Size: nm.Attachment.Size, Path: path}
		switch {
		case strings.HasPrefix(nm.Attachment.ContentType, "image/"):
			payload = Image{FileRef: ref, Caption: nm.Content}
		case strings.HasPrefix(nm.Attachment.ContentType, "video/"):
			payload = Video{FileRef: ref, Caption: nm.Content}
		default:
			payload = File{FileRef: ref, Caption: nm.Content}
		}
	} else {
		payload = Text{Body: nm.Content}
	}

	msg := Message{
		ID:        uuid.New().String(),
		RoomID:    room.ID,
		Sender:    actor,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	return svc.commitMessage(ctx, room, msg)
}

// DeleteMessage hard-deletes a message; admins only. The room preview is
// re-derived when the deleted message was the latest one.
func (svc *Service) DeleteMessage(ctx context.Context, actor Actor, messageID string) error {
	if !actor.IsAdmin() {
		return ErrPermission
	}
	msg, err := svc.repo.GetMessageByID(ctx, messageID)
	if err != nil {
		return errors.Wrap(err, "finding message")
	}
	if err = svc.repo.DeleteMessage(ctx, messageID); err != nil {
		return errors.Wrap(err, "deleting message")
	}

	// drop stored attachment bytes along with the message
	if ref, ok := fileRefOf(msg.Payload); ok {
		if err = svc.files.Remove(ctx, ref.Path); err != nil {
			return errors.Wrap(err, "removing attachment")
		}
	}

	latest, err := svc.repo.LatestMessage(ctx, msg.RoomID)
	switch errors.Cause(err) {
	case nil:
		err = svc.repo.SetRoomPreview(ctx, msg.RoomID,
			null.StringFrom(latest.Preview()), null.TimeFrom(latest.CreatedAt))
	case ErrMessageNotFound:
		err = svc.repo.SetRoomPreview(ctx, msg.RoomID, null.String{}, null.Time{})
	}
	return errors.Wrap(err, "refreshing room preview")
}

// Polls

// CreatePoll stores a poll message; admins only.
func (svc *Service) CreatePoll(ctx context.Context, actor Actor, roomID string, np NewPoll) (Message, error) {
	if !actor.IsAdmin() {
		return Message{}, ErrPermission
	}
	room, err := svc.GetRoom(ctx, actor, roomID)
	if err != nil {
		return Message{}, err
	}
	if err = np.Validate(svc.validate); err != nil {
		return Message{}, err
	}

	now := time.Now().UTC()
	msg := Message{
		ID:     uuid.New().String(),
		RoomID: room.ID,
		Sender: actor,
		Payload: Poll{
			Question:       np.Question,
			Options:        np.Options,
			MultipleChoice: np.MultipleChoice,
			ExpiresAt:      np.ExpiryTime(now),
		},
		CreatedAt: now,
	}
	return svc.commitMessage(ctx, room, msg)
}

// Vote casts or retracts a vote on a poll message and returns the refreshed
// message plus its aggregate. Single-choice: a new vote supersedes the voter's
// previous one. Multiple-choice: voting the same option again retracts it,
// a different option adds a tuple. Mutations on a closed poll are rejected.
func (svc *Service) Vote(ctx context.Context, actor Actor, messageID string, optionIdx int) (Message, Aggregate, error) {
	msg, err := svc.repo.GetMessageByID(ctx, messageID)
	if err != nil {
		return Message{}, Aggregate{}, errors.Wrap(err, "finding message")
	}
	poll, ok := msg.Payload.(Poll)
	if !ok {
		return Message{}, Aggregate{}, ErrNotAPoll
	}
	if _, err = svc.GetRoom(ctx, actor, msg.RoomID); err != nil {
		return Message{}, Aggregate{}, err
	}

	if poll.Closed(time.Now().UTC()) {
		return Message{}, Aggregate{}, ErrPollClosed
	}
	if optionIdx < 0 || optionIdx >= len(poll.Options) {
		return Message{}, Aggregate{}, ErrInvalidOption
	}

	vote := Vote{VoterID: actor.ID, VoterKind: actor.Kind, OptionIdx: optionIdx}
	if poll.MultipleChoice {
		var retract bool
		for _, v := range poll.Votes {
			if v.sameVoter(vote) && v.OptionIdx == optionIdx {
				retract = true
				break
			}
		}
		if retract {
			err = svc.repo.RemoveVote(ctx, messageID, vote)
		} else {
			err = svc.repo.AddVote(ctx, messageID, vote)
		}
	} else {
		err = svc.repo.ReplaceVote(ctx, messageID, vote)
	}
	if err != nil {
		return Message{}, Aggregate{}, errors.Wrap(err, "writing vote")
	}

	msg, err = svc.repo.GetMessageByID(ctx, messageID)
	if err != nil {
		return Message{}, Aggregate{}, errors.Wrap(err, "reloading message")
	}
	poll = msg.Payload.(Poll)
	return msg, poll.Tally(), nil
}

// Unread accounting

// MarkRead moves the actor's read watermark for the room to now. Counts are
// computed server-side against the watermark, so a mark-read immediately
// zeroes the room for this actor. The watermark never moves backwards; when
// two devices mark-read at different times the later one wins.
func (svc *Service) MarkRead(ctx context.Context, actor Actor, roomID string) error {
	if _, err := svc.GetRoom(ctx, actor, roomID); err != nil {
		return err
	}
	return errors.Wrap(svc.repo.SetReadState(ctx, roomID, actor, time.Now().UTC()), "setting read state")
}

// UnreadCounts returns the number of unread messages per room for all rooms
// the actor participates in. The actor's own messages never count as unread.
func (svc *Service) UnreadCounts(ctx context.Context, actor Actor) (map[string]int, error) {
	counts, err := svc.repo.UnreadCounts(ctx, actor)
	return counts, errors.Wrap(err, "querying unread counts")
}

// Files

// OpenFile streams a stored attachment for the fetch endpoint.
func (svc *Service) OpenFile(ctx context.Context, path string) (io.ReadCloser, error) {
	rc, err := svc.files.Open(ctx, path)
	return rc, errors.Wrap(err, "opening stored file")
}

func (svc *Service) commitMessage(ctx context.Context, room Room, msg Message) (Message, error) {
	msg, err := svc.repo.CreateMessage(ctx, msg)
	if err != nil {
		return Message{}, errors.Wrap(err, "storing message")
	}
	err = svc.repo.SetRoomPreview(ctx, room.ID,
		null.StringFrom(msg.Preview()), null.TimeFrom(msg.CreatedAt))
	if err != nil {
		return Message{}, errors.Wrap(err, "updating room preview")
	}
	if svc.notifier != nil {
		svc.notifier.MessageCreated(room, msg)
	}
	return msg, nil
}

func fileRefOf(p Payload) (FileRef, bool) {
	switch v := p.(type) {
	case Image:
		return v.FileRef, true
	case File:
		return v.FileRef, true
	case Video:
		return v.FileRef, true
	}
	return FileRef{}, false
}
