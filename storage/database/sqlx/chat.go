package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/konfihub/konfichat/core/chat"
)

type chatRepository struct {
	db *sqlx.DB
}

var _ chat.Repository = (*chatRepository)(nil) // interface compliance check

func NewChatRepository(db *sql.DB) *chatRepository {
	return &chatRepository{db: sqlx.NewDb(db, "postgres")}
}

type (
	roomRow struct {
		ID            string      `db:"id"`
		Kind          string      `db:"kind"`
		Name          string      `db:"name"`
		CohortID      null.String `db:"cohort_id"`
		DirectKey     null.String `db:"direct_key"`
		LastMessage   null.String `db:"last_message"`
		LastMessageAt null.Time   `db:"last_message_at"`
		CreatedAt     time.Time   `db:"created_at"`
	}

	participantRow struct {
		RoomID    string `db:"room_id"`
		ActorID   string `db:"actor_id"`
		ActorKind string `db:"actor_kind"`
		ActorName string `db:"actor_name"`
	}

	messageRow struct {
		ID             string         `db:"id"`
		RoomID         string         `db:"room_id"`
		SenderID       string         `db:"sender_id"`
		SenderKind     string         `db:"sender_kind"`
		SenderName     string         `db:"sender_name"`
		Kind           string         `db:"kind"`
		Content        null.String    `db:"content"`
		FileName       null.String    `db:"file_name"`
		FileSize       null.Int64     `db:"file_size"`
		FilePath       null.String    `db:"file_path"`
		Question       null.String    `db:"question"`
		Options        pq.StringArray `db:"options"`
		MultipleChoice null.Bool      `db:"multiple_choice"`
		ExpiresAt      null.Time      `db:"expires_at"`
		CreatedAt      time.Time      `db:"created_at"`
	}

	voteRow struct {
		MessageID string `db:"message_id"`
		VoterID   string `db:"voter_id"`
		VoterKind string `db:"voter_kind"`
		OptionIdx int    `db:"option_idx"`
	}
)

func (r roomRow) toRoom(participants []chat.Actor) chat.Room {
	return chat.Room{
		ID:            r.ID,
		Kind:          r.Kind,
		Name:          r.Name,
		CohortID:      r.CohortID.String,
		Participants:  participants,
		LastMessage:   r.LastMessage,
		LastMessageAt: r.LastMessageAt,
		CreatedAt:     r.CreatedAt,
	}
}

func (r messageRow) toMessage(votes []chat.Vote) (chat.Message, error) {
	msg := chat.Message{
		ID:        r.ID,
		RoomID:    r.RoomID,
		Sender:    chat.Actor{ID: r.SenderID, Kind: r.SenderKind, Name: r.SenderName},
		CreatedAt: r.CreatedAt,
	}
	ref := chat.FileRef{Name: r.FileName.String, Size: r.FileSize.Int64, Path: r.FilePath.String}
	switch r.Kind {
	case chat.KindText:
		msg.Payload = chat.Text{Body: r.Content.String}
	case chat.KindImage:
		msg.Payload = chat.Image{FileRef: ref, Caption: r.Content.String}
	case chat.KindFile:
		msg.Payload = chat.File{FileRef: ref, Caption: r.Content.String}
	case chat.KindVideo:
		msg.Payload = chat.Video{FileRef: ref, Caption: r.Content.String}
	case chat.KindPoll:
		msg.Payload = chat.Poll{
			Question:       r.Question.String,
			Options:        []string(r.Options),
			MultipleChoice: r.MultipleChoice.Bool,
			ExpiresAt:      r.ExpiresAt,
			Votes:          votes,
		}
	default:
		return chat.Message{}, errors.Errorf("message %q: unknown kind %q", r.ID, r.Kind)
	}
	return msg, nil
}

func messageValues(msg chat.Message) (messageRow, error) {
	row := messageRow{
		ID:         msg.ID,
		RoomID:     msg.RoomID,
		SenderID:   msg.Sender.ID,
		SenderKind: msg.Sender.Kind,
		SenderName: msg.Sender.Name,
		CreatedAt:  msg.CreatedAt.UTC(),
	}
	setRef := func(ref chat.FileRef, caption string) {
		row.Content = null.NewString(caption, caption != "")
		row.FileName = null.StringFrom(ref.Name)
		row.FileSize = null.Int64From(ref.Size)
		row.FilePath = null.StringFrom(ref.Path)
	}
	switch p := msg.Payload.(type) {
	case chat.Text:
		row.Kind = chat.KindText
		row.Content = null.StringFrom(p.Body)
	case chat.Image:
		row.Kind = chat.KindImage
		setRef(p.FileRef, p.Caption)
	case chat.File:
		row.Kind = chat.KindFile
		setRef(p.FileRef, p.Caption)
	case chat.Video:
		row.Kind = chat.KindVideo
		setRef(p.FileRef, p.Caption)
	case chat.Poll:
		row.Kind = chat.KindPoll
		row.Question = null.StringFrom(p.Question)
		row.Options = pq.StringArray(p.Options)
		row.MultipleChoice = null.BoolFrom(p.MultipleChoice)
		row.ExpiresAt = p.ExpiresAt
	default:
		return messageRow{}, errors.Errorf("message %q: unknown payload %T", msg.ID, msg.Payload)
	}
	return row, nil
}

// trapNoRowsErr maps psql "no rows" to the domain's not-found sentinel.
func trapNoRowsErr(err, sentinel error, msg string) error {
	if err == sql.ErrNoRows {
		return sentinel
	}
	return errors.Wrap(err, msg)
}

// Rooms

func (repo *chatRepository) CreateRoom(ctx context.Context, room chat.Room) (chat.Room, error) {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return chat.Room{}, errors.Wrap(err, "beginning tx")
	}
	defer func() { _ = tx.Rollback() }()

	var directKey null.String
	if room.Kind == chat.RoomDirect && len(room.Participants) == 2 {
		directKey = null.StringFrom(chat.DirectKey(room.Participants[0], room.Participants[1]))
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO chat_room (id, kind, name, cohort_id, direct_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		room.ID, room.Kind, room.Name, null.NewString(room.CohortID, room.CohortID != ""),
		directKey, room.CreatedAt.UTC(),
	)
	if err != nil {
		// the partial unique indexes on direct_key, admin_team kind and
		// jahrgang cohort back the idempotency rules; a violation means a
		// concurrent create won
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return chat.Room{}, chat.ErrRoomExists
		}
		return chat.Room{}, errors.Wrap(err, "inserting room")
	}
	for _, p := range room.Participants {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chat_room_participant (room_id, actor_id, actor_kind, actor_name)
			 VALUES ($1, $2, $3, $4)`,
			room.ID, p.ID, p.Kind, p.Name,
		)
		if err != nil {
			return chat.Room{}, errors.Wrap(err, "inserting participant")
		}
	}
	if err = tx.Commit(); err != nil {
		return chat.Room{}, errors.Wrap(err, "committing room")
	}
	return room, nil
}

func (repo *chatRepository) getRoom(ctx context.Context, query string, args ...interface{}) (chat.Room, error) {
	var row roomRow
	if err := repo.db.GetContext(ctx, &row, query, args...); err != nil {
		return chat.Room{}, trapNoRowsErr(err, chat.ErrRoomNotFound, "selecting room")
	}
	participants, err := repo.participants(ctx, row.ID)
	if err != nil {
		return chat.Room{}, err
	}
	return row.toRoom(participants), nil
}

func (repo *chatRepository) participants(ctx context.Context, roomID string) ([]chat.Actor, error) {
	var rows []participantRow
	err := repo.db.SelectContext(ctx, &rows,
		`SELECT room_id, actor_id, actor_kind, actor_name FROM chat_room_participant WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, errors.Wrap(err, "selecting participants")
	}
	actors := make([]chat.Actor, 0, len(rows))
	for _, r := range rows {
		actors = append(actors, chat.Actor{ID: r.ActorID, Kind: r.ActorKind, Name: r.ActorName})
	}
	return actors, nil
}

func (repo *chatRepository) GetRoomByID(ctx context.Context, id string) (chat.Room, error) {
	return repo.getRoom(ctx, `SELECT * FROM chat_room WHERE id = $1`, id)
}

func (repo *chatRepository) GetDirectRoom(ctx context.Context, key string) (chat.Room, error) {
	return repo.getRoom(ctx, `SELECT * FROM chat_room WHERE direct_key = $1`, key)
}

func (repo *chatRepository) GetSingletonRoom(ctx context.Context, kind string) (chat.Room, error) {
	return repo.getRoom(ctx, `SELECT * FROM chat_room WHERE kind = $1 LIMIT 1`, kind)
}

func (repo *chatRepository) GetJahrgangRoom(ctx context.Context, cohortID string) (chat.Room, error) {
	return repo.getRoom(ctx, `SELECT * FROM chat_room WHERE kind = 'jahrgang' AND cohort_id = $1`, cohortID)
}

func (repo *chatRepository) QueryRooms(ctx context.Context, actor chat.Actor) ([]chat.Room, error) {
	var rows []roomRow
	err := repo.db.SelectContext(ctx, &rows,
		`SELECT r.* FROM chat_room r
		 WHERE r.kind = 'jahrgang'
		    OR (r.kind = 'admin_team' AND $2 = 'admin')
		    OR EXISTS (SELECT 1 FROM chat_room_participant p
		               WHERE p.room_id = r.id AND p.actor_id = $1 AND p.actor_kind = $2)`,
		actor.ID, actor.Kind,
	)
	if err != nil {
		return nil, errors.Wrap(err, "selecting rooms")
	}
	rooms := make([]chat.Room, 0, len(rows))
	for _, row := range rows {
		participants, err := repo.participants(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, row.toRoom(participants))
	}
	return rooms, nil
}

func (repo *chatRepository) SetRoomPreview(ctx context.Context, roomID string, preview null.String, at null.Time) error {
	res, err := repo.db.ExecContext(ctx,
		`UPDATE chat_room SET last_message = $2, last_message_at = $3 WHERE id = $1`,
		roomID, preview, at,
	)
	if err != nil {
		return errors.Wrap(err, "updating room preview")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrRoomNotFound
	}
	return nil
}

// Messages

func (repo *chatRepository) CreateMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	row, err := messageValues(msg)
	if err != nil {
		return chat.Message{}, err
	}
	_, err = repo.db.NamedExecContext(ctx,
		`INSERT INTO chat_message
		   (id, room_id, sender_id, sender_kind, sender_name, kind, content,
		    file_name, file_size, file_path, question, options, multiple_choice, expires_at, created_at)
		 VALUES
		   (:id, :room_id, :sender_id, :sender_kind, :sender_name, :kind, :content,
		    :file_name, :file_size, :file_path, :question, :options, :multiple_choice, :expires_at, :created_at)`,
		row,
	)
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "inserting message")
	}
	return msg, nil
}

func (repo *chatRepository) votes(ctx context.Context, messageID string) ([]chat.Vote, error) {
	var rows []voteRow
	err := repo.db.SelectContext(ctx, &rows,
		`SELECT * FROM chat_poll_vote WHERE message_id = $1 ORDER BY option_idx, voter_kind, voter_id`, messageID)
	if err != nil {
		return nil, errors.Wrap(err, "selecting votes")
	}
	votes := make([]chat.Vote, 0, len(rows))
	for _, r := range rows {
		votes = append(votes, chat.Vote{VoterID: r.VoterID, VoterKind: r.VoterKind, OptionIdx: r.OptionIdx})
	}
	return votes, nil
}

func (repo *chatRepository) GetMessageByID(ctx context.Context, id string) (chat.Message, error) {
	var row messageRow
	if err := repo.db.GetContext(ctx, &row, `SELECT * FROM chat_message WHERE id = $1`, id); err != nil {
		return chat.Message{}, trapNoRowsErr(err, chat.ErrMessageNotFound, "selecting message")
	}
	var votes []chat.Vote
	if row.Kind == chat.KindPoll {
		var err error
		if votes, err = repo.votes(ctx, id); err != nil {
			return chat.Message{}, err
		}
	}
	return row.toMessage(votes)
}

func (repo *chatRepository) QueryMessages(ctx context.Context, roomID string, offset, limit int) ([]chat.Message, error) {
	var rows []messageRow
	// newest-first window, then reversed: offset counts back from the latest
	// message while the page itself reads oldest-first
	err := repo.db.SelectContext(ctx, &rows,
		`SELECT * FROM chat_message WHERE room_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		roomID, limit, offset,
	)
	if err != nil {
		return nil, errors.Wrap(err, "selecting messages")
	}
	msgs := make([]chat.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		var votes []chat.Vote
		if rows[i].Kind == chat.KindPoll {
			if votes, err = repo.votes(ctx, rows[i].ID); err != nil {
				return nil, err
			}
		}
		msg, err := rows[i].toMessage(votes)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (repo *chatRepository) LatestMessage(ctx context.Context, roomID string) (chat.Message, error) {
	var row messageRow
	err := repo.db.GetContext(ctx, &row,
		`SELECT * FROM chat_message WHERE room_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, roomID)
	if err != nil {
		return chat.Message{}, trapNoRowsErr(err, chat.ErrMessageNotFound, "selecting latest message")
	}
	var votes []chat.Vote
	if row.Kind == chat.KindPoll {
		if votes, err = repo.votes(ctx, row.ID); err != nil {
			return chat.Message{}, err
		}
	}
	return row.toMessage(votes)
}

func (repo *chatRepository) DeleteMessage(ctx context.Context, id string) error {
	res, err := repo.db.ExecContext(ctx, `DELETE FROM chat_message WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "deleting message")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrMessageNotFound
	}
	return nil
}

// Votes

func (repo *chatRepository) AddVote(ctx context.Context, messageID string, vote chat.Vote) error {
	_, err := repo.db.ExecContext(ctx,
		`INSERT INTO chat_poll_vote (message_id, voter_id, voter_kind, option_idx)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		messageID, vote.VoterID, vote.VoterKind, vote.OptionIdx,
	)
	return errors.Wrap(err, "inserting vote")
}

func (repo *chatRepository) RemoveVote(ctx context.Context, messageID string, vote chat.Vote) error {
	_, err := repo.db.ExecContext(ctx,
		`DELETE FROM chat_poll_vote
		 WHERE message_id = $1 AND voter_id = $2 AND voter_kind = $3 AND option_idx = $4`,
		messageID, vote.VoterID, vote.VoterKind, vote.OptionIdx,
	)
	return errors.Wrap(err, "deleting vote")
}

func (repo *chatRepository) ReplaceVote(ctx context.Context, messageID string, vote chat.Vote) error {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning tx")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM chat_poll_vote WHERE message_id = $1 AND voter_id = $2 AND voter_kind = $3`,
		messageID, vote.VoterID, vote.VoterKind,
	)
	if err != nil {
		return errors.Wrap(err, "deleting previous vote")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO chat_poll_vote (message_id, voter_id, voter_kind, option_idx)
		 VALUES ($1, $2, $3, $4)`,
		messageID, vote.VoterID, vote.VoterKind, vote.OptionIdx,
	)
	if err != nil {
		return errors.Wrap(err, "inserting vote")
	}
	return errors.Wrap(tx.Commit(), "committing vote")
}

// Read state

func (repo *chatRepository) GetReadState(ctx context.Context, roomID string, actor chat.Actor) (time.Time, error) {
	var at time.Time
	err := repo.db.GetContext(ctx, &at,
		`SELECT last_read_at FROM chat_read_state WHERE room_id = $1 AND actor_id = $2 AND actor_kind = $3`,
		roomID, actor.ID, actor.Kind,
	)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	return at, errors.Wrap(err, "selecting read state")
}

func (repo *chatRepository) SetReadState(ctx context.Context, roomID string, actor chat.Actor, at time.Time) error {
	// monotonic: a stale write from another device never rewinds the watermark
	_, err := repo.db.ExecContext(ctx,
		`INSERT INTO chat_read_state (room_id, actor_id, actor_kind, last_read_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (room_id, actor_id, actor_kind)
		 DO UPDATE SET last_read_at = GREATEST(chat_read_state.last_read_at, EXCLUDED.last_read_at)`,
		roomID, actor.ID, actor.Kind, at.UTC(),
	)
	return errors.Wrap(err, "upserting read state")
}

func (repo *chatRepository) UnreadCounts(ctx context.Context, actor chat.Actor) (map[string]int, error) {
	rooms, err := repo.QueryRooms(ctx, actor)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rooms))
	for _, room := range rooms {
		var n int
		err = repo.db.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM chat_message m
			 WHERE m.room_id = $1
			   AND NOT (m.sender_id = $2 AND m.sender_kind = $3)
			   AND m.created_at > COALESCE(
			       (SELECT last_read_at FROM chat_read_state
			        WHERE room_id = $1 AND actor_id = $2 AND actor_kind = $3),
			       'epoch'::timestamptz)`,
			room.ID, actor.ID, actor.Kind,
		)
		if err != nil {
			return nil, errors.Wrap(err, "counting unread messages")
		}
		counts[room.ID] = n
	}
	return counts, nil
}
