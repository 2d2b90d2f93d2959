package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/konfihub/konfichat/core/chat"
)

// MessageStore holds one room's loaded history. History grows backwards page
// by page (LoadOlder) and forwards one message at a time (Send, Apply); the
// window length doubles as the paging offset. Messages that reach the server
// without being applied locally shift that offset, so fetched pages are
// deduplicated against the window before prepending.
type MessageStore struct {
	c        *Client
	roomID   string
	pageSize int

	mu       sync.RWMutex
	messages []chat.Message // ascending (created_at, id)
	ended    bool           // oldest page reached
}

func NewMessageStore(c *Client, roomID string, pageSize int) *MessageStore {
	return &MessageStore{c: c, roomID: roomID, pageSize: pageSize}
}

// Messages returns a copy of the loaded history, oldest first.
func (s *MessageStore) Messages() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// EndOfHistory reports whether the oldest page has been loaded.
func (s *MessageStore) EndOfHistory() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended
}

// LoadOlder fetches the next page back in time and prepends it. A page shorter
// than the page size marks the end of history. A failed load leaves the store
// untouched. Returns the messages actually added to the window.
func (s *MessageStore) LoadOlder(ctx context.Context) ([]chat.Message, error) {
	s.mu.RLock()
	offset := len(s.messages)
	ended := s.ended
	s.mu.RUnlock()
	if ended {
		return nil, nil
	}

	var page []chat.Message
	path := fmt.Sprintf("/chat/rooms/%s/messages?offset=%d&limit=%d", s.roomID, offset, s.pageSize)
	if err := s.c.getJSON(ctx, path, &page); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(page) < s.pageSize {
		s.ended = true
	}
	// a message that arrived since the last load shifts the server's
	// offset-from-newest window back, so the page can overlap messages
	// already held; drop the overlap before prepending
	fresh := make([]chat.Message, 0, len(page))
	for _, msg := range page {
		if !s.holds(msg.ID) {
			fresh = append(fresh, msg)
		}
	}
	if len(fresh) > 0 {
		s.messages = append(fresh, s.messages...)
	}
	return fresh, nil
}

// holds reports whether the window already contains the message.
// Callers must hold s.mu.
func (s *MessageStore) holds(messageID string) bool {
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			return true
		}
	}
	return false
}

// SendText posts a text message and appends the stored message locally.
func (s *MessageStore) SendText(ctx context.Context, content string) (chat.Message, error) {
	return s.send(ctx, content, nil)
}

// SendAttachment posts a message carrying an upload, with optional caption.
func (s *MessageStore) SendAttachment(ctx context.Context, caption string, upload Upload) (chat.Message, error) {
	return s.send(ctx, caption, &upload)
}

func (s *MessageStore) send(ctx context.Context, content string, upload *Upload) (chat.Message, error) {
	msg, err := s.c.sendMessage(ctx, s.roomID, content, upload)
	if err != nil {
		return chat.Message{}, err
	}
	s.Apply(msg)
	return msg, nil
}

// Apply inserts a message delivered out of band (the send response or a
// websocket event). New messages append at the newest end; they are never
// merged into already-loaded pages. Duplicates are dropped.
func (s *MessageStore) Apply(msg chat.Message) {
	if msg.RoomID != s.roomID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holds(msg.ID) {
		return
	}
	s.messages = append(s.messages, msg)
}

// Delete removes the message on the server (admins only) and drops it locally.
func (s *MessageStore) Delete(ctx context.Context, messageID string) error {
	if err := s.c.deleteMessage(ctx, messageID); err != nil {
		return err
	}
	s.Discard(messageID)
	return nil
}

// Discard drops a message from the loaded window without a server call; used
// when a deletion event arrives over the wire.
func (s *MessageStore) Discard(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// Replace swaps an updated message in place (a poll whose votes changed).
func (s *MessageStore) Replace(msg chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			s.messages[i] = msg
			return
		}
	}
}
