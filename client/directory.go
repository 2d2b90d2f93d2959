package client

import (
	"context"
	"net/url"

	"github.com/konfihub/konfichat/core/chat"
)

// RoomDirectory is the room list screen's data source.
type RoomDirectory struct {
	c *Client
}

func NewRoomDirectory(c *Client) *RoomDirectory {
	return &RoomDirectory{c: c}
}

// List returns the actor's rooms, newest activity first.
func (d *RoomDirectory) List(ctx context.Context) ([]chat.Room, error) {
	var rooms []chat.Room
	err := d.c.getJSON(ctx, "/chat/rooms", &rooms)
	return rooms, err
}

// Search filters the room list by a case-insensitive substring match on the
// room name or the last message preview. Matching happens server-side so the
// preview text is always current.
func (d *RoomDirectory) Search(ctx context.Context, term string) ([]chat.Room, error) {
	var rooms []chat.Room
	err := d.c.getJSON(ctx, "/chat/rooms?search="+url.QueryEscape(term), &rooms)
	return rooms, err
}

// OpenDirect opens (or returns the existing) direct room with the given konfi.
func (d *RoomDirectory) OpenDirect(ctx context.Context, konfiID string) (chat.Room, error) {
	return d.create(ctx, chat.NewRoom{Kind: chat.RoomDirect, Participants: []string{konfiID}})
}

// CreateGroup creates a named group room with the given konfi participants;
// the caller joins implicitly.
func (d *RoomDirectory) CreateGroup(ctx context.Context, name string, konfiIDs []string) (chat.Room, error) {
	return d.create(ctx, chat.NewRoom{Kind: chat.RoomGroup, Name: name, Participants: konfiIDs})
}

// OpenAdminTeam opens the admin team room; admins only.
func (d *RoomDirectory) OpenAdminTeam(ctx context.Context) (chat.Room, error) {
	return d.create(ctx, chat.NewRoom{Kind: chat.RoomAdminTeam})
}

func (d *RoomDirectory) create(ctx context.Context, data chat.NewRoom) (chat.Room, error) {
	var room chat.Room
	err := d.c.postJSON(ctx, "/chat/rooms", data, &room)
	return room, err
}
