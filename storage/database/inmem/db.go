package inmemdb

import (
	"sync"
	"time"

	"github.com/konfihub/konfichat/core/chat"
)

type (
	DB struct {
		chat *chatTables
	}

	chatTables struct {
		sync.RWMutex
		rooms     map[string]*chat.Room
		messages  map[string]*chat.Message
		readState map[string]time.Time // "<roomID>|<actorKind>:<actorID>" -> last_read_at
	}
)

func Open() (*DB, error) {
	db := &DB{
		chat: &chatTables{
			rooms:     make(map[string]*chat.Room),
			messages:  make(map[string]*chat.Message),
			readState: make(map[string]time.Time),
		},
	}
	return db, nil
}
