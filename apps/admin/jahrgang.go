package main

import (
	"context"
	"fmt"

	"github.com/konfihub/konfichat/core/chat"
)

// ensureJahrgang provisions the cohort's room; idempotent, so re-running for
// an existing cohort just prints the room it already has.
func (cli *commandLine) ensureJahrgang(cohortID, name string) error {
	svc := chat.NewService(cli.chatRepo, nil, nil, nil, cli.conf)
	room, err := svc.EnsureJahrgangRoom(context.Background(), cohortID, name)
	if err != nil {
		return err
	}
	fmt.Printf("jahrgang room %q ready: %s\n", room.Name, room.ID)
	return nil
}
