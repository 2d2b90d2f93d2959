package main

import (
	"fmt"

	echoapi "github.com/konfihub/konfichat/apps/api/echo"
	"github.com/konfihub/konfichat/core/chat"
)

func (cli *commandLine) genToken(id, kind, name string) error {
	echoapi.InitJWTConfig(cli.conf)
	claims := echoapi.GetActorClaims(chat.Actor{ID: id, Kind: kind, Name: name})
	token, err := echoapi.GenerateToken(claims)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
