package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"

	"github.com/konfihub/konfichat/core"
	"github.com/konfihub/konfichat/core/chat"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	conf     *core.Config
	db       *sql.DB
	chatRepo chat.Repository
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate COMMAND [ARGS] - run database migrations (goose commands)")
	fmt.Println("  ensurejahrgang -cohort ID -name NAME - provision a cohort's jahrgang room")
	fmt.Println("  gentoken -id ID -kind admin|konfi [-name NAME] - mint an API token for an actor")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	ensureJahrgangCmd := flag.NewFlagSet("ensurejahrgang", flag.ExitOnError)
	ensureJahrgangCohort := ensureJahrgangCmd.String("cohort", "", "The cohort ID the room belongs to.")
	ensureJahrgangName := ensureJahrgangCmd.String("name", "", "The room name, usually the cohort name.")

	genTokenCmd := flag.NewFlagSet("gentoken", flag.ExitOnError)
	genTokenID := genTokenCmd.String("id", "", "The actor ID.")
	genTokenKind := genTokenCmd.String("kind", chat.ActorKonfi, "The actor kind: admin or konfi.")
	genTokenName := genTokenCmd.String("name", "", "The actor's display name.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "ensurejahrgang":
		if err := ensureJahrgangCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *ensureJahrgangCohort == "" || *ensureJahrgangName == "" {
			ensureJahrgangCmd.Usage()
			return errHelp
		}
		return cli.ensureJahrgang(*ensureJahrgangCohort, *ensureJahrgangName)
	case "gentoken":
		if err := genTokenCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *genTokenID == "" || (*genTokenKind != chat.ActorAdmin && *genTokenKind != chat.ActorKonfi) {
			genTokenCmd.Usage()
			return errHelp
		}
		return cli.genToken(*genTokenID, *genTokenKind, *genTokenName)
	default:
		cli.printUsage()
		return errHelp
	}
}
