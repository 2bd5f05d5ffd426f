// trstats - Tribes: Vengeance server stats tracker.
//
// trstats polls the master directory and every known game server over
// UDP, keeps server and player records in sqlite, scrapes admin console
// chat, relays chat and player counts between instances over MQTT and
// pushes them to browsers over a websocket gateway.
package main

import (
	"errors"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/config"
)

const (
	AppName    = "trstats"
	AppVersion = "1.0.0"
	Banner     = `
  _            _        _
 | |_ _ __ ___| |_ __ _| |_ ___
 | __| '__/ __| __/ _' | __/ __|
 | |_| |  \__ \ || (_| | |_\__ \
  \__|_|  |___/\__\__,_|\__|___/  v%s
 Tribes: Vengeance server tracker
`
)

var opts config.Options

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = true

	mustAddCommand(parser, "serve", "Run the tracker (default)",
		"Poll game servers, scrape chat, relay events and serve the HTTP API.", &serveCommand{})
	mustAddCommand(parser, "servers", "List persisted servers",
		"Print a table of every server in the local database.", &serversCommand{})
	mustAddCommand(parser, "probe", "Query one server",
		"Send a single status query to ip:queryport and print the decoded reply.", &probeCommand{})
	mustAddCommand(parser, "chat", "Show recent chat",
		"Print the last hour of chat for a server from the relay log.", &chatCommand{})

	ran := false
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		ran = true
		if opts.Version {
			fmt.Printf("%s %s\n", AppName, AppVersion)
			return nil
		}
		if cmd == nil {
			cmd = &serveCommand{}
		}
		return cmd.Execute(args)
	}

	_, err := parser.Parse()
	if err == nil && !ran {
		err = parser.CommandHandler(nil, nil)
	}
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", AppName, err)
		os.Exit(1)
	}
}

func mustAddCommand(p *flags.Parser, name, short, long string, data interface{}) {
	if _, err := p.AddCommand(name, short, long, data); err != nil {
		panic(err)
	}
}
