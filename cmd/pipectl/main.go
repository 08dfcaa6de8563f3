package main

import (
	"github.com/alecthomas/kong"
)

var buildVersion = "dev"

// CLI is the pipectl command tree.
type CLI struct {
	Globals

	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Login     LoginCmd     `cmd:"" help:"Store the API address and access token"`
	MintToken MintTokenCmd `cmd:"" help:"Mint a development access token from the shared JWT secret"`
	Trigger   TriggerCmd   `cmd:"" help:"Trigger a build for a site"`
	List      ListCmd      `cmd:"" help:"List a site's builds, newest first"`
	Get       GetCmd       `cmd:"" help:"Show a build and its stages"`
	Cancel    CancelCmd    `cmd:"" help:"Cancel an active build"`
	Retry     RetryCmd     `cmd:"" help:"Retry a failed or cancelled build"`
	Logs      LogsCmd      `cmd:"" help:"Print a build's log, optionally following it"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("pipectl"),
		kong.Description("Operator CLI for the build pipeline API."),
		kong.UsageOnError(),
		kong.Vars{"version": buildVersion},
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
