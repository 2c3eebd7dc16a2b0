package main

import (
	"github.com/alecthomas/kong"
)

const (
	appName        = "firebase-token"
	appDescription = "Obtains and keeps refreshed Firebase and Google OAuth2 tokens"
)

// Version is set at build time.
var Version = "dev"

var cli CLI

func main() {
	ctx := kong.Parse(
		&cli,
		kong.UsageOnError(),
		kong.Configuration(KongTOMLResolver),
		kong.Name(appName),
		kong.Description(appDescription),
	)

	// See respective commands Run() methods
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
