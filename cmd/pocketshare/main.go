package main

import (
	"os"

	"github.com/pocketfileshare/pocketshare/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
