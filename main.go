package main

import (
	"os"

	"github.com/dhcgn/archive-to-mailbox/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
