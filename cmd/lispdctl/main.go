// lispdctl is the CLI client for the lispd daemon.
package main

import "github.com/dantte-lp/lispd/cmd/lispdctl/commands"

func main() {
	commands.Execute()
}
