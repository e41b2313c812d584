// Command loomctl is the operator CLI for a loom coordination daemon.
package main

import "github.com/loomworks/loom/internal/cli/cmd"

func main() {
	cmd.Execute()
}
