package main

import "github.com/jmcleod/latchkey/cmd/latchkey/cmd"

func main() {
	cmd.Execute()
}
