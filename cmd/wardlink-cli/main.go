package main

import "github.com/wardlink/wardlink/cmd/wardlink-cli/cmd"

func main() {
	cmd.Execute()
}
