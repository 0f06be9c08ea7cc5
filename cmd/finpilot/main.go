package main

import "finpilot/cmd/cli"

func main() {
	cli.Execute()
}
