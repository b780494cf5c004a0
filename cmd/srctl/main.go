package main

import "scriptrunner/cmd/cli"

func main() {
	cli.Execute()
}
