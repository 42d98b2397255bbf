package main

import "github.com/probehq/probe/cli"

func main() {
	cli.Execute()
}
