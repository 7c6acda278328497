package main

import "github.com/eigerco/kvbridge/internal/cli"

func main() {
	cli.Execute()
}
