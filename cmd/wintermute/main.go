package main

import "github.com/felixgeelhaar/wintermute/cmd/wintermute/cli"

func main() {
	cli.Execute()
}
