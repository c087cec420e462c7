package main

import "github.com/alapierre/go-arca-client/internal/cli"

func main() {
	cli.Execute()
}
