package main

import "github.com/terraphim/agentmux/internal/cli"

func main() {
	cli.Execute()
}
