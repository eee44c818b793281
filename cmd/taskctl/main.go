package main

import "task-lifecycle/internal/cli"

var version = "dev"

func main() {
	cli.Execute(version)
}
