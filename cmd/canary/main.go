package main

import "drugstore-canary/internal/cli"

func main() {
	cli.Execute()
}
