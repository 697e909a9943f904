package main

import "capital-guard/internal/cli"

func main() {
	cli.Execute()
}
