package main

import "datapull/internal/cli"

func main() {
	cli.Execute()
}
