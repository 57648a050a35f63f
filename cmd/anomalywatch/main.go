package main

import "anomalywatch/internal/cli"

func main() {
	cli.Execute()
}
