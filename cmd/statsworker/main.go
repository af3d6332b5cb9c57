package main

import "crypto-stats-worker/internal/cli"

func main() {
	cli.Execute()
}
