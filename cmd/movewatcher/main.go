package main

import (
	"candle-move-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
