package main

import (
	"machine-health-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
