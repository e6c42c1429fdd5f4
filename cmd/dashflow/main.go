// Command dashflow turns natural-language analytics requests into a deployed
// Grafana dashboard.
package main

import (
	"os"

	"github.com/randalmurphal/dashflow/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
