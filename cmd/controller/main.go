// Command controller runs the unified download-client control plane.
package main

import (
	"flag"
	"os"

	"github.com/got3nks/amule-web-controller-sub002/internal/app"
)

var dataDir = flag.String("data-dir", "./data", "directory holding config.json and the application's SQLite databases")

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()
	return app.Run(*dataDir)
}
