// Command docqa is the entry point for the document question-answering
// service. It provides a CLI interface (via Cobra) and an HTTP server
// exposing the upload, ask, and extraction API.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/54b3r/docqa-go/cmd/docqa/commands"
)

func main() {
	// Load .env if present; real environment variables always win.
	_ = godotenv.Load()

	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
