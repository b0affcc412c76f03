// addeus inspects the document store behind an add-eus application.
//
// # Installation
//
//	go install github.com/add-eus/library/cmd/addeus@latest
//
// # Commands
//
//	addeus get <path>              Print one document
//	addeus list <collection>       Print the documents of a collection
//	addeus watch <collection>      Stream changes to a collection
//	addeus search <index> <text>   Query a search index
//	addeus doctor                  Check credentials and permissions
//	addeus version                 Print the version
//
// # Configuration
//
// Create addeus.yaml in the project, or any parent directory:
//
//	backend: dynamodb   # or badger
//	table: documents
//	region: eu-west-1
//	dataDir: ./data     # badger only
//	searchPrefix: dev_
//
// Algolia credentials are read from ALGOLIA_APPLICATION_ID and ALGOLIA_API_KEY. Without
// them, search builds a local index over the collection named like the index.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(defaultEnv())
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "addeus: %v\n", err)
		os.Exit(1)
	}
}
