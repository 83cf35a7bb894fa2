// Command connscope checks that a PostgreSQL store is reachable with the same
// configuration an application would use, and exercises the connection pool
// under concurrent load.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
