// Command dead-letters inspects, replays or purges the dead_letters queue.
//
//	dead-letters list --limit 20    print up to 20 dead letters without consuming them
//	dead-letters replay             move every dead letter back to its original queue
//	dead-letters purge --limit 10   drop up to 10 dead letters
package main

import (
	"os"
)

func main() {
	if err := newRootCommand(dialManager).Execute(); err != nil {
		os.Exit(1)
	}
}
