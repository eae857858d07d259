// Command negsampler operates a negative-event reservoir from the shell. It
// runs against the same store backends as the collector processor, so it can
// inspect or reset a reservoir the processor is filling.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
