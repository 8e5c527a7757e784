// Command democap captures baseline screenshots of every component demo in
// the built documentation site.
//
// Usage:
//
//	democap                                  # capture all components
//	democap --component=button --shard=2/4   # one component, second quarter
//	democap --server-only                    # only serve _site on :3001
//	democap failures                         # print the last failure log
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "democap:", err)
		os.Exit(1)
	}
}
