// Command reiser4ctl is a debug and inspection CLI for the Core engine
// (seed-demo also writes a demo image): master block decoding, tree structure
// walking, a synthetic atom lifecycle demo, and allocator bitmap
// cross-checking.
package main

import "github.com/deploymenttheory/reiser4core/cmd"

func main() {
	cmd.Execute()
}
