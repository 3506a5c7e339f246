// Command noircvctl drives the NoirVisor CVM accelerator from the command
// line: checking for the driver, and booting a flat guest image to its first
// halt or fatal exit.
package main

import "github.com/noircv/go-accel/cmd/noircvctl/cmd"

func main() {
	cmd.Execute()
}
