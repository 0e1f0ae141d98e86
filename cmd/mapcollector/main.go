// Package main wires together the mapcollector binary.
package main

import "github.com/JakeFAU/sourcemap-collector/cmd"

func main() {
	cmd.Execute()
}
