// The main package for the feedhound executable.
package main

import (
	"github.com/feedhound/feedhound/cmd"
)

func main() {
	cmd.Execute()
}
