// Command dartsim drives a DART mapper against a simulated remapping unit.
package main

import (
	"github.com/sarchlab/iommu/dartsim/cmd"
	"github.com/tebeka/atexit"
)

func main() {
	cmd.Execute()
	atexit.Exit(0)
}
