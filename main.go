// The main package for the jobintake executable.
package main

import (
	"github.com/JakeFAU/jobintake/cmd"
)

func main() {
	cmd.Execute()
}
