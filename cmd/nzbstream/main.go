package main

import (
	"github.com/javi11/nzbstream/cmd/nzbstream/cmd"
)

func main() {
	cmd.Execute()
}
