package main

import "github.com/veilmesh/veilmesh/cmd/veilmesh/cmd"

func main() {
	cmd.Execute()
}
