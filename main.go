package main

import "github.com/tidelake/compute-plane/cmd"

func main() {
	cmd.Execute()
}
