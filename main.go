package main

import "github.com/arcward/dmrelay/cmd"

func main() {
	cmd.Execute()
}
