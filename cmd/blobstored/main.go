package main

import "github.com/agenthands/blobstore/cmd/blobstored/cmd"

func main() {
	cmd.Execute()
}
