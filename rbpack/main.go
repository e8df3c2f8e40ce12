package main

import "rbpack-tools/go/rbpack/cmd"

func main() {
	cmd.Execute()
}
