package main

import "github.com/silverotter/silverotter/cmd"

func main() {
	cmd.Execute()
}
