package main

import "campusattend/cmd/attendctl/cmd"

func main() {
	cmd.Execute()
}
