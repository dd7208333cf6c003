package main

import "resound/cmd"

func main() {
	cmd.Execute()
}
