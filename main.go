package main

import "slopestream-core/cmd"

func main() {
	cmd.Run()
}
