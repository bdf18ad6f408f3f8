package main

import "loaddriver/cmd"

func main() {
	cmd.Execute()
}
