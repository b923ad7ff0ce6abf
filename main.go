package main

import "github.com/samogod/opustune/cmd"

func main() {
	cmd.Execute()
}
