package main

import "github.com/jlia0/tinyclaw/cmd"

func main() {
	cmd.Execute()
}
