package main

import "github.com/cwlens/cwlens/cmd"

func main() {
	cmd.Execute()
}
