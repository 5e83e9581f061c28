package main

import "github.com/gptlab/gptlab/cmd"

func main() {
	cmd.Execute()
}
