package main

import "github.com/eskriett/browserpool/cmd"

func main() {
	cmd.Execute()
}
