package main

import "github.com/nfrund/boardboard/cmd/boardboard/cmd"

func main() {
	cmd.Execute()
}
