package main

import "github.com/markb/possync/cmd"

func main() {
	cmd.Execute()
}
