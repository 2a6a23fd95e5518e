package main

import "github.com/fetchrelay/fetchrelay/cmd"

func main() {
	cmd.Execute()
}
