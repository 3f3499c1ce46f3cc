package main

import "github.com/user/scanrelay/cmd"

func main() {
	cmd.Execute()
}
