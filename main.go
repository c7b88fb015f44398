package main

import "github.com/koalacloud/koalacloud/cmd"

func main() {
	cmd.Execute()
}
