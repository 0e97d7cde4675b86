package main

import "github.com/nextlevelbuilder/helperbridge/cmd"

func main() {
	cmd.Execute()
}
