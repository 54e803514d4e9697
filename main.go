package main

import "github.com/nextlevelbuilder/leadflow/cmd"

func main() {
	cmd.Execute()
}
