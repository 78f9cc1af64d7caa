package main

import "github.com/cyverse/irodsfs-go/cmd"

func main() {
	cmd.Execute()
}
