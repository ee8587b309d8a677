package main

import "github.com/Togather-Foundation/roaming/cmd/server/cmd"

func main() {
	cmd.Execute()
}
