package main

import "github.com/halogate/halogate/cmd"

func main() {
	cmd.Execute()
}
