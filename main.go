package main

import "github.com/fakeyudi/afkbridge/cmd"

func main() {
	cmd.Execute()
}
