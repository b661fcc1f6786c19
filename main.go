package main

import "github.com/crystaldolphin/chorus/cmd"

func main() {
	cmd.Execute()
}
