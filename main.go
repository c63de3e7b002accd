package main

import cmd "github.com/webitel/data-exporter/cmd/main"

func main() {
	cmd.Run()
}
