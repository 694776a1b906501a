package main

import "ioc-rpc/cmd"

func main() {
	cmd.Execute()
}
