package main

import "partnerhub/cmd/cli"

func main() {
	cli.Execute()
}
