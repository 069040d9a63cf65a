package main

import "daowatch/internal/cli"

func main() {
	cli.Execute()
}
