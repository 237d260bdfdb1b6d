package main

import "github.com/gitzhang10/dagpbft/cli"

func main() {
	cli.Execute()
}
