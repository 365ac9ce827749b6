package main

import "github.com/vietddude/forgesync/internal/cli"

func main() {
	cli.Execute()
}
