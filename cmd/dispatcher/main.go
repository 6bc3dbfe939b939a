package main

import "github.com/sachinsitapure/URLIndexingBoT/services/dispatcher/cli"

func main() {
	cli.Execute()
}
