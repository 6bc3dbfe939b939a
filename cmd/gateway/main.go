package main

import "github.com/sachinsitapure/URLIndexingBoT/services/gateway/cli"

func main() {
	cli.Execute()
}
