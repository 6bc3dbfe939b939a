package main

import "github.com/sachinsitapure/URLIndexingBoT/services/janitor/cli"

func main() {
	cli.Execute()
}
