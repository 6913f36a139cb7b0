package main

import "os"

func main() {
	os.Exit(CLI(os.Args[1:]))
}
