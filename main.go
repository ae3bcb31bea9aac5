package main

import "github.com/kwang1012/sregym/cmd"

func main() {
	cmd.Execute()
}
