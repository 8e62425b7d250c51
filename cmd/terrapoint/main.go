package main

import "github.com/MeKo-Tech/terrapoint/internal/cmd"

func main() {
	cmd.Execute()
}
