package main

import "github.com/KSIUJ/KSI-Bot/cmd"

func main() {
	cmd.Execute()
}
