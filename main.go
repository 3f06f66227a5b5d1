package main

import "github.com/gameocoder/attendance/cmd"

func main() {
	cmd.Execute()
}
