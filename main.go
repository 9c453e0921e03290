package main

import "github.com/elazzi/tuyalocalwebserver/cmd"

func main() {
	cmd.Execute()
}
