package main

import "github.com/Tutortoise/face-recognition-service/cmd"

func main() {
	cmd.Execute()
}
