// The main package for the crawler executable.
package main

import (
	"github.com/ZihanQ/intelligent-data-crawler/cmd"
)

func main() {
	cmd.Execute()
}
