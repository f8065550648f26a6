package main

import (
	"fmt"

	"github.com/netmapper/fabric/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
