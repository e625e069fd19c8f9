package main

import (
	"fmt"

	"github.com/webitel/stateful-rpc/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
