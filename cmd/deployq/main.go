package main

import (
	"os"

	"github.com/deployq/deployq/cmd/deployq/cmd"
	"github.com/deployq/deployq/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
