// Command bore exposes a local TCP service on a remote server and forwards
// traffic to it over an authenticated control channel.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boreproxy/bore/cmd"
	"github.com/boreproxy/bore/pkg/bore"
)

var rootCommand = &cobra.Command{
	Use:          "bore",
	Short:        "bore exposes a local TCP service on a remote server",
	SilenceUsage: true,
}

var rootConfiguration struct {
	// version indicates that the version should be printed.
	version bool
}

func rootMain(command *cobra.Command, arguments []string) error {
	// Shell completion requests short-circuit before the version or help
	// handling below, since cobra's completion machinery only cares
	// about the registered commands and flags, not their execution.
	if cmd.PerformingShellCompletion {
		return nil
	}

	if rootConfiguration.version {
		fmt.Println(bore.Version)
		return nil
	}
	return command.Help()
}

func init() {
	rootCommand.Args = cmd.DisallowArguments
	rootCommand.Run = cmd.Mainify(rootMain)

	rootCommand.AddCommand(serverCommand, localCommand)

	flags := rootCommand.Flags()
	flags.BoolVar(&rootConfiguration.version, "version", false, "show the bore version and exit")
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		cmd.Fatal(err)
	}
}
