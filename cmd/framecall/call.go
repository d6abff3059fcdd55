package main

import (
	"fmt"

	"github.com/reglet-dev/framecall/abipb"
	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call [module.wasm]",
	Short: "Send a request to the guest's guest_func",
	Long: `Frame a Request, hand it to the guest's guest_func export and print
the reply. The module path may come from the argument or the config file.`,
	Example: `  framecall call echo.wasm -m "Hello from host"
  framecall call -c framecall.yaml -m hi --schema cbor`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCall,
}

var helloCmd = &cobra.Command{
	Use:   "hello [module.wasm]",
	Short: "Run the guest's call_host export",
	Long: `Run call_host, which makes the guest call back into the host's
host_hello capability and log the reply through the host logger.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHello,
}

func init() {
	callCmd.Flags().StringP("message", "m", "Hello from host", "Request message")
	addGuestFlags(callCmd)
	addGuestFlags(helloCmd)
	rootCmd.AddCommand(callCmd, helloCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	message, _ := cmd.Flags().GetString("message")

	inst, cleanup, err := openGuest(cmd, args)
	if err != nil {
		return err
	}
	defer cleanup()

	resp, err := inst.Call(cmd.Context(), abipb.Request{Message: message})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Reply)
	return nil
}

func runHello(cmd *cobra.Command, args []string) error {
	inst, cleanup, err := openGuest(cmd, args)
	if err != nil {
		return err
	}
	defer cleanup()

	return inst.CallHost(cmd.Context())
}
