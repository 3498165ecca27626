// Command bindctl runs and inspects binding simulations.
package main

import "github.com/sarchlab/bindctl/bindctl/cmd"

func main() {
	cmd.Execute()
}
