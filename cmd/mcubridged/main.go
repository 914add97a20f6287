// Command mcubridged bridges an MCU's UART command link to MQTT.
package main

import (
	"fmt"
	"os"

	"github.com/isantolin/mcubridge/cmd/mcubridged/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
