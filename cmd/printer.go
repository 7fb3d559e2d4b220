package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/darkhz/btdevd/device"
	"github.com/fatih/color"
)

// printInfo prints a message to the screen.
func printInfo(message string) {
	message = "[+] " + message

	color.New(color.FgGreen, color.Bold).Println(message)
}

// printWarn prints a warning to the screen.
func printWarn(message string) {
	message = "[-] " + message

	color.New(color.FgYellow, color.Bold).Println(message)
}

// printError prints an error to the screen.
func printError(err error) {
	message := "[!] " + err.Error()

	color.New(color.FgRed, color.Bold).Println(message)
}

// printRecords writes the stored devices of an adapter.
func printRecords(w io.Writer, adapter string, records []device.Record) {
	color.New(color.Bold).Fprintf(w, "Adapter %s:\n", adapter)

	if len(records) == 0 {
		fmt.Fprintln(w, "  (no devices)")
		return
	}

	for _, rec := range records {
		name := rec.Alias
		if name == "" {
			name = rec.Name
		}

		fmt.Fprintf(w, "- %s (%s) %s", rec.Address, rec.AddressType, name)

		if flags := recordFlags(rec); len(flags) > 0 {
			fmt.Fprintf(w, " [%s]", strings.Join(flags, ", "))
		}

		fmt.Fprintln(w)
	}
}

func recordFlags(rec device.Record) []string {
	var flags []string

	if rec.BondedBREDR {
		flags = append(flags, "bonded-bredr")
	}

	if rec.BondedLE {
		flags = append(flags, "bonded-le")
	}

	if rec.Trusted {
		flags = append(flags, "trusted")
	}

	if rec.Blocked {
		flags = append(flags, "blocked")
	}

	return flags
}
