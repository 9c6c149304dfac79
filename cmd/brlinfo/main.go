// command brlinfo is the internal tool for exercising a braille display
// driver from the command line: initialize, watch key events, and push
// test patterns to the cells.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "braillecore.dev/brl/driver/braillememo"
	_ "braillecore.dev/brl/driver/cebra"
	_ "braillecore.dev/brl/driver/dotpad"
	_ "braillecore.dev/brl/driver/hiddriver"
	_ "braillecore.dev/brl/driver/humanware"
	_ "braillecore.dev/brl/driver/voyager"

	"braillecore.dev/brl/driver"
	"braillecore.dev/brl/engine"
	"braillecore.dev/brl/internal/logger"
	"braillecore.dev/brl/transport"
)

var (
	driverCode = flag.String("driver", "", "driver code (one of: "+strings.Join(driver.Codes(), ", ")+")")
	device     = flag.String("device", "", "serial device path, for drivers reached over serial")
	baud       = flag.Int("baud", 0, "serial baud rate override, 0 for the driver's default")
	tablesDir  = flag.String("tables", "tables", "directory of .ktb key-table files")
	list       = flag.Bool("list", false, "list registered driver codes and exit")
	keymap     = flag.Bool("keymap", false, "print the compiled key map and exit")
	watch      = flag.Bool("watch", false, "print key-derived commands as they arrive")
	fill       = flag.String("fill", "", "hex dot pattern to write once, e.g. 3f000000")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *list {
		for _, code := range driver.Codes() {
			fmt.Println(code)
		}
		return nil
	}
	if *driverCode == "" {
		return fmt.Errorf("specify -driver")
	}
	engine.SetLogger(logger.Prefixed(logger.Func(func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}), "brlinfo"))

	descriptor := buildDescriptor()
	if !engine.Initialize(*driverCode, *device, *tablesDir, descriptor) {
		return fmt.Errorf("initialize failed, see log output above")
	}
	defer engine.Destroy()

	fmt.Printf("text cells: %d, status cells: %d\n", engine.TextCellCount(), engine.StatusCellCount())

	if *keymap {
		printKeyMap()
	}
	if *fill != "" {
		if err := writeFill(*fill); err != nil {
			return err
		}
	}
	if *watch {
		watchCommands()
	}
	return nil
}

func buildDescriptor() transport.Descriptor {
	baudRate := *baud
	if baudRate == 0 {
		baudRate = 115200
	}
	params := transport.DefaultSerialParams(*device)
	params.Baud = baudRate
	return transport.Descriptor{Alternatives: []transport.Alternative{
		{
			Kind:           transport.KindSerial,
			Serial:         params,
			ReadyDelay:     200 * time.Millisecond,
			InitialRead:    500 * time.Millisecond,
			SubsequentRead: 50 * time.Millisecond,
		},
	}}
}

func printKeyMap() {
	engine.ListKeyMap(func(b engine.KeyBinding) bool {
		lp := ""
		if b.IsLongPress {
			lp = " (long press)"
		}
		fmt.Printf("%-24s -> %#08x%s\n", strings.Join(b.KeyNames, "+"), uint32(b.Command), lp)
		return true
	})
}

func writeFill(hex string) error {
	pattern, err := decodeHex(hex)
	if err != nil {
		return fmt.Errorf("bad -fill value: %w", err)
	}
	if !engine.WriteWindow(pattern) {
		return fmt.Errorf("write_window failed, see log output above")
	}
	return nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		var b byte
		if _, err := fmt.Sscanf(s[2*i:2*i+2], "%02x", &b); err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func watchCommands() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-sig:
			return
		default:
		}
		cmd, delayMS := engine.ReadCommand()
		if cmd != -1 {
			fmt.Printf("command %#08x\n", uint32(cmd))
		}
		if delayMS > 0 {
			time.Sleep(time.Duration(delayMS) * time.Millisecond)
		} else {
			time.Sleep(10 * time.Millisecond)
		}
	}
}
