// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

// tokenctl lists tokens and exchanges APDUs with them.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/multierr"

	"github.com/luxfi/tokenio"
	"github.com/luxfi/tokenio/internal/logging"
)

var (
	flags    = flag.NewFlagSet("root", flag.ContinueOnError)
	logLevel = flags.String("log", "", "log level (debug|info|warn|error)")

	exchangeFlags = flag.NewFlagSet("exchange", flag.ContinueOnError)
	deviceIndex   = exchangeFlags.Int("index", 0, "device index")
)

func usage() {
	fmt.Fprintf(os.Stderr, `
Usage:
  tokenctl [options] list
  tokenctl [options] exchange [-index n] <apdu hex>...

Options:
%s
Exchange options:
%s`, options(flags), options(exchangeFlags))
}

func options(flags *flag.FlagSet) string {
	var out string
	flags.VisitAll(func(f *flag.Flag) {
		out += fmt.Sprintf("  -%-8s%s\n", f.Name, f.Usage)
	})
	return out
}

func main() {
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(1)
	}
	if *logLevel != "" {
		logging.SetLevel(*logLevel)
	}
	defer func() { _ = logging.Sync() }()

	var err error
	switch sub := flags.Arg(0); sub {
	case "list", "ls":
		err = list()
	case "exchange", "x":
		if err := exchangeFlags.Parse(flags.Args()[1:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			usage()
			os.Exit(1)
		}
		err = exchange(*deviceIndex, exchangeFlags.Args())
	default:
		if sub != "" {
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", sub)
		}
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func list() error {
	paths, err := tokenio.NewHostAdmin().ListDevices()
	if err != nil {
		return err
	}
	for i, p := range paths {
		fmt.Printf("%d\t%s\n", i, p)
	}
	return nil
}

func exchange(index int, apdus []string) (err error) {
	if len(apdus) == 0 {
		return fmt.Errorf("no APDU given")
	}
	commands := make([][]byte, len(apdus))
	for i, s := range apdus {
		if commands[i], err = hex.DecodeString(strings.ReplaceAll(s, " ", "")); err != nil {
			return fmt.Errorf("apdu %d: %w", i, err)
		}
	}

	device, err := tokenio.NewHostAdmin().Connect(index)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, device.Close()) }()

	for _, command := range commands {
		response, err := device.Exchange(command)
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(response))
	}
	return nil
}
