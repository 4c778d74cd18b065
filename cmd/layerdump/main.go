// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// layerdump prints a human-readable summary of a single delta or image
// layer file: its chapter catalog and a sample of each chapter's bytes.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dreamsxin/pageserver/layer"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <layer-file>\n", os.Args[0])
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := layer.DumpFile(flag.Arg(0), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "layerdump: %v\n", err)
		os.Exit(1)
	}
}
