// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ncatool is a thin inspection CLI over pkg/nca: it opens a
// content archive and prints a table describing its populated sections,
// the way cmds/fittool renders a parsed FIT table to the terminal
// instead of requiring the caller to script against the library
// directly.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/camelcase"
	flags "github.com/jessevdk/go-flags"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/DarkMatterCore/nxdumptool-core/pkg/keyset"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/nca"
)

type options struct {
	Keyfile  string `long:"keyfile" description:"path to a prod.keys-style key file" required:"true"`
	Titlekey string `long:"titlekey" description:"hex titlekey, for a rights-id content archive"`

	Positional struct {
		NcaPath string `positional-arg-name:"nca-file" required:"true"`
	} `positional-args:"yes"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "ncatool:", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	keyfile, err := os.Open(opts.Keyfile)
	if err != nil {
		return err
	}
	defer keyfile.Close()

	ks, err := keyset.LoadKeyFile(keyfile)
	if err != nil {
		return fmt.Errorf("loading %s: %w", opts.Keyfile, err)
	}

	provider, f, err := nca.NewFileProvider(opts.Positional.NcaPath)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}
	if stat.Size() < nca.FullHeaderSize {
		return fmt.Errorf("%s is smaller than a content archive header", opts.Positional.NcaPath)
	}

	encryptedHeader, err := provider.ReadContentFile(0, nca.FullHeaderSize)
	if err != nil {
		return err
	}

	openOpts := nca.OpenOptions{Provider: provider, Keyset: ks}
	if opts.Titlekey != "" {
		raw, err := keyset.ParseHexKey(opts.Titlekey, 16)
		if err != nil {
			return fmt.Errorf("parsing --titlekey: %w", err)
		}
		var key [16]byte
		copy(key[:], raw)
		openOpts.Titlekey = &key
	}

	ca, err := nca.Open(encryptedHeader, openOpts)
	if err != nil {
		return err
	}

	printSummary(ca)
	return nil
}

func printSummary(ca *nca.CaContext) {
	fmt.Printf("format: %s\n", formatName(ca.Header.Format))
	fmt.Printf("content size: %s\n", humanize.Bytes(uint64(ca.Header.ContentSize)))
	fmt.Println()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Section", "Filesystem Type", "Hash Scheme", "Encryption", "Size"})

	for i := 0; i < 4; i++ {
		sc := ca.Section(i)
		if sc == nil {
			continue
		}
		t.AppendRow(table.Row{
			i,
			friendly(sc.Header.FsType.String()),
			friendly(sc.Header.HashType.String()),
			friendly(sc.Header.Encryption.String()),
			humanize.Bytes(uint64(sc.Storage.Size())),
		})
	}
	t.Render()
}

func formatName(f nca.FormatVersion) string {
	switch f {
	case nca.FormatNca0:
		return "NCA0"
	case nca.FormatNca2:
		return "NCA2"
	case nca.FormatNca3:
		return "NCA3"
	default:
		return strconv.Itoa(int(f))
	}
}

// friendly splits a CamelCase enum name into space-separated words for
// display, e.g. "HierarchicalSha256" -> "Hierarchical Sha 256".
func friendly(name string) string {
	return strings.Join(camelcase.Split(name), " ")
}
