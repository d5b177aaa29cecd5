// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Command asterc is the Aster language toolchain: a lexer/parser front end,
// an indexer, a bytecode disassembler, and an interactive REPL.
//
// Usage:
//
//	asterc tokens <source.aster>   print the token stream
//	asterc ast <source.aster>      print the parsed AST
//	asterc index <source.aster>    print the indexed item table
//	asterc disasm <unit.bin>       disassemble a compiled Unit
//	asterc repl                    interactive read-eval-print loop
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/urfave/cli.v1"

	"github.com/aster-lang/aster/internal/item"
	"github.com/aster-lang/aster/internal/lexer"
	"github.com/aster-lang/aster/internal/parser"
	"github.com/aster-lang/aster/internal/query"
	"github.com/aster-lang/aster/internal/source"
	"github.com/aster-lang/aster/internal/unit"
	"github.com/aster-lang/aster/internal/vm"
)

const version = "0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "asterc"
	app.Usage = "Aster language toolchain"
	app.Version = version

	app.Commands = []cli.Command{
		{
			Name:      "tokens",
			Usage:     "print the token stream for a source file",
			ArgsUsage: "<source.aster>",
			Action:    runTokens,
		},
		{
			Name:      "ast",
			Usage:     "print the parsed AST for a source file",
			ArgsUsage: "<source.aster>",
			Action:    runAst,
		},
		{
			Name:      "index",
			Usage:     "print the indexed item table for a source file",
			ArgsUsage: "<source.aster>",
			Action:    runIndex,
		},
		{
			Name:      "disasm",
			Usage:     "disassemble a compiled Unit",
			ArgsUsage: "<unit.bin>",
			Action:    runDisasm,
		},
		{
			Name:   "repl",
			Usage:  "interactive read-eval-print loop",
			Action: runRepl,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

// readArg reads the file named by the command's sole positional argument.
func readArg(c *cli.Context) (name, text string, err error) {
	if c.NArg() < 1 {
		return "", "", fmt.Errorf("missing file argument")
	}
	name = c.Args().First()
	raw, err := os.ReadFile(name)
	if err != nil {
		return "", "", err
	}
	return name, string(raw), nil
}

func runTokens(c *cli.Context) error {
	name, text, err := readArg(c)
	if err != nil {
		return err
	}
	l := lexer.New(name, text)
	for _, tok := range l.Tokenize() {
		fmt.Printf("%-24s %-16s %q\n", tok.Pos, tok.Type, tok.Literal)
	}
	return nil
}

func runAst(c *cli.Context) error {
	name, text, err := readArg(c)
	if err != nil {
		return err
	}
	prog, errs := parser.Parse(name, text)
	if len(errs) > 0 {
		printParseErrors(name, errs)
		return fmt.Errorf("%d parse error(s)", len(errs))
	}
	fmt.Println(prog.String())
	return nil
}

func runIndex(c *cli.Context) error {
	name, text, err := readArg(c)
	if err != nil {
		return err
	}
	prog, errs := parser.Parse(name, text)
	if len(errs) > 0 {
		printParseErrors(name, errs)
		return fmt.Errorf("%d parse error(s)", len(errs))
	}

	store := source.NewStore()
	srcID := store.Add(name, text)
	crate := item.Root(baseName(name))
	ix := query.NewIndexer(crate.String(), srcID)
	idx := ix.Index(prog)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Item", "Kind", "Visibility"})
	for _, e := range idx.All() {
		table.Append([]string{e.Item.String(), e.Kind.String(), e.Visibility.String()})
	}
	table.Render()
	return nil
}

func runDisasm(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("missing unit file argument")
	}
	raw, err := os.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	u, err := unit.Decode(raw)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Function", "Hash", "Params", "Locals", "Captures"})
	for _, fn := range u.Functions {
		table.Append([]string{
			fn.Name,
			fmt.Sprintf("%d", fn.Hash),
			fmt.Sprintf("%d", fn.Params),
			fmt.Sprintf("%d", fn.Locals),
			fmt.Sprintf("%d", fn.Captures),
		})
	}
	table.Render()

	fmt.Println()
	fmt.Println(vm.Disassemble(u.Instructions))
	return nil
}

func printParseErrors(name string, errs []error) {
	for _, e := range errs {
		fmt.Fprintln(os.Stderr, color.RedString("%s: %v", name, e))
	}
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			path = path[i+1:]
			break
		}
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return path
}
