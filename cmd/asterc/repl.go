// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/peterh/liner"
	"gopkg.in/urfave/cli.v1"

	"github.com/aster-lang/aster/internal/parser"
)

const replPrompt = "aster> "

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".asterc_history"
	}
	return filepath.Join(home, ".asterc_history")
}

// runRepl is a line-oriented read-parse-print loop: each line is parsed as a
// standalone source unit and its AST (or parse errors) printed back. There
// is no evaluator wired into the REPL yet — bytecode generation and VM
// execution are driven through `asterc disasm` on precompiled Units, not
// from REPL input.
func runRepl(c *cli.Context) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histPath := historyPath()
	if f, err := os.Open(histPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	fmt.Println(color.CyanString("asterc %s — type .exit to quit", version))

	n := 0
	for {
		input, err := line.Prompt(replPrompt)
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				break
			}
			return err
		}
		trimmed := strings.TrimSpace(input)
		if trimmed == "" {
			continue
		}
		if trimmed == ".exit" || trimmed == ".quit" {
			break
		}
		line.AppendHistory(input)

		n++
		name := fmt.Sprintf("<repl:%d>", n)
		prog, errs := parser.Parse(name, input)
		if len(errs) > 0 {
			for _, e := range errs {
				fmt.Println(color.RedString("  %v", e))
			}
			continue
		}
		fmt.Println(prog.String())
	}

	if f, err := os.Create(histPath); err == nil {
		line.WriteHistory(f)
		f.Close()
	}
	return nil
}
