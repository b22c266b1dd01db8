// Package listener owns the interactive terminal: the confirmation prompt
// shown before destructive steps run, and progress lines printed while a
// prompt may be open.
package listener

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

// ErrNoTerminal is returned by AskYesNo before Init.
var ErrNoTerminal = errors.New("no interactive terminal")

var (
	rl        *readline.Instance
	mu        sync.Mutex
	holdAsync bool
	heldLines []string
	out       io.Writer = os.Stdout
)

// Init opens the prompt. nil in or w fall back to the process's stdin and
// stdout.
func Init(in io.ReadCloser, w io.Writer) error {
	cfg := &readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "",
	}
	if in != nil {
		cfg.Stdin = in
	}
	if w != nil {
		cfg.Stdout = w
	}
	inst, err := readline.NewEx(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	rl = inst
	if w != nil {
		out = w
	}
	mu.Unlock()
	return nil
}

func Close() {
	mu.Lock()
	defer mu.Unlock()
	if rl != nil {
		_ = rl.Close()
		rl = nil
	}
}

// Active reports whether Init opened a prompt.
func Active() bool {
	mu.Lock()
	defer mu.Unlock()
	return rl != nil
}

// BeginInteractive holds AsyncPrintln output until EndInteractive so a
// question is not interleaved with progress lines.
func BeginInteractive() {
	mu.Lock()
	holdAsync = true
	mu.Unlock()
}

func EndInteractive() {
	mu.Lock()
	defer mu.Unlock()
	holdAsync = false
	for _, s := range heldLines {
		printUnlocked(s)
	}
	heldLines = nil
}

func printUnlocked(s string) {
	if rl == nil {
		fmt.Fprintln(out, s)
		return
	}
	_, _ = rl.Write([]byte(s + "\n"))
}

func PrintAbove(s string) {
	mu.Lock()
	defer mu.Unlock()
	printUnlocked(s)
}

// AsyncPrintln prints a progress line, or keeps it for later while a
// question is open. Safe from any goroutine.
func AsyncPrintln(s string) {
	mu.Lock()
	defer mu.Unlock()
	if holdAsync {
		heldLines = append(heldLines, s)
		return
	}
	printUnlocked(s)
}

func readAnswer(prompt string) (string, error) {
	mu.Lock()
	inst := rl
	if inst == nil {
		mu.Unlock()
		return "", ErrNoTerminal
	}
	old := inst.Config.Prompt
	inst.SetPrompt(prompt)
	mu.Unlock()

	line, err := inst.Readline()

	mu.Lock()
	inst.SetPrompt(old)
	mu.Unlock()
	return line, err
}

// AskYesNo asks until it gets y/yes or n/no. End of input and Ctrl-C count
// as no and return the read error.
func AskYesNo(question string) (bool, error) {
	BeginInteractive()
	defer EndInteractive()

	PrintAbove(question + " [y/n]")
	for {
		line, err := readAnswer("> ")
		if err != nil {
			return false, err
		}
		if yes, ok := parseAnswer(line); ok {
			return yes, nil
		}
		PrintAbove("Please answer y/n.")
	}
}

func parseAnswer(s string) (yes bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true, true
	case "n", "no":
		return false, true
	}
	return false, false
}
