package executor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// ErrNotInteractive is returned when confirmation is needed but stdin is not a terminal.
var ErrNotInteractive = errors.New("non-interactive terminal; pass --yes to continue")

// Confirm asks the human on the controlling terminal to approve an action.
func Confirm(prompt string, autoConfirm bool) (bool, error) {
	if autoConfirm {
		return true, nil
	}
	if !IsInteractive() {
		return false, ErrNotInteractive
	}
	return ConfirmFrom(os.Stdin, os.Stdout, prompt)
}

// ConfirmFrom reads a single y/yes answer from reader.
func ConfirmFrom(reader io.Reader, writer io.Writer, prompt string) (bool, error) {
	fmt.Fprintf(writer, "%s [y/N]\n> ", prompt)
	input, readError := bufio.NewReader(reader).ReadString('\n')
	if readError != nil && !errors.Is(readError, io.EOF) && !errors.Is(readError, os.ErrClosed) {
		return false, readError
	}
	return IsAffirmative(input), nil
}

func IsAffirmative(input string) bool {
	normalized := strings.ToLower(strings.TrimSpace(input))
	return normalized == "y" || normalized == "yes"
}

func IsInteractive() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
