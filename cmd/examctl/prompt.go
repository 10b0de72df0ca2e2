package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-offline/internal/cryptobox"
	"golang.org/x/term"
)

// sessionCode returns the --code flag, or asks for it. On a terminal the
// code is read without echo; otherwise the first input line is used.
func (a *app) sessionCode(cmd *cobra.Command, flag string) (string, error) {
	code := strings.TrimSpace(flag)
	if code == "" {
		var err error
		if code, err = a.promptCode(cmd); err != nil {
			return "", err
		}
	}
	if err := cryptobox.ValidateCode(code); err != nil {
		return "", err
	}
	return code, nil
}

func (a *app) promptCode(cmd *cobra.Command) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		printf(cmd.ErrOrStderr(), "Session code: ")
		raw, err := term.ReadPassword(int(f.Fd()))
		printf(cmd.ErrOrStderr(), "\n")
		if err != nil {
			return "", fmt.Errorf("read session code: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := a.input(cmd).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read session code: %w", err)
	}
	return strings.TrimSpace(line), nil
}
