// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package common provides shared helpers for the portal command line tools.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var (
	// HeaderStyle renders section headers.
	HeaderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)

	// KeyStyle renders field names.
	KeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))

	// OkStyle renders success messages.
	OkStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
)

// Messages cobra and pflag produce for malformed invocations.
var flagErrors = []string{
	"unknown command",
	"unknown flag:",
	"unknown shorthand flag:",
	"flag needs an argument:",
	"invalid argument",
	"required flag",
	"arg(s), received",
}

// UsageError marks an error caused by how a command was invoked, such as
// a missing or malformed configuration file.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }

func (e *UsageError) Unwrap() error { return e.Err }

// Usagef returns a UsageError formatted per fmt.Errorf.
func Usagef(format string, a ...interface{}) error {
	return &UsageError{Err: fmt.Errorf(format, a...)}
}

// IsUsageError returns true for errors that warrant printing the command
// help.
func IsUsageError(err error) bool {
	var ue *UsageError
	if errors.As(err, &ue) {
		return true
	}
	s := err.Error()
	for _, m := range flagErrors {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// ExecuteWithFang runs cmd under fang and exits non-zero on failure.
func ExecuteWithFang(cmd *cobra.Command) {
	err := fang.Execute(
		context.Background(),
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(ErrorHandlerWithUsage(cmd)),
	)
	if err != nil {
		os.Exit(1)
	}
}

// ErrorHandlerWithUsage reports err, and either the help of cmd for usage
// errors or a pointer to --help for everything else.
func ErrorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		msg := strings.TrimSuffix(err.Error(), ".")
		fmt.Fprintf(w, "%s\n%s\n\n", styles.ErrorHeader.String(), styles.ErrorText.Render(msg+"."))

		if !IsUsageError(err) {
			text := styles.ErrorText.UnsetWidth()
			fmt.Fprintf(w, "%s\n\n", lipgloss.JoinHorizontal(lipgloss.Left,
				text.Render("Try"),
				styles.Program.Flag.Render("--help"),
				text.UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
			))
			return
		}

		out := cmd.OutOrStdout()
		cmd.SetOut(colorprofile.NewWriter(w, os.Environ()))
		defer cmd.SetOut(out)
		cmd.HelpFunc()(cmd, nil)
	}
}

// Field prints a styled "key: value" line to w.
func Field(w io.Writer, key string, value interface{}) {
	fmt.Fprintf(w, "%s %v\n", KeyStyle.Render(key+":"), value)
}
