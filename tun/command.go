/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// CommandRunner runs an OS configuration utility and returns its stdout.
// Arguments are passed as is, never through a shell.
type CommandRunner interface {
	Run(name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	hideWindow(cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugf("Running %v", cmd.Args)
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), &CommandError{
			Args:   cmd.Args,
			Output: commandOutput(stderr.Bytes(), stdout.Bytes()),
			Err:    err,
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// commandOutput picks stderr, or stdout when stderr is empty.
func commandOutput(stderr, stdout []byte) string {
	if len(stderr) != 0 {
		return decodeOutput(stderr)
	}
	return decodeOutput(stdout)
}

// decodeOutput decodes UTF-8, falling back to the GBK code page that
// localized Windows tools print in.
func decodeOutput(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	s, err := simplifiedchinese.GBK.NewDecoder().Bytes(b)
	if err != nil {
		return string(bytes.ToValidUTF8(b, []byte("�")))
	}
	return string(s)
}
