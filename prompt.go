package main

import (
	"fmt"
	"os"
	"os/user"

	"golang.org/x/term"

	"github.com/ayaz345/cauliflowervest/internal/workflow"
)

// readPassword prompts on stderr and reads a password from the terminal
// with echo disabled. Replaced in tests.
var readPassword = func(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	b, err := term.ReadPassword(int(os.Stdin.Fd()))

	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	return string(b), nil
}

// promptCredentials resolves the local account credentials backend
// actions need. The username comes from --username or the current OS
// user; the password is always prompted, never taken from flags or
// the environment.
func promptCredentials() (workflow.Credentials, error) {
	username := flagUsername
	if username == "" {
		u, err := user.Current()
		if err != nil {
			return workflow.Credentials{}, fmt.Errorf("resolving current user (use --username): %w", err)
		}

		username = u.Username
	}

	password, err := readPassword(fmt.Sprintf("Password for %s: ", username))
	if err != nil {
		return workflow.Credentials{}, err
	}

	return workflow.Credentials{Username: username, Password: password}, nil
}

// requireVolume returns the --volume flag value or an error telling the
// user to supply it.
func requireVolume() (string, error) {
	if flagVolume == "" {
		return "", fmt.Errorf("--volume is required (see 'status' for encrypted volumes)")
	}

	return flagVolume, nil
}
