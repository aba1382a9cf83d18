// Package hostinfo gathers the host-identifying facts the escrow server
// binds passphrases to: hostname, machine serial, platform/hardware UUID,
// boot disk serial, and the machine owner. Facts come from OS tooling via
// an injectable command runner so tests never shell out.
package hostinfo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strings"

	"github.com/groob/plist"
)

// RunFunc executes a command and returns its trimmed stdout. ExecRun is
// the real implementation; tests substitute a fake.
type RunFunc func(ctx context.Context, name string, args ...string) (string, error)

// ExecRun runs the command via os/exec.
func ExecRun(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("hostinfo: running %s: %w", name, err)
	}

	return strings.TrimSpace(string(out)), nil
}

// fact describes one command-sourced metadata property.
type fact struct {
	key  string
	name string
	args []string
}

// Command table for the machine facts that need OS tooling. A failing
// command yields an empty value; the metadata validator decides whether
// that is fatal for the configured backend kind.
var commandFacts = []fact{
	{key: "serial", name: "/usr/sbin/ioreg", args: []string{"-rd1", "-c", "IOPlatformExpertDevice", "-k", "IOPlatformSerialNumber"}},
	{key: "platform_uuid", name: "/usr/sbin/ioreg", args: []string{"-rd1", "-c", "IOPlatformExpertDevice", "-k", "IOPlatformUUID"}},
	{key: "hdd_serial", name: "/usr/sbin/diskutil", args: []string{"info", "-plist", "/"}},
}

// Gather collects host metadata. It never fails on an individual missing
// fact: absent values stay empty and are caught by validation against the
// backend's required key set. Only hostname resolution errors are fatal,
// since every backend requires a hostname or derives facts from it.
func Gather(ctx context.Context, run RunFunc) (map[string]string, error) {
	if run == nil {
		run = ExecRun
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostinfo: resolving hostname: %w", err)
	}

	md := map[string]string{
		"hostname": hostname,
		"owner":    currentOwner(),
	}

	for _, f := range commandFacts {
		out, err := run(ctx, f.name, f.args...)
		if err != nil {
			md[f.key] = ""
			continue
		}

		md[f.key] = extractValue(f.key, out)
	}

	return md, nil
}

// currentOwner returns the login name of the invoking user, or empty when
// it cannot be determined. SetOwner on the escrow client overrides it.
func currentOwner() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}

	return u.Username
}

// extractValue pulls the interesting field out of raw tool output.
// ioreg prints `"Key" = "Value"` lines; diskutil emits a plist with the
// boot disk serial under SerialNumber.
func extractValue(key, out string) string {
	switch key {
	case "serial", "platform_uuid":
		return lastQuotedField(out)
	case "hdd_serial":
		var info struct {
			SerialNumber string `plist:"SerialNumber"`
		}
		if err := plist.Unmarshal([]byte(out), &info); err != nil {
			return ""
		}

		return info.SerialNumber
	default:
		return out
	}
}

// lastQuotedField returns the content of the final double-quoted field in
// out, e.g. the value from an ioreg `"Key" = "Value"` line.
func lastQuotedField(out string) string {
	end := strings.LastIndex(out, `"`)
	if end <= 0 {
		return ""
	}

	start := strings.LastIndex(out[:end], `"`)
	if start < 0 {
		return ""
	}

	return out[start+1 : end]
}
