package storage

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/groob/plist"
)

const (
	diskutilPath = "/usr/sbin/diskutil"
	fdesetupPath = "/usr/bin/fdesetup"
)

// aesXTS is the encryption type reported for fully encrypted families.
const aesXTS = "AES-XTS"

// RunFunc executes a command with the given stdin and returns its
// combined output. The output is returned even when the command exits
// non-zero, so callers can inspect tool diagnostics.
type RunFunc func(ctx context.Context, stdin, name string, args ...string) ([]byte, error)

// ExecRun is the real RunFunc, backed by os/exec.
func ExecRun(ctx context.Context, stdin, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	return cmd.CombinedOutput()
}

// fullDisk drives the OS full-disk encryption tooling: volume enumeration
// and unlock/revert via diskutil, enable and recovery-key rotation via
// fdesetup.
type fullDisk struct {
	run RunFunc
}

func newFullDisk(run RunFunc) *fullDisk {
	if run == nil {
		run = ExecRun
	}

	return &fullDisk{run: run}
}

// csListPlist mirrors the relevant slice of `diskutil corestorage list
// -plist` output.
type csListPlist struct {
	Groups []struct {
		Families []struct {
			UUID    string `plist:"CoreStorageUUID"`
			Volumes []struct {
				UUID string `plist:"CoreStorageUUID"`
			} `plist:"CoreStorageLogicalVolumes"`
		} `plist:"CoreStorageLogicalVolumeFamilies"`
	} `plist:"CoreStorageLogicalVolumeGroups"`
}

// csInfoPlist mirrors `diskutil corestorage info -plist <uuid>` output
// for both family and volume queries.
type csInfoPlist struct {
	EncryptionType  string `plist:"CoreStorageLogicalVolumeFamilyEncryptionType"`
	ConversionState string `plist:"CoreStorageLogicalVolumeConversionState"`
	Size            int64  `plist:"CoreStorageLogicalVolumeSize"`
}

// authPlist is the stdin payload fdesetup reads credentials from.
type authPlist struct {
	Username string `plist:"Username"`
	Password string `plist:"Password"`
}

// enablePlist is the fdesetup -outputplist response.
type enablePlist struct {
	RecoveryKey string `plist:"RecoveryKey"`
	LVUUID      string `plist:"LVUUID"`
}

func (f *fullDisk) csList(ctx context.Context) (*csListPlist, error) {
	out, err := f.run(ctx, "", diskutilPath, "corestorage", "list", "-plist")
	if err != nil {
		return nil, fmt.Errorf("storage: listing volumes: %w", err)
	}

	var list csListPlist
	if err := plist.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("storage: parsing volume list: %w", err)
	}

	return &list, nil
}

func (f *fullDisk) csInfo(ctx context.Context, id string) (*csInfoPlist, error) {
	if !validUUID(id) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidUUID, id)
	}

	out, err := f.run(ctx, "", diskutilPath, "corestorage", "info", "-plist", id)
	if err != nil {
		return nil, fmt.Errorf("storage: volume info for %s: %w", id, err)
	}

	var info csInfoPlist
	if err := plist.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("storage: parsing volume info: %w", err)
	}

	return &info, nil
}

// ListEncryptedTargets walks the logical volume groups and returns every
// volume whose family encrypts with AES-XTS. Volumes whose conversion
// failed are included: the same actions (e.g. revert) apply to them.
func (f *fullDisk) ListEncryptedTargets(ctx context.Context) ([]TargetInfo, error) {
	list, err := f.csList(ctx)
	if err != nil {
		return nil, err
	}

	var targets []TargetInfo

	for _, group := range list.Groups {
		for _, family := range group.Families {
			familyInfo, err := f.csInfo(ctx, family.UUID)
			if err != nil {
				return nil, err
			}

			for _, vol := range family.Volumes {
				volInfo, err := f.csInfo(ctx, vol.UUID)
				if err != nil {
					return nil, err
				}

				state := conversionState(volInfo.ConversionState)
				if state != StateFailed && familyInfo.EncryptionType != aesXTS {
					continue
				}

				targets = append(targets, TargetInfo{
					ID:              vol.UUID,
					Encrypted:       true,
					ConversionState: state,
					SizeBytes:       volInfo.Size,
				})
			}
		}
	}

	return targets, nil
}

// conversionState normalizes the tool's conversion state names.
// Known inputs include Pending, Converting, Complete, and Failed; a
// volume still converting counts as encrypted.
func conversionState(s string) string {
	switch s {
	case "Failed":
		return StateFailed
	case "":
		return StateNone
	default:
		return StateEncrypted
	}
}

// Encrypt enables full-disk encryption with the local account
// credentials and returns the new volume UUID and recovery passphrase.
func (f *fullDisk) Encrypt(ctx context.Context, username, password string) (string, string, error) {
	stdin, err := plist.Marshal(authPlist{Username: username, Password: password})
	if err != nil {
		return "", "", fmt.Errorf("storage: encoding credentials: %w", err)
	}

	out, err := f.run(ctx, string(stdin), fdesetupPath, "enable", "-inputplist", "-outputplist")
	if err != nil {
		return "", "", fmt.Errorf("storage: enabling encryption: %w", err)
	}

	var result enablePlist
	if err := plist.Unmarshal(out, &result); err != nil {
		return "", "", fmt.Errorf("storage: parsing enable output: %w", err)
	}

	if result.RecoveryKey == "" {
		return "", "", fmt.Errorf("storage: enable output carried no recovery key")
	}

	target := result.LVUUID
	if target == "" {
		target, err = f.primaryVolume(ctx)
		if err != nil {
			return "", "", err
		}
	}

	return target, result.RecoveryKey, nil
}

// primaryVolume returns the first encrypted volume, used when the enable
// output does not name the logical volume directly.
func (f *fullDisk) primaryVolume(ctx context.Context) (string, error) {
	targets, err := f.ListEncryptedTargets(ctx)
	if err != nil {
		return "", err
	}

	if len(targets) == 0 {
		return "", fmt.Errorf("storage: no encrypted volume found after enable")
	}

	return targets[0].ID, nil
}

// Unlock unlocks the volume with the passphrase on stdin. An already
// unlocked volume is not an error.
func (f *fullDisk) Unlock(ctx context.Context, targetID, passphrase string) error {
	if !validUUID(targetID) {
		return fmt.Errorf("%w: %s", ErrInvalidUUID, targetID)
	}

	out, err := f.run(ctx, passphrase, diskutilPath, "corestorage", "unlockVolume", targetID, "-stdinpassphrase")
	if err != nil {
		diag := string(out)
		if strings.Contains(diag, "volume is not locked") || strings.Contains(diag, "is already unlocked") {
			return nil
		}

		return fmt.Errorf("%w: %s", ErrCouldNotUnlock, targetID)
	}

	return nil
}

// Revert unlocks the volume and reverts it to an unencrypted state.
func (f *fullDisk) Revert(ctx context.Context, targetID, passphrase, _ string) error {
	if err := f.Unlock(ctx, targetID, passphrase); err != nil {
		return err
	}

	if _, err := f.run(ctx, passphrase, diskutilPath, "corestorage", "revert", targetID, "-stdinpassphrase"); err != nil {
		return fmt.Errorf("%w: %s", ErrCouldNotRevert, targetID)
	}

	return nil
}

// RotateLocalKey replaces the personal recovery key bound to the given
// user and returns the newly generated passphrase.
func (f *fullDisk) RotateLocalKey(ctx context.Context, username, password string) (string, error) {
	stdin, err := plist.Marshal(authPlist{Username: username, Password: password})
	if err != nil {
		return "", fmt.Errorf("storage: encoding credentials: %w", err)
	}

	out, err := f.run(ctx, string(stdin), fdesetupPath, "changerecovery", "-personal", "-inputplist", "-outputplist")
	if err != nil {
		return "", fmt.Errorf("storage: rotating recovery key: %w", err)
	}

	var result enablePlist
	if err := plist.Unmarshal(out, &result); err != nil {
		return "", fmt.Errorf("storage: parsing rotation output: %w", err)
	}

	if result.RecoveryKey == "" {
		return "", fmt.Errorf("storage: rotation output carried no recovery key")
	}

	return result.RecoveryKey, nil
}

// CheckPreconditions verifies encryption can be enabled: the tooling is
// present and the boot volume is not already encrypted or converting.
func (f *fullDisk) CheckPreconditions(ctx context.Context) error {
	out, err := f.run(ctx, "", fdesetupPath, "status")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPreconditions, err)
	}

	status := string(out)
	if strings.Contains(status, "FileVault is On") {
		return fmt.Errorf("%w: volume is already encrypted", ErrPreconditions)
	}

	if strings.Contains(status, "in progress") {
		return fmt.Errorf("%w: conversion already in progress", ErrPreconditions)
	}

	return nil
}
