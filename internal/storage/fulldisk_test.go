package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	familyUUID  = "11111111-1111-1111-1111-111111111111"
	volumeUUID  = "22222222-2222-2222-2222-222222222222"
	volume2UUID = "33333333-3333-3333-3333-333333333333"
)

func plistDoc(body string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">` + body + `</plist>`
}

func csListDoc(volumes ...string) string {
	var vols strings.Builder
	for _, v := range volumes {
		fmt.Fprintf(&vols, `<dict><key>CoreStorageUUID</key><string>%s</string></dict>`, v)
	}

	return plistDoc(fmt.Sprintf(`<dict>
	<key>CoreStorageLogicalVolumeGroups</key>
	<array><dict>
		<key>CoreStorageLogicalVolumeFamilies</key>
		<array><dict>
			<key>CoreStorageUUID</key><string>%s</string>
			<key>CoreStorageLogicalVolumes</key>
			<array>%s</array>
		</dict></array>
	</dict></array>
</dict>`, familyUUID, vols.String()))
}

func csInfoDoc(encType, convState string, size int64) string {
	return plistDoc(fmt.Sprintf(`<dict>
	<key>CoreStorageLogicalVolumeFamilyEncryptionType</key><string>%s</string>
	<key>CoreStorageLogicalVolumeConversionState</key><string>%s</string>
	<key>CoreStorageLogicalVolumeSize</key><integer>%d</integer>
</dict>`, encType, convState, size))
}

// fakeDiskTool answers diskutil/fdesetup invocations from canned responses
// keyed by a recognizable argument.
type fakeDiskTool struct {
	responses map[string]string
	errOn     map[string]error
	calls     []string
	stdins    []string
}

func (f *fakeDiskTool) run(_ context.Context, stdin, name string, args ...string) ([]byte, error) {
	key := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, key)
	f.stdins = append(f.stdins, stdin)

	for marker, err := range f.errOn {
		if strings.Contains(key, marker) {
			return []byte(f.responses[marker]), err
		}
	}

	for marker, resp := range f.responses {
		if strings.Contains(key, marker) {
			return []byte(resp), nil
		}
	}

	return nil, errors.New("unexpected command: " + key)
}

func TestListEncryptedTargets(t *testing.T) {
	fake := &fakeDiskTool{responses: map[string]string{
		"list -plist":          csListDoc(volumeUUID, volume2UUID),
		"info -plist " + familyUUID:  csInfoDoc("AES-XTS", "", 0),
		"info -plist " + volumeUUID:  csInfoDoc("", "Complete", 250_000_000_000),
		"info -plist " + volume2UUID: csInfoDoc("", "Converting", 500_000_000_000),
	}}

	b := newFullDisk(fake.run)

	targets, err := b.ListEncryptedTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 2)

	assert.Equal(t, volumeUUID, targets[0].ID)
	assert.True(t, targets[0].Encrypted)
	assert.Equal(t, StateEncrypted, targets[0].ConversionState)
	assert.Equal(t, int64(250_000_000_000), targets[0].SizeBytes)
}

func TestListEncryptedTargets_UnencryptedFamilySkipped(t *testing.T) {
	fake := &fakeDiskTool{responses: map[string]string{
		"list -plist":         csListDoc(volumeUUID),
		"info -plist " + familyUUID: csInfoDoc("", "", 0),
		"info -plist " + volumeUUID: csInfoDoc("", "Complete", 0),
	}}

	b := newFullDisk(fake.run)

	targets, err := b.ListEncryptedTargets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestListEncryptedTargets_FailedVolumeIncluded(t *testing.T) {
	// A failed conversion is still listed: the same actions (revert)
	// apply to such volumes.
	fake := &fakeDiskTool{responses: map[string]string{
		"list -plist":         csListDoc(volumeUUID),
		"info -plist " + familyUUID: csInfoDoc("", "", 0),
		"info -plist " + volumeUUID: csInfoDoc("", "Failed", 0),
	}}

	b := newFullDisk(fake.run)

	targets, err := b.ListEncryptedTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, StateFailed, targets[0].ConversionState)
}

func TestEncrypt(t *testing.T) {
	fake := &fakeDiskTool{responses: map[string]string{
		"enable": plistDoc(`<dict>
	<key>RecoveryKey</key><string>XXXX-YYYY-ZZZZ</string>
	<key>LVUUID</key><string>` + volumeUUID + `</string>
</dict>`),
	}}

	b := newFullDisk(fake.run)

	target, passphrase, err := b.Encrypt(context.Background(), "user1", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, volumeUUID, target)
	assert.Equal(t, "XXXX-YYYY-ZZZZ", passphrase)

	// Credentials travel on stdin, never argv.
	require.Len(t, fake.stdins, 1)
	assert.Contains(t, fake.stdins[0], "user1")
	assert.Contains(t, fake.stdins[0], "hunter2")
	assert.NotContains(t, fake.calls[0], "hunter2")
}

func TestEncrypt_NoRecoveryKey(t *testing.T) {
	fake := &fakeDiskTool{responses: map[string]string{
		"enable": plistDoc(`<dict></dict>`),
	}}

	b := newFullDisk(fake.run)

	_, _, err := b.Encrypt(context.Background(), "user1", "hunter2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recovery key")
}

func TestRotateLocalKey(t *testing.T) {
	fake := &fakeDiskTool{responses: map[string]string{
		"changerecovery": plistDoc(`<dict><key>RecoveryKey</key><string>NEW-KEY-0001</string></dict>`),
	}}

	b := newFullDisk(fake.run)

	passphrase, err := b.RotateLocalKey(context.Background(), "user1", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "NEW-KEY-0001", passphrase)
}

func TestUnlock(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		fake := &fakeDiskTool{responses: map[string]string{"unlockVolume": ""}}
		b := newFullDisk(fake.run)

		require.NoError(t, b.Unlock(context.Background(), volumeUUID, "p1"))
		assert.Equal(t, "p1", fake.stdins[0], "passphrase travels on stdin")
	})

	t.Run("already unlocked tolerated", func(t *testing.T) {
		fake := &fakeDiskTool{
			responses: map[string]string{"unlockVolume": "volume is not locked"},
			errOn:     map[string]error{"unlockVolume": errors.New("exit status 1")},
		}
		b := newFullDisk(fake.run)

		require.NoError(t, b.Unlock(context.Background(), volumeUUID, "p1"))
	})

	t.Run("failure", func(t *testing.T) {
		fake := &fakeDiskTool{
			responses: map[string]string{"unlockVolume": "authentication error"},
			errOn:     map[string]error{"unlockVolume": errors.New("exit status 1")},
		}
		b := newFullDisk(fake.run)

		err := b.Unlock(context.Background(), volumeUUID, "p1")
		assert.ErrorIs(t, err, ErrCouldNotUnlock)
	})

	t.Run("invalid uuid", func(t *testing.T) {
		b := newFullDisk((&fakeDiskTool{}).run)

		err := b.Unlock(context.Background(), "not-a-uuid", "p1")
		assert.ErrorIs(t, err, ErrInvalidUUID)
	})
}

func TestRevert(t *testing.T) {
	fake := &fakeDiskTool{responses: map[string]string{
		"unlockVolume": "",
		"revert":       "",
	}}
	b := newFullDisk(fake.run)

	require.NoError(t, b.Revert(context.Background(), volumeUUID, "p1", ""))
	require.Len(t, fake.calls, 2)
	assert.Contains(t, fake.calls[0], "unlockVolume")
	assert.Contains(t, fake.calls[1], "revert")
}

func TestCheckPreconditions(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		runErr  error
		wantErr bool
	}{
		{name: "off", status: "FileVault is Off."},
		{name: "already on", status: "FileVault is On.", wantErr: true},
		{name: "converting", status: "Encryption in progress", wantErr: true},
		{name: "tooling missing", runErr: errors.New("no such file"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeDiskTool{responses: map[string]string{"status": tt.status}}
			if tt.runErr != nil {
				fake.errOn = map[string]error{"status": tt.runErr}
			}

			b := newFullDisk(fake.run)

			err := b.CheckPreconditions(context.Background())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPreconditions)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	for _, kind := range []string{KindFullDisk, KindContainer, KindFirmware} {
		b, err := New(kind, nil)
		require.NoError(t, err, kind)
		require.NotNil(t, b, kind)
	}

	_, err := New("bitflipper", nil)
	require.Error(t, err)
}
