package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{250 * 1024 * 1024 * 1024, "250.0 GiB"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, formatSize(tc.n), "formatSize(%d)", tc.n)
	}
}

func TestPrintStatuses_Text(t *testing.T) {
	saveGlobals(t)

	flagJSON = false

	var out bytes.Buffer

	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	needed := true
	statuses := []volumeStatus{
		{UUID: "AAAA-1111", ConversionState: "complete", SizeBytes: 1024},
		{UUID: "BBBB-2222", ConversionState: "converting", SizeBytes: 2048, RotationNeeded: &needed},
	}

	require.NoError(t, printStatuses(cmd, statuses))

	assert.Contains(t, out.String(), "AAAA-1111")
	assert.Contains(t, out.String(), "complete")
	assert.Contains(t, out.String(), "needed")
}

func TestPrintStatuses_JSON(t *testing.T) {
	saveGlobals(t)

	flagJSON = true

	var out bytes.Buffer

	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	statuses := []volumeStatus{
		{UUID: "AAAA-1111", ConversionState: "complete", SizeBytes: 1024},
	}

	require.NoError(t, printStatuses(cmd, statuses))

	var decoded []volumeStatus
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "AAAA-1111", decoded[0].UUID)
	assert.Nil(t, decoded[0].RotationNeeded)
}

func TestPrintStatuses_Empty(t *testing.T) {
	saveGlobals(t)

	flagJSON = false

	var out bytes.Buffer

	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	require.NoError(t, printStatuses(cmd, nil))
	assert.Contains(t, out.String(), "No encrypted volumes")
}
