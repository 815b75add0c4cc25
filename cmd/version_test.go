package cmd

import (
	"fmt"
	"github.com/arcward/dmrelay/dmrelay"
	"github.com/stretchr/testify/assert"
	"io"
	"os"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := dmrelay.Version
	originalCommitSHA := dmrelay.CommitSHA
	originalBuildTime := dmrelay.BuildTime

	t.Cleanup(
		func() {
			dmrelay.Version = originalVersion
			dmrelay.CommitSHA = originalCommitSHA
			dmrelay.BuildTime = originalBuildTime
		},
	)

	dmrelay.Version = "1.0.0"
	dmrelay.CommitSHA = "abc123"
	dmrelay.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		dmrelay.Version,
		dmrelay.CommitSHA,
		dmrelay.BuildTime,
	)
	assert.Equal(t, expected, output)
}
