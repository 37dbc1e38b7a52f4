package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildInfoWrite(t *testing.T) {
	var buf bytes.Buffer
	b := buildInfo{Version: "1.4.0", Date: "2026-10-01", Number: "17", Commit: "3f2a9c1"}

	require.NoError(t, b.write(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Regexp(t, `^Version:\s+1\.4\.0$`, lines[0])
	assert.Regexp(t, `^Build number:\s17$`, lines[2])
	assert.Regexp(t, `^Commit:\s+3f2a9c1$`, lines[3])
	assert.True(t, strings.HasPrefix(lines[4], "Go:"))
}

func TestBuildInfoLogObject(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	logger.Info().Object("build", buildInfo{Version: "1.4.0", Commit: "3f2a9c1"}).Msg("")

	assert.Contains(t, buf.String(), `"build":{"version":"1.4.0","commit":"3f2a9c1"}`)
}
