package main

import (
	"bufio"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStatsDecodesEachLine(t *testing.T) {
	in := "class   16: 3 slabs\nclass   32: 0 slabs\nclass 4096: 12 slabs\n"
	lines, err := parseStats(bufio.NewScanner(strings.NewReader(in)))
	require.Nil(t, err)
	require.Equal(t, []statLine{
		{size: 16, slabs: 3},
		{size: 32, slabs: 0},
		{size: 4096, slabs: 12},
	}, lines)
}

func TestParseStatsSkipsUnrecognizedLines(t *testing.T) {
	in := "not a stats line\nclass    8: 1 slabs\n"
	lines, err := parseStats(bufio.NewScanner(strings.NewReader(in)))
	require.Nil(t, err)
	require.Equal(t, []statLine{{size: 8, slabs: 1}}, lines)
}

func TestHumanizeScalesUnits(t *testing.T) {
	require.Equal(t, "512 B", humanize(512))
	require.Equal(t, "2.00 KB", humanize(2048))
	require.Equal(t, "1.00 MB", humanize(1<<20))
}

func TestLoadMountConfigReadsSource(t *testing.T) {
	dir := t.TempDir()
	cfgPath := dir + "/mount.yaml"
	require.Nil(t, os.WriteFile(cfgPath, []byte("source: /tmp/stat.txt\n"), 0644))
	cfg, err := loadMountConfig(cfgPath)
	require.Nil(t, err)
	require.Equal(t, "/tmp/stat.txt", cfg.Source)
}
