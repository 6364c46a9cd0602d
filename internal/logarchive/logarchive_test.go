package logarchive

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipOf(t *testing.T, dirs []string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, d := range dirs {
		_, err := zw.Create(d)
		require.NoError(t, err)
	}
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractAllSkipsDirectories(t *testing.T) {
	archive := zipOf(t, []string{"build/"}, map[string]string{
		"build/1_setup.txt": "setup ok",
		"1_build.txt":       "summary",
	})
	files, err := ExtractAll(archive)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"build/1_setup.txt": "setup ok", "1_build.txt": "summary"}, files)
}

func TestExtractAllRejectsGarbage(t *testing.T) {
	_, err := ExtractAll([]byte("not a zip"))
	assert.Error(t, err)
}

func TestTranscriptIsNumericallyOrdered(t *testing.T) {
	files := map[string]string{
		"build/2_x.txt":  "two",
		"build/10_x.txt": "ten",
		"build/1_x.txt":  "one",
		"lint/0_x.txt":   "skipped",
	}
	out := BuildOrderedTranscript(files, "build/")
	assert.Equal(t,
		"Log file name: build/1_x.txt\nLogs:\none\n\n"+
			"Log file name: build/2_x.txt\nLogs:\ntwo\n\n"+
			"Log file name: build/10_x.txt\nLogs:\nten",
		out)
	assert.NotContains(t, out, "skipped")
}

func TestUnparsablePrefixSortsFirst(t *testing.T) {
	files := map[string]string{"build/3_c.txt": "c", "build/setup.txt": "s"}
	entries := BuildEntries(files, "build/")
	require.Len(t, entries, 2)
	assert.Equal(t, "build/setup.txt", entries[0].Path)
	assert.Equal(t, 0, entries[0].Step)
}

func TestExtractStep(t *testing.T) {
	files := map[string]string{
		"build/5_compile.txt": "compile failed",
		"build/6_test.txt":    "tests",
		"build/50_deploy.txt": "deploy",
	}
	got := ExtractStep(files, "build/", 5)
	assert.Equal(t, "Log file name: build/5_compile.txt\nLogs:\ncompile failed", got)
	assert.False(t, strings.Contains(got, "tests"))
	assert.Empty(t, ExtractStep(files, "build/", 7))
}

func TestStepNumber(t *testing.T) {
	assert.Equal(t, 12, StepNumber("build/12_Run npm build.txt"))
	assert.Equal(t, 0, StepNumber("build/readme.txt"))
	assert.Equal(t, 0, StepNumber("build/x_1.txt"))
}
