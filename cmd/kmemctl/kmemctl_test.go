package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kernmem/mem/page"
)

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	// Drain concurrently so large outputs cannot fill the pipe.
	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		done <- buf.String()
	}()

	fnErr := fn()
	w.Close()
	os.Stdout = origStdout
	return <-done, fnErr
}

// resetFlags restores the global flags between tests.
func resetFlags(t *testing.T) {
	t.Helper()
	verbose, quiet, jsonOut, noColor = false, false, false, true
	configPath, logLevel = "", ""
	t.Cleanup(func() { noColor = false })
}

func smallConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kmem.yaml")
	require.NoError(t, os.WriteFile(path, []byte("arena_pages: 512\nreserved_pages: 2\n"), 0o644))
	return path
}

func TestScenarioCommand(t *testing.T) {
	resetFlags(t)
	configPath = smallConfig(t)

	output, err := captureOutput(t, runScenario)
	require.NoError(t, err, output)
	assert.Contains(t, output, "Container.field = Data")
	assert.Contains(t, output, "rc=2")

	jsonOut = true
	output, err = captureOutput(t, runScenario)
	require.NoError(t, err, output)

	var steps []ScenarioStep
	require.NoError(t, json.Unmarshal([]byte(output), &steps))
	require.Len(t, steps, 5)
	assert.Equal(t, ScenarioStep{Step: "allocate Container", Container: "rc=1", Data: "-"}, steps[0])
	assert.Equal(t, ScenarioStep{Step: "Container.field = Data", Container: "rc=1", Data: "rc=2"}, steps[2])
	assert.Equal(t, ScenarioStep{Step: "clear Container root", Container: "freed", Data: "rc=1"}, steps[3])
	assert.Equal(t, ScenarioStep{Step: "clear Data root", Container: "freed", Data: "freed"}, steps[4])
}

func TestStressCommand(t *testing.T) {
	tests := []struct {
		name string
		opts workloadOptions
	}{
		{"default schedule", workloadOptions{Ops: 2000, Seed: 3, CollectEvery: 250, VerifyEvery: 500}},
		{"with cycles", workloadOptions{Ops: 2000, Seed: 9, CollectEvery: 100, Cycles: true, VerifyEvery: 400}},
		{"collect only on pressure", workloadOptions{Ops: 1500, Seed: 11, Roots: 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFlags(t)
			configPath = smallConfig(t)
			jsonOut = true

			output, err := captureOutput(t, func() error { return runStress(tt.opts) })
			require.NoError(t, err, output)

			var report struct {
				Workload WorkloadResult `json:"workload"`
			}
			require.NoError(t, json.Unmarshal([]byte(output), &report))
			assert.Equal(t, tt.opts.Ops, report.Workload.Ops)
			assert.Positive(t, report.Workload.Allocs)
			assert.Positive(t, report.Workload.Verified)
			assert.Positive(t, report.Workload.Native)
		})
	}
}

func TestStressCommand_TextOutput(t *testing.T) {
	resetFlags(t)
	configPath = smallConfig(t)

	output, err := captureOutput(t, func() error {
		return runStress(workloadOptions{Ops: 500, Seed: 1, CollectEvery: 100})
	})
	require.NoError(t, err, output)
	for _, want := range []string{"Stress Run (seed 1)", "Ops: 500", "Native lease ops:", "Small Heap:", "Native Leases:", "Collector:"} {
		assert.Contains(t, output, want)
	}
}

func TestStatsCommand(t *testing.T) {
	resetFlags(t)
	configPath = smallConfig(t)
	jsonOut = true

	output, err := captureOutput(t, func() error { return runStats(workloadOptions{}) })
	require.NoError(t, err, output)

	var st struct {
		Pages struct {
			TotalPages int
			FreePages  int
		}
	}
	require.NoError(t, json.Unmarshal([]byte(output), &st))
	assert.Equal(t, 512, st.Pages.TotalPages)
	assert.Positive(t, st.Pages.FreePages)

	jsonOut = false
	output, err = captureOutput(t, func() error {
		return runStats(workloadOptions{Ops: 300, Seed: 5, CollectEvery: 50})
	})
	require.NoError(t, err, output)
	assert.Contains(t, output, "Memory Manager Statistics")
	assert.Contains(t, output, "Total: 512 (2.0 MB)")
	assert.Contains(t, output, "Native Leases:")
}

func TestVersionFlagMatchesVersionCommand(t *testing.T) {
	resetFlags(t)
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"--version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		_ = rootCmd.Flags().Set("version", "false")
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "kmemctl version "+version+"\n", buf.String())

	output, err := captureOutput(t, func() error {
		versionCmd.Run(versionCmd, nil)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(output, "kmemctl "+version+"\n"), output)
}

func TestStatsCommand_BadConfig(t *testing.T) {
	resetFlags(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("size_classes: Nope\n"), 0o644))
	configPath = path

	_, err := captureOutput(t, func() error { return runStats(workloadOptions{}) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Nope")
}

func TestPagesCommand(t *testing.T) {
	resetFlags(t)
	configPath = smallConfig(t)
	pagesWidth = 64

	output, err := captureOutput(t, func() error {
		return runPages(workloadOptions{Ops: 500, Seed: 2, CollectEvery: 100})
	})
	require.NoError(t, err, output)

	lines := strings.Split(strings.TrimSpace(output), "\n")
	require.GreaterOrEqual(t, len(lines), 1+512/64)
	assert.True(t, strings.HasPrefix(lines[1], "0x0000100000 RRR"), lines[1])
	assert.Contains(t, output, "SizeMapMeta")
}

func TestRenderPageMap(t *testing.T) {
	kinds := []page.Kind{page.Reserved, page.SizeMapMeta, page.SmallHeap, page.LargeHeap, page.LargeHeap, page.Empty, page.MediumHeap, page.Kind(9)}
	out := renderPageMap(0x100000, kinds, 4)

	assert.Equal(t, []string{"RSsL", "L.m?"}, out.Rows)
	assert.Equal(t, 2, out.Counts["LargeHeap"])
	assert.Equal(t, 4096, out.PageSize)
}
