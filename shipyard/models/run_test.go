package models

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.sh/tangled.sh/shipyard/log"
)

func TestRun_StageBookkeeping(t *testing.T) {
	dir := t.TempDir()
	rl, err := NewRunLogger(dir, 3)
	require.NoError(t, err)
	defer rl.Close()

	run := NewRun(3, nil, rl, log.Discard())
	test := Stage{Name: StageTest, Policy: FailFast, Reports: []Report{{Stage: StageTest, Path: "junit.xml", Retain: true}}}

	run.BeginStage(test)
	assert.Equal(t, StageTest, run.Stage())
	fmt.Fprintln(run.Stdout(), "ok 1")
	fmt.Fprintln(run.Stderr(), "warn")
	run.AddReport("coverage.xml", false)
	assert.Len(t, run.ReportSet(), 2)
	res := run.EndStage(StageFailed, errors.New("1 test failed"))

	assert.Equal(t, StageFailed, res.Status)
	assert.Equal(t, "1 test failed", res.Error)
	assert.Contains(t, res.Output, "ok 1")
	assert.Contains(t, res.Output, "warn")
	assert.Len(t, res.Reports, 2)

	skipped := run.Skip(Stage{Name: StageDeploy}, "aborted")
	assert.Equal(t, StageSkipped, skipped.Status)
	assert.Len(t, run.Results(), 2)
	assert.Equal(t, "", string(run.Stage()))

	f, err := os.Open(LogFilePath(dir, 3))
	require.NoError(t, err)
	defer f.Close()

	var kinds []LogKind
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line LogLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		kinds = append(kinds, line.Kind)
	}
	assert.Equal(t, []LogKind{LogKindControl, LogKindData, LogKindData, LogKindControl, LogKindControl}, kinds)
}

func TestRun_OutputIsBounded(t *testing.T) {
	run := NewRun(1, nil, nil, log.Discard())
	run.BeginStage(Stage{Name: StageBuild})
	chunk := strings.Repeat("x", 1024)
	for i := 0; i < 100; i++ {
		fmt.Fprint(run.Stdout(), chunk)
	}
	fmt.Fprint(run.Stdout(), "END")
	res := run.EndStage(StageSuccess, nil)

	assert.Len(t, res.Output, maxCapturedOutput)
	assert.True(t, strings.HasSuffix(res.Output, "END"))
}

func TestPipelineResult_ExitCode(t *testing.T) {
	assert.Equal(t, 0, PipelineResult{Success: true}.ExitCode())
	assert.Equal(t, 1, PipelineResult{}.ExitCode())
}
