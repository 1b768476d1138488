package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/output"
)

func readRecords(t *testing.T, data []byte) []output.Record {
	t.Helper()
	var records []output.Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var rec output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec), sc.Text())
		records = append(records, rec)
	}
	require.NoError(t, sc.Err())
	return records
}

func recordTypes(records []output.Record) []string {
	types := make([]string, len(records))
	for i, r := range records {
		types[i] = r.Type
	}
	return types
}

func TestOpenEvents(t *testing.T) {
	stream, err := openEvents("", nil)
	require.NoError(t, err)
	assert.Nil(t, stream)
	assert.Nil(t, stream.job("j1", jobregistry.RoleMonteCarlo))
	assert.False(t, stream.replacesOutput())
	assert.NoError(t, stream.Close())

	var buf bytes.Buffer
	stream, err = openEvents("-", &buf)
	require.NoError(t, err)
	assert.True(t, stream.replacesOutput())

	_, err = openEvents(filepath.Join(t.TempDir(), "missing", "events.jsonl"), nil)
	require.Error(t, err)
	assert.Equal(t, exitFileWriteError, ExitCode(err))
}

func TestEmitOutcome(t *testing.T) {
	var buf bytes.Buffer
	w := output.NewJSONLWriter(&buf, "j1", string(jobregistry.RoleMonteCarlo))

	ended := time.Now()
	emitOutcome(context.Background(), w, jobregistry.JobState{Status: jobregistry.StatusFailed, Completed: 3, Total: 10, Error: "evaluation failed", EndedAt: &ended})

	records := readRecords(t, buf.Bytes())
	require.Equal(t, []string{output.TypeError, output.TypeSummary}, recordTypes(records))

	var errRec output.ErrorRecord
	require.NoError(t, json.Unmarshal(records[0].Data, &errRec))
	assert.Equal(t, output.ErrCodeEvaluation, errRec.Code)
	assert.Equal(t, 3, errRec.Iteration)

	// A closed writer only logs.
	require.NoError(t, w.Close())
	emitOutcome(context.Background(), w, jobregistry.JobState{Status: jobregistry.StatusCompleted})
}

func TestMCRunWritesEvents(t *testing.T) {
	useConfig(t, studyConfig(t))
	path := filepath.Join(t.TempDir(), "run.jsonl")

	out, err := runCommand(t, mcRunCmd, runMC, nil, map[string]string{"manifest": writeStudy(t), "quiet": "true", "events": path})
	require.NoError(t, err)
	assert.Contains(t, out, "job_id=")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	records := readRecords(t, data)
	require.GreaterOrEqual(t, len(records), 3)

	types := recordTypes(records)
	assert.Equal(t, output.TypeProgress, types[0])
	assert.Equal(t, output.TypeRanking, types[len(types)-2])
	assert.Equal(t, output.TypeSummary, types[len(types)-1])
	for _, r := range records {
		assert.Equal(t, string(jobregistry.RoleMonteCarlo), r.Role)
		assert.Equal(t, records[0].JobID, r.JobID)
	}

	var sum output.SummaryRecord
	require.NoError(t, json.Unmarshal(records[len(records)-1].Data, &sum))
	assert.Equal(t, "completed", sum.Status)
	assert.Equal(t, 30, sum.Completed)
}

func TestValidateRunEventsToStdout(t *testing.T) {
	useConfig(t, studyConfig(t))

	out, err := runCommand(t, validateRunCmd, runValidate, nil, map[string]string{"manifest": writeStudy(t), "quiet": "true", "events": "-"})
	require.NoError(t, err)
	assert.NotContains(t, out, "sufficient_k=")

	records := readRecords(t, []byte(out))
	var trials int
	roles := map[string]bool{}
	for _, r := range records {
		roles[r.Role] = true
		if r.Type == output.TypeTrial {
			trials++
		}
	}
	// max_influential 2 with step 1 runs K=1 and K=2.
	assert.Equal(t, 2, trials)
	assert.True(t, roles["monte_carlo"])
	assert.True(t, roles["validation"])
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "}"))
	assert.Equal(t, output.TypeSummary, records[len(records)-1].Type)
}
