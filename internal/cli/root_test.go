package cli_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/repload/internal/cli"
	"github.com/JonMunkholm/repload/internal/config"
	"github.com/JonMunkholm/repload/internal/core"
	"github.com/JonMunkholm/repload/internal/store/elastic/elastictest"
)

const input = "start_ip_int,end_ip_int,asn,carrier\n" +
	"1,10,3356,level3\n" +
	"11,40,174,cogent\n" +
	"41,45,3356,level3\n"

func execute(t *testing.T, stdin string, args ...string) (int, string) {
	t.Helper()
	cfg, err := config.LoadEnv()
	require.NoError(t, err)

	var stderr bytes.Buffer
	code := cli.Execute(context.Background(), cfg, args, cli.Streams{In: strings.NewReader(stdin), Err: &stderr})
	return code, stderr.String()
}

func esArgs(srv *elastictest.Server, args ...string) []string {
	host, port := srv.HostPort()
	return append([]string{"--host", host, "--port", strconv.Itoa(port)}, args...)
}

func generations(srv *elastictest.Server) []string {
	var ids []string
	for _, name := range srv.State.Names() {
		if strings.HasPrefix(name, core.DefaultPrefix) {
			ids = append(ids, name)
		}
	}
	return ids
}

func TestUploadAndSwitch(t *testing.T) {
	srv := elastictest.Start(t)

	code, out := execute(t, input, esArgs(srv, "upload", "--batchsize", "2", "--no-progress")...)
	require.Equal(t, 0, code, out)

	ids := generations(srv)
	require.Len(t, ids, 1)
	assert.Len(t, srv.State.Rows(ids[0]), 3)
	assert.Equal(t, 2, srv.BulkCalls())

	scratch := srv.State.Document(core.DefaultScratchCollection)
	assert.Equal(t, ids[0], scratch["loadedIndex"])
	assert.EqualValues(t, 29, scratch["loadedMaxBlockSize"])
	assert.Nil(t, scratch["pausedIndex"])

	code, out = execute(t, "", esArgs(srv, "switch")...)
	require.Equal(t, 0, code, out)
	active := srv.State.Document(core.DefaultMetadataCollection)
	assert.Equal(t, ids[0], active["currentIndex"])
	assert.Equal(t, ids[0], active["version"])
	assert.Contains(t, out, "command finished")
}

func TestDeleteSingleArgument(t *testing.T) {
	srv := elastictest.Start(t)
	ctx := context.Background()
	require.NoError(t, srv.State.CreateCollection(ctx, "neustar.ipinfo.7", core.GenerationSchema))

	code, out := execute(t, "", esArgs(srv, "delete-single", "neustar.ipinfo.7")...)
	require.Equal(t, 0, code, out)
	assert.Empty(t, generations(srv))
}

func TestSwitchToDeletedGenerationFails(t *testing.T) {
	srv := elastictest.Start(t)
	err := srv.State.PutDocument(context.Background(), core.DefaultScratchCollection, map[string]any{
		"loadedIndex":        "neustar.ipinfo.5",
		"loadedMaxBlockSize": 3,
	})
	require.NoError(t, err)

	code, out := execute(t, "", esArgs(srv, "switch")...)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Code: STATE001")
	assert.Nil(t, srv.State.Document(core.DefaultMetadataCollection))
}

func TestConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing host", []string{"--port", "9200", "switch"}, "--host is required"},
		{"missing port", []string{"--host", "localhost", "switch"}, "--port (0)"},
		{"no command", []string{"--host", "localhost", "--port", "9200"}, "no command selected"},
		{"bad batch size", []string{"--store", "mem", "upload", "--batchsize", "0"}, "--batchsize"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := execute(t, input, tt.args...)
			assert.Equal(t, 1, code)
			assert.Contains(t, out, "Code: CFG001")
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestCommandConflictsWithEnvironment(t *testing.T) {
	srv := elastictest.Start(t)
	t.Setenv("REPLOAD_COMMAND", "delete-all")

	code, out := execute(t, "", esArgs(srv, "switch")...)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Code: CFG001")
	assert.Contains(t, out, "only one command may be selected, got delete-all, switch")
	assert.Empty(t, srv.Requests())
}

func TestCommandMatchingEnvironment(t *testing.T) {
	srv := elastictest.Start(t)
	t.Setenv("REPLOAD_COMMAND", "delete-old")

	code, out := execute(t, "", esArgs(srv, "delete-old")...)
	require.Equal(t, 0, code, out)
}

func TestFatalLineCarriesRunID(t *testing.T) {
	code, out := execute(t, "", "--store", "mem", "upload", "--input", filepath.Join(t.TempDir(), "missing.csv"))
	assert.Equal(t, 1, code)

	var fatal string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "msg=fatal") {
			fatal = line
		}
	}
	require.NotEmpty(t, fatal, out)
	assert.Contains(t, fatal, "run_id=")
}

func TestUnknownFlag(t *testing.T) {
	code, out := execute(t, "", "--bogus")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "unknown flag")
}

func TestMemStoreWithInputFileAndMetrics(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocks.csv")
	require.NoError(t, os.WriteFile(path, []byte("\xEF\xBB\xBF"+input), 0o600))
	metrics := filepath.Join(dir, "repload.prom")

	code, out := execute(t, "", "--store", "mem", "--metrics-textfile", metrics, "upload", "--input", path)
	require.Equal(t, 0, code, out)

	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), "repload_pipeline_batches_total")
	assert.Contains(t, string(data), `repload_store_request_duration_seconds_count{driver="mem",operation="BulkWrite"}`)
}

func TestMissingInputFile(t *testing.T) {
	code, out := execute(t, "", "--store", "mem", "upload", "--input", filepath.Join(t.TempDir(), "missing.csv"))
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "missing.csv")
}
