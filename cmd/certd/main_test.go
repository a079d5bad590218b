package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) []byte {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	require.NoError(t, root.Execute(), errOut.String())
	return out.Bytes()
}

func isolatedEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CERTD_CONFIG", "")
	t.Setenv("CERTD_DATABASE_DSN", filepath.Join(dir, "certd.db"))
	t.Setenv("CERTD_CONTENT_LOCAL_PATH", filepath.Join(dir, "content.db"))
	t.Setenv("CERTD_LEDGER_RPC_URL", "")
}

func TestMigrateThenVerify(t *testing.T) {
	isolatedEnv(t)

	var migration map[string]int
	require.NoError(t, json.Unmarshal(runCLI(t, "migrate"), &migration))
	require.Zero(t, migration["Copied"])

	var verdict map[string]any
	require.NoError(t, json.Unmarshal(runCLI(t, "verify", "id", "not-a-fingerprint"), &verdict))
	require.Equal(t, "NOT_FOUND", verdict["status"])
	require.Equal(t, "invalid_format", verdict["reason"])
}

func TestExportEmptyStore(t *testing.T) {
	isolatedEnv(t)
	dir := t.TempDir()

	var summary map[string]any
	require.NoError(t, json.Unmarshal(runCLI(t, "export", "--dir", dir), &summary))
	require.EqualValues(t, 0, summary["Rows"])
}

func TestReconcileRequiresLedger(t *testing.T) {
	isolatedEnv(t)
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"reconcile"})
	require.ErrorContains(t, root.Execute(), "ledger.rpc_url")
}
