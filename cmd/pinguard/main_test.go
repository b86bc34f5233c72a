package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pinguard/internal/campaign"
	"pinguard/internal/card"
	"pinguard/internal/store"
	"pinguard/internal/tamper"
)

type run struct {
	out, err bytes.Buffer
}

func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PINGUARD_DATA_DIR", dir)
	t.Setenv("PINGUARD_CONFIG", "")
	return dir
}

func execute(t *testing.T, args ...string) (*run, error) {
	t.Helper()
	r := &run{}
	app := newApp()
	app.Writer = &r.out
	app.ErrWriter = &r.err
	err := app.Run(context.Background(), append([]string{"pinguard"}, args...))
	return r, err
}

func TestAppCommands(t *testing.T) {
	app := newApp()
	require.Equal(t, "pinguard", app.Name)

	var names []string
	for _, c := range app.Commands {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"provision", "verify", "status", "logout", "ladder", "campaign", "config"}, names)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitRejected, exitCode(errRejected))
	assert.Equal(t, exitMuted, exitCode(fmt.Errorf("verify: %w", card.ErrMuted)))
	assert.Equal(t, exitError, exitCode(errors.New("disk full")))
}

func TestParsePIN(t *testing.T) {
	p, err := parsePIN("0912")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 9, 1, 2}, p)

	_, err = parsePIN("12a4")
	assert.ErrorIs(t, err, card.ErrPINLength)
	_, err = parsePIN("12345")
	assert.ErrorIs(t, err, card.ErrPINLength)
}

func TestProvisionVerifyStatus(t *testing.T) {
	dir := setup(t)

	r, err := execute(t, "provision", "--pin", "1234")
	require.NoError(t, err)
	assert.Contains(t, r.out.String(), "card default provisioned")

	r, err = execute(t, "verify", "--pin", "1234")
	require.NoError(t, err)
	assert.Equal(t, "PIN accepted\n", r.out.String())

	r, err = execute(t, "verify", "--pin", "0000")
	require.ErrorIs(t, err, errRejected)
	assert.Equal(t, "PIN rejected, 2 tries left\n", r.out.String())

	r, err = execute(t, "status", "--json")
	require.NoError(t, err)
	var st card.Status
	require.NoError(t, json.Unmarshal(r.out.Bytes(), &st))
	assert.Equal(t, int8(2), st.RetriesLeft)
	assert.False(t, st.Authenticated)
	assert.False(t, st.Muted)

	audit, err := os.ReadFile(filepath.Join(dir, "logs", "audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(audit), `"event_type":"provision"`)
	assert.Contains(t, string(audit), `"event_type":"verify_attempt"`)

	info, err := os.Stat(filepath.Join(dir, "secret.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLockoutAndLogout(t *testing.T) {
	setup(t)
	_, err := execute(t, "provision", "--pin", "1234")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = execute(t, "verify", "--pin", "9999")
		require.ErrorIs(t, err, errRejected)
	}
	r, err := execute(t, "verify", "--pin", "1234", "--json")
	require.ErrorIs(t, err, errRejected)
	assert.JSONEq(t, `{"authenticated": false, "retries_left": 0, "locked": true}`, r.out.String())

	_, err = execute(t, "logout")
	require.NoError(t, err)
}

func TestSimulatedFaultMutesHardenedCard(t *testing.T) {
	setup(t)
	_, err := execute(t, "--preset", "v6", "provision", "--pin", "1234")
	require.NoError(t, err)

	r, err := execute(t, "--preset", "v6", "verify", "--pin", "0000", "--fault", "invert@verdict", "--metrics")
	require.ErrorIs(t, err, card.ErrMuted)
	assert.Equal(t, exitMuted, exitCode(err))
	assert.Contains(t, r.err.String(), "pinguard_countermeasures_total 1")

	_, err = execute(t, "--preset", "v6", "verify", "--pin", "1234")
	require.ErrorIs(t, err, card.ErrMuted)

	r, err = execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, r.out.String(), "muted")
}

func TestSimulatedFaultBypassesWeakRung(t *testing.T) {
	setup(t)
	_, err := execute(t, "--preset", "v0", "provision", "--pin", "1234")
	require.NoError(t, err)

	r, err := execute(t, "--preset", "v0", "verify", "--pin", "5555", "--fault", "flip:0@return-value")
	require.NoError(t, err)
	assert.Equal(t, "PIN accepted\n", r.out.String())
}

func TestVerifyRejectsBadFault(t *testing.T) {
	setup(t)
	_, err := execute(t, "verify", "--pin", "1234", "--fault", "laser@verdict")
	assert.Error(t, err)
}

func TestLadder(t *testing.T) {
	setup(t)
	r, err := execute(t, "ladder", "--sites")
	require.NoError(t, err)
	out := r.out.String()
	assert.Contains(t, out, "v4-hb-ftl-inl-dptc-ptcbk-lc")
	assert.Contains(t, out, "hardened")
	assert.Contains(t, out, "loop-cond")
}

func TestCampaign(t *testing.T) {
	dir := setup(t)
	reportPath := filepath.Join(dir, "reports", "run.json")

	r, err := execute(t, "campaign",
		"--rung", "v0", "--rung", "v1",
		"--model", "invert",
		"--scenario", "wrong_pin",
		"--report", reportPath,
		"--persist",
		"--json",
	)
	require.NoError(t, err)

	var rep campaign.Report
	require.NoError(t, json.Unmarshal(r.out.Bytes(), &rep))
	require.Len(t, rep.Rungs, 2)
	assert.Equal(t, []string{"invert"}, rep.Models)
	assert.Positive(t, rep.Rungs[0].Counts.Bypassed)

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.NoError(t, campaign.ValidateReport(data))
}

func TestCampaignRejectsUnknownRung(t *testing.T) {
	setup(t)
	_, err := execute(t, "campaign", "--rung", "v9")
	assert.Error(t, err)
}

func TestConfigCheck(t *testing.T) {
	dir := setup(t)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[card]\npreset = \"v2\"\nextra_techniques = \"DT\"\n"), 0o600))

	r, err := execute(t, "--config", path, "config", "check")
	require.NoError(t, err)
	assert.Contains(t, r.out.String(), "policy HB+FTL+DT")

	require.NoError(t, os.WriteFile(path, []byte("[card]\npreset = \"v2\"\nbogus = true\n"), 0o600))
	_, err = execute(t, "--config", path, "config", "check")
	assert.Error(t, err)
}

func TestSeedTamperFromStoredRecord(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.SaveState(ctx, &store.StateRecord{CardID: "card-1", ReferencePIN: []byte{1, 2, 3, 4}, TamperCount: 4}))

	c := seedTamper(ctx, &tamper.Software{}, s, "card-1")
	v, err := c.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v)

	c = seedTamper(ctx, &tamper.Software{}, s, "missing")
	v, err = c.Value(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)

	assert.Equal(t, tamper.Discard{}, seedTamper(ctx, tamper.Discard{}, s, "card-1"))
}
