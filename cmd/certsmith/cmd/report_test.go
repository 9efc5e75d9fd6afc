package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certsmith/batch"
	"github.com/jmcleod/certsmith/ledger"
	"github.com/jmcleod/certsmith/secret"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestPrintReport(t *testing.T) {
	res := &batch.Result{
		RunID:      "run-1",
		Total:      3,
		Successful: 2,
		Failed:     1,
		Issued: []*batch.Issued{
			{Item: "web", Serial: "0A1B", NotAfter: time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)},
			{Item: "api", Serial: "0C2D", NotAfter: time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)},
		},
		Failures: []batch.Failure{{Item: "db", Message: "db: invalid SAN format: FOO:bar"}},
		Warnings: []string{"CA certificate expires in 12 days"},
	}

	var buf bytes.Buffer
	printReport(&buf, res)
	out := buf.String()

	assert.Contains(t, out, "web")
	assert.Contains(t, out, "expires 2027-03-01")
	assert.Contains(t, out, "[FAIL]")
	assert.Contains(t, out, "invalid SAN format")
	assert.Contains(t, out, "[WARN] CA certificate expires in 12 days")
	assert.Contains(t, out, "Run run-1: 3 total, 2 succeeded, 1 failed")
}

func TestFilterExpiring(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	recs := []*ledger.Record{
		{Serial: "01", NotAfter: now.AddDate(0, 0, 5)},
		{Serial: "02", NotAfter: now.AddDate(0, 0, 60)},
		{Serial: "03", NotAfter: now.AddDate(0, 0, -1)},
	}

	assert.Len(t, filterExpiring(recs, now, 0), 3)

	got := filterExpiring(recs, now, 30)
	require.Len(t, got, 2)
	assert.Equal(t, "01", got[0].Serial)
	assert.Equal(t, "03", got[1].Serial)
	assert.Len(t, recs, 3, "input is not modified")
}

func TestCachedProvider_AsksOnce(t *testing.T) {
	c := &cachedProvider{}
	defer c.forget()
	src := secret.NewCounting(secret.Static(secret.FromString("ca-pass")))
	p := c.wrap(src)

	for i := 0; i < 3; i++ {
		s, err := p.Password(context.Background(), "CA password")
		require.NoError(t, err)
		err = s.Use(func(b []byte) error {
			assert.Equal(t, "ca-pass", string(b))
			return nil
		})
		require.NoError(t, err)
		s.Destroy()
	}
	assert.Equal(t, int64(1), src.Calls())
}

func TestCachedProvider_ErrorNotCached(t *testing.T) {
	c := &cachedProvider{}
	defer c.forget()
	calls := 0
	p := c.wrap(secret.ProviderFunc(func(ctx context.Context, _ string) (*secret.Secret, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("no tty")
		}
		return secret.FromString("x"), nil
	}))

	_, err := p.Password(context.Background(), "")
	require.Error(t, err)
	_, err = p.Password(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestParsePrefixes(t *testing.T) {
	got, err := parsePrefixes([]string{"10.0.0.0/8", "2001:db8::/32"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = parsePrefixes([]string{"10.0.0.1"})
	assert.Error(t, err)
}
