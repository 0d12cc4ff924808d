package migrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vycore/internal/failure"
	"vycore/process"
	"vycore/render"
	"vycore/schema"
)

const legacyConfig = `firewall {
    resolver-interval 60
}
/* Warning: Do not remove the following line. */
/* === vyatta-config-version: "bgp@0:cluster@1:firewall@3:quagga@1" === */
/* Release version: 1.2.8 */
`

func newMigrator(t *testing.T) (*Migrator, *process.Fake, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := render.New(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	fake := process.NewFake()
	m := &Migrator{
		Proc:    process.New(fake),
		Render:  r,
		Dir:     filepath.Join(dir, "migrate"),
		LogPath: filepath.Join(dir, "log", "migrate.log"),
		Release: "1.5-test",
		System:  map[string]int{"firewall": 5, "quagga": 2, "bgp": 1, "nat": 1},
		Retired: []string{"cluster"},
	}
	for _, script := range []string{"firewall/3-to-4", "firewall/4-to-5", "quagga/1-to-2", "bgp/0-to-1", "firewall/0-to-1"} {
		p := filepath.Join(m.Dir, script)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755))
	}
	path := filepath.Join(dir, "config.boot")
	require.NoError(t, os.WriteFile(path, []byte(legacyConfig), 0o660))
	require.NoError(t, os.Chmod(path, 0o660))
	return m, fake, path
}

func TestRunMigratesInOrder(t *testing.T) {
	m, fake, path := newMigrator(t)
	res, err := m.Run(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, Legacy, res.Before.Vintage)
	assert.Equal(t, "1.2.8", res.Before.Release)

	want := []string{
		filepath.Join(m.Dir, "firewall/3-to-4"),
		filepath.Join(m.Dir, "firewall/4-to-5"),
		filepath.Join(m.Dir, "quagga/1-to-2"),
		filepath.Join(m.Dir, "bgp/0-to-1"),
	}
	assert.Equal(t, want, res.Applied)
	for i, line := range fake.Lines() {
		assert.Equal(t, want[i]+" "+path, line)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `firewall {
    resolver-interval 60
}
// Warning: Do not remove the following line.
// vyos-config-version: "bgp@1:firewall@5:nat@1:quagga@2"
// Release version: 1.5-test
`, string(data))
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), st.Mode().Perm())

	logData, err := os.ReadFile(m.LogPath)
	require.NoError(t, err)
	assert.Equal(t, "List of applied migration modules:\napplying "+want[0]+"\napplying "+want[1]+
		"\napplying "+want[2]+"\napplying "+want[3]+"\n", string(logData))

	t.Run("second run is a no-op", func(t *testing.T) {
		fake.Reset()
		res, err := m.Run(context.Background(), path)
		require.NoError(t, err)
		assert.False(t, res.Changed)
		assert.Empty(t, fake.Lines())
		again, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, data, again)
	})
}

func TestRunFailingScript(t *testing.T) {
	m, fake, path := newMigrator(t)
	fake.On(filepath.Join(m.Dir, "firewall/4-to-5"), process.Result{RC: 1})
	res, err := m.Run(context.Background(), path)
	require.ErrorIs(t, err, failure.ErrInternal)
	assert.Len(t, res.Applied, 1)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	footer, err := ParseFooter(string(data))
	require.NoError(t, err)
	assert.Equal(t, Current, footer.Vintage)
	assert.Equal(t, map[string]int{"bgp": 0, "firewall": 4, "quagga": 1}, footer.Versions)
	assert.Equal(t, "firewall {\n    resolver-interval 60\n}\n", StripFooter(string(data)))

	scripts, _ := m.Plan(footer.Versions)
	assert.Equal(t, []string{
		filepath.Join(m.Dir, "firewall/4-to-5"),
		filepath.Join(m.Dir, "quagga/1-to-2"),
		filepath.Join(m.Dir, "bgp/0-to-1"),
	}, scripts)
}

func TestRunMalformedFooter(t *testing.T) {
	m, _, path := newMigrator(t)
	require.NoError(t, os.WriteFile(path, []byte("// vyos-config-version: \"firewall@x\"\n"), 0o660))
	_, err := m.Run(context.Background(), path)
	require.ErrorIs(t, err, failure.ErrConfig)
}

func TestPlan(t *testing.T) {
	m, _, _ := newMigrator(t)
	scripts, after := m.Plan(map[string]int{"firewall": 9, "quagga": 2, "bgp": 1, "nat": 1, "future": 3})
	assert.Empty(t, scripts)
	assert.Equal(t, map[string]int{"firewall": 9, "quagga": 2, "bgp": 1, "nat": 1, "future": 3}, after)

	m.Force = true
	scripts, _ = m.Plan(map[string]int{"firewall": 5})
	assert.Equal(t, filepath.Join(m.Dir, "firewall/0-to-1"), scripts[0])
}

func TestOrder(t *testing.T) {
	assert.Equal(t, []string{"firewall", "quagga", "bgp", "system"},
		order(map[string]int{"bgp": 1, "firewall": 1, "quagga": 1, "system": 1}))
	assert.Equal(t, []string{"bgp", "firewall"}, order(map[string]int{"bgp": 1, "firewall": 1}))
}

func TestFooterRoundTrip(t *testing.T) {
	f := Footer{Versions: map[string]int{"nat": 8, "firewall": 17}, Release: "1.5", Vintage: Current}
	text := "interfaces {\n}\n" + f.String()
	parsed, err := ParseFooter(text)
	require.NoError(t, err)
	assert.Equal(t, f, parsed)
	assert.Equal(t, "interfaces {\n}\n", StripFooter(text))
}

func TestEmptyFooterRoundTrip(t *testing.T) {
	f := Footer{Versions: map[string]int{}, Release: "1.5", Vintage: Current}
	parsed, err := ParseFooter(f.String())
	require.NoError(t, err)
	assert.Equal(t, f, parsed)
}

func TestSystemVersionsFromSchema(t *testing.T) {
	s, err := schema.Load()
	require.NoError(t, err)
	m := New(process.New(process.NewFake()), nil, s)
	assert.Equal(t, 17, m.System["firewall"])
	assert.Contains(t, m.Retired, "zone-policy")
	data, err := m.SystemJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"firewall": 17`)
}
