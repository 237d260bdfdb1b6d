package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/dagpbft/config"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute())
	return out.String()
}

// field returns the value printed after "name: ".
func field(t *testing.T, out, name string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, name+": "); ok {
			return v
		}
	}
	t.Fatalf("%s not in %q", name, out)
	return ""
}

func TestAccountCommands(t *testing.T) {
	out := execute(t, "account")
	key := field(t, out, "node_key")
	addr := field(t, out, "address")
	require.Len(t, addr, 40)

	out = execute(t, "account-from-key", key)
	require.Equal(t, addr, field(t, out, "address"))
	out = execute(t, "account-from-key", "0x"+key)
	require.Equal(t, addr, field(t, out, "address"))
}

func TestVrfCommands(t *testing.T) {
	out := execute(t, "vrf")
	secret := field(t, out, "vrf_key")
	public := field(t, out, "vrf_public")

	out = execute(t, "vrf-from-key", secret)
	require.Equal(t, public, field(t, out, "vrf_public"))
	require.NotContains(t, out, "vrf_key")
}

func TestAccountFromBadKey(t *testing.T) {
	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"account-from-key", "zz"})
	require.Error(t, root.Execute())
}

func TestVersion(t *testing.T) {
	require.Equal(t, "dagpbft "+Version+"\n", execute(t, "version"))
}

const testTemplate = `
ips:
  node0: 127.0.0.1
  node1: 127.0.0.1
  node2: 127.0.0.1
p2p_port:
  node0: 9000
  node1: 9010
  node2: 9020
stake: 500
network_id: 7
log_level: 3
genesis_timestamp: 1700000000
pbft:
  lambda_ms: 1500
`

func writeTemplate(t *testing.T) (string, string) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config_template.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testTemplate), 0o644))
	return dir, path
}

func TestConfigGen(t *testing.T) {
	dir, template := writeTemplate(t)
	out := execute(t, "config-gen", "--template", template, "--out", dir)
	files := strings.Fields(out)
	require.Len(t, files, 3)

	var confs []*config.Config
	for i, f := range files {
		require.Equal(t, filepath.Join(dir, "node"+string(rune('0'+i))+".yaml"), f)
		conf, err := config.LoadConfigFile(f)
		require.NoError(t, err)
		confs = append(confs, conf)
	}

	boot := confs[0]
	require.True(t, boot.IsBootNode)
	require.Empty(t, boot.BootNodes)
	require.Equal(t, "127.0.0.1:9000", boot.ListenAddr)
	require.Equal(t, "127.0.0.1:10000", boot.MetricsAddr)
	require.Equal(t, uint64(7), boot.NetworkID)
	require.Equal(t, int64(1700000000), boot.GenesisTimestamp)
	require.Equal(t, int64(1500), boot.Lambda.Milliseconds())
	require.Len(t, boot.Validators, 3)

	seen := make(map[string]bool)
	for _, conf := range confs[1:] {
		require.False(t, conf.IsBootNode)
		require.Equal(t, []string{"127.0.0.1:9000"}, conf.BootNodes)
		require.Equal(t, boot.Validators, conf.Validators)
		require.Equal(t, boot.GenesisHash(), conf.GenesisHash())
	}
	for _, conf := range confs {
		seen[conf.NodeAddress().Hex()] = true
	}
	for _, v := range boot.Validators {
		require.Equal(t, uint64(500), v.Stake)
		require.True(t, seen[v.Address.Hex()])
	}
}

func TestConfigGenRejectsMismatchedPorts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config_template.yaml")
	body := "ips:\n  node0: 127.0.0.1\n  node1: 127.0.0.1\np2p_port:\n  node0: 9000\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	_, err := GenerateConfigs(path, dir)
	require.ErrorIs(t, err, ErrBadTemplate)
}

func TestLoadNodeConfigOverrides(t *testing.T) {
	dir, template := writeTemplate(t)
	files, err := GenerateConfigs(template, dir)
	require.NoError(t, err)

	c := nodeCommand()
	require.NoError(t, c.Flags().Parse([]string{
		"--" + ConfigKey, files[1],
		"--" + DataDirKey, filepath.Join(dir, "data"),
		"--" + NetworkIDKey, "9",
		"--" + BootNodeKey, "10.0.0.1:9000",
		"--" + BootNodeKey, "10.0.0.2:9000",
	}))
	conf, err := LoadNodeConfig(c.Flags())
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "data"), conf.DataDir)
	require.Equal(t, uint64(9), conf.NetworkID)
	require.Equal(t, []string{"10.0.0.1:9000", "10.0.0.2:9000"}, conf.BootNodes)

	c = nodeCommand()
	require.NoError(t, c.Flags().Parse([]string{"--" + ConfigKey, files[1], "--" + BootNodeKey, "nope"}))
	_, err = LoadNodeConfig(c.Flags())
	require.ErrorIs(t, err, config.ErrInvalidBootNode)
}

func TestDBOptions(t *testing.T) {
	c := nodeCommand()
	require.NoError(t, c.Flags().Parse([]string{"--" + RebuildDBKey, "--" + RevertToPeriodKey, "12"}))
	opts, err := dbOptions(c.Flags())
	require.NoError(t, err)
	require.True(t, opts.Rebuild)
	require.False(t, opts.Destroy)
	require.Equal(t, uint64(12), opts.RevertTo)
}
