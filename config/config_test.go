package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/dagpbft/sign"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testKeys(t *testing.T) (nodeKey, vrfKey, vrfPub, addr string) {
	key, err := sign.GenerateKey()
	require.NoError(t, err)
	vrf := sign.GenVrfKey()
	secret, err := vrf.SecretHex()
	require.NoError(t, err)
	pub, err := vrf.PublicBytes()
	require.NoError(t, err)
	return sign.KeyToHex(key), secret, fmt.Sprintf("%x", pub), fmt.Sprintf("%x", sign.Address(key))
}

func TestConfigRead(t *testing.T) {
	nodeKey, vrfKey, vrfPub, addr := testKeys(t)
	path := writeConfig(t, fmt.Sprintf(`
name: node0
node_key: %s
vrf_key: %s
network:
  listen_addr: 127.0.0.1:9000
  boot_nodes: [127.0.0.1:9010]
pbft:
  lambda_ms: 1500
chain:
  genesis_timestamp: 1700000000
  validators:
    %s:
      stake: 100
      vrf_key: %s
`, nodeKey, vrfKey, addr, vrfPub))

	conf, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, "node0", conf.Name)
	require.Equal(t, addr, conf.NodeAddress().Hex())
	require.Equal(t, []string{"127.0.0.1:9010"}, conf.BootNodes)
	require.Equal(t, 1500*time.Millisecond, conf.Lambda)
	require.Equal(t, int64(1700000000), conf.GenesisTimestamp)
	require.Len(t, conf.Validators, 1)
	require.Equal(t, uint64(100), conf.Validators[0].Stake)
	require.Equal(t, addr, conf.Validators[0].Address.Hex())

	// defaults
	require.Equal(t, uint64(1), conf.NetworkID)
	require.Equal(t, "leveldb", conf.DBBackend)
	require.Equal(t, 2*time.Second, conf.StatusInterval)
	require.Equal(t, DefaultSortition(), conf.Sortition)
}

func TestConfigEnvOverride(t *testing.T) {
	nodeKey, vrfKey, vrfPub, addr := testKeys(t)
	path := writeConfig(t, fmt.Sprintf(`
node_key: %s
vrf_key: %s
chain:
  validators:
    %s: {stake: 1, vrf_key: %s}
`, nodeKey, vrfKey, addr, vrfPub))
	t.Setenv("NETWORK_NETWORK_ID", "42")

	conf, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, uint64(42), conf.NetworkID)
}

func TestConfigMissingKeys(t *testing.T) {
	_, vrfKey, vrfPub, addr := testKeys(t)
	path := writeConfig(t, fmt.Sprintf(`
vrf_key: %s
chain:
  validators:
    %s: {stake: 1, vrf_key: %s}
`, vrfKey, addr, vrfPub))
	_, err := LoadConfigFile(path)
	require.ErrorIs(t, err, ErrMissingKey)

	nodeKey, _, _, _ := testKeys(t)
	path = writeConfig(t, fmt.Sprintf(`
node_key: %s
vrf_key: %s
`, nodeKey, vrfKey))
	_, err = LoadConfigFile(path)
	require.ErrorIs(t, err, ErrNoValidators)
}

func TestValidate(t *testing.T) {
	key, err := sign.GenerateKey()
	require.NoError(t, err)
	vrf := sign.GenVrfKey()
	pub, err := vrf.PublicBytes()
	require.NoError(t, err)
	validators := []Validator{{Stake: 1, VrfKey: pub}}

	conf := New("a", key, vrf, "127.0.0.1:0", validators, 0)
	require.NoError(t, conf.Validate())

	conf.BootNodes = []string{":9000"}
	require.ErrorIs(t, conf.Validate(), ErrInvalidBootNode)

	conf = New("a", key, vrf, "127.0.0.1:0", validators, 0)
	conf.DagVerifierWorkers = 0
	require.ErrorIs(t, conf.Validate(), ErrInvalidWorkers)

	conf = New("a", key, vrf, "127.0.0.1:0", validators, 0)
	conf.Sortition.TargetLow = conf.Sortition.TargetHigh + 1
	require.ErrorIs(t, conf.Validate(), ErrInvalidSortition)

	conf = New("a", key, vrf, "localhost", validators, 0)
	require.Error(t, conf.Validate())
}

func TestGenesisHash(t *testing.T) {
	key, err := sign.GenerateKey()
	require.NoError(t, err)
	vrf := sign.GenVrfKey()
	a := New("a", key, vrf, "127.0.0.1:0", []Validator{{Stake: 1}}, 0)
	b := New("b", key, vrf, "127.0.0.1:1", []Validator{{Stake: 1}}, 0)
	require.Equal(t, a.GenesisHash(), b.GenesisHash())

	b.NetworkID = 2
	require.NotEqual(t, a.GenesisHash(), b.GenesisHash())
	b.NetworkID = a.NetworkID
	b.Validators = []Validator{{Stake: 2}}
	require.NotEqual(t, a.GenesisHash(), b.GenesisHash())
	b.Validators = a.Validators
	b.GenesisTimestamp = 1
	require.NotEqual(t, a.GenesisHash(), b.GenesisHash())
}
