package cli

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gitzhang10/dagpbft/sign"
	"github.com/gitzhang10/dagpbft/types"
)

const (
	TemplateKey  = "template"
	OutputDirKey = "out"

	metricsPortOffset = 1000
)

var ErrBadTemplate = errors.New("config template cannot be decoded correctly")

func configGenCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "config-gen",
		Short: "Generates one config file per node from a cluster template",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			template, err := c.Flags().GetString(TemplateKey)
			if err != nil {
				return err
			}
			out, err := c.Flags().GetString(OutputDirKey)
			if err != nil {
				return err
			}
			files, err := GenerateConfigs(template, out)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintln(c.OutOrStdout(), f)
			}
			return nil
		},
	}
	c.Flags().String(TemplateKey, "config_template.yaml", "Cluster template")
	c.Flags().String(OutputDirKey, ".", "Directory for the generated files")
	return c
}

type genNode struct {
	name    string
	addr    string
	port    int
	nodeKey string
	vrfKey  string
	address types.Address
}

// GenerateConfigs reads the cluster template and writes nodeN.yaml for every
// node in ips. node0 is the boot node of the cluster. It returns the written
// file paths in node order.
func GenerateConfigs(template, outDir string) ([]string, error) {
	viperRead := viper.New()
	viperRead.SetConfigFile(template)
	if err := viperRead.ReadInConfig(); err != nil {
		return nil, err
	}
	viperRead.SetDefault("stake", 1000)
	viperRead.SetDefault("network_id", 1)
	viperRead.SetDefault("max_pool", 10)
	viperRead.SetDefault("genesis_timestamp", time.Now().Unix())

	ips := viperRead.GetStringMap("ips")
	ports := viperRead.GetStringMap("p2p_port")
	if len(ips) == 0 || len(ips) != len(ports) {
		return nil, fmt.Errorf("%w: p2p_port does not match with ips", ErrBadTemplate)
	}
	names := make([]string, 0, len(ips))
	for name := range ips {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return nodeIndex(names[i]) < nodeIndex(names[j]) })

	nodes := make([]genNode, 0, len(names))
	validators := make(map[string]interface{}, len(names))
	for _, name := range names {
		addr, ok := ips[name].(string)
		if !ok {
			return nil, fmt.Errorf("%w: ip of %s", ErrBadTemplate, name)
		}
		port, ok := ports[name].(int)
		if !ok {
			return nil, fmt.Errorf("%w: p2p_port of %s", ErrBadTemplate, name)
		}
		key, err := sign.GenerateKey()
		if err != nil {
			return nil, err
		}
		vrf := sign.GenVrfKey()
		vrfSecret, err := vrf.SecretHex()
		if err != nil {
			return nil, err
		}
		vrfPub, err := vrf.PublicBytes()
		if err != nil {
			return nil, err
		}
		n := genNode{
			name:    name,
			addr:    addr,
			port:    port,
			nodeKey: sign.KeyToHex(key),
			vrfKey:  vrfSecret,
			address: types.Address(sign.Address(key)),
		}
		nodes = append(nodes, n)
		validators[n.address.Hex()] = map[string]interface{}{
			"stake":   viperRead.GetUint64("stake"),
			"vrf_key": hex.EncodeToString(vrfPub),
		}
	}

	bootNode := net.JoinHostPort(nodes[0].addr, strconv.Itoa(nodes[0].port))
	files := make([]string, 0, len(nodes))
	for i, n := range nodes {
		viperWrite := viper.New()
		file := filepath.Join(outDir, n.name+".yaml")
		viperWrite.SetConfigFile(file)

		viperWrite.Set("name", n.name)
		viperWrite.Set("log_level", viperRead.GetInt("log_level"))
		viperWrite.Set("node_key", n.nodeKey)
		viperWrite.Set("vrf_key", n.vrfKey)
		viperWrite.Set("metrics_addr", net.JoinHostPort(n.addr, strconv.Itoa(n.port+metricsPortOffset)))
		if base := viperRead.GetString("data_dir"); base != "" {
			viperWrite.Set("data_dir", filepath.Join(base, n.name))
		}
		viperWrite.Set("network.listen_addr", net.JoinHostPort(n.addr, strconv.Itoa(n.port)))
		viperWrite.Set("network.network_id", viperRead.GetUint64("network_id"))
		viperWrite.Set("network.max_pool", viperRead.GetInt("max_pool"))
		if i == 0 {
			viperWrite.Set("network.is_boot_node", true)
		} else {
			viperWrite.Set("network.boot_nodes", []string{bootNode})
		}
		viperWrite.Set("chain.genesis_timestamp", viperRead.GetInt64("genesis_timestamp"))
		viperWrite.Set("chain.validators", validators)
		if viperRead.IsSet("pbft.lambda_ms") {
			viperWrite.Set("pbft.lambda_ms", viperRead.GetInt64("pbft.lambda_ms"))
		}
		if err := viperWrite.WriteConfig(); err != nil {
			return nil, fmt.Errorf("write %s: %w", file, err)
		}
		files = append(files, file)
	}
	return files, nil
}

// nodeIndex orders node10 after node9.
func nodeIndex(name string) int {
	i, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
	if err != nil {
		return -1
	}
	return i
}
