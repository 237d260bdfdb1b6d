package cli

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitzhang10/dagpbft/sign"
	"github.com/gitzhang10/dagpbft/types"
)

func accountCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "account",
		Short: "Generates a node key",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			key, err := sign.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "node_key: %s\naddress: %s\n", sign.KeyToHex(key), types.Address(sign.Address(key)))
			return nil
		},
	}
}

func accountFromKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "account-from-key <node_key>",
		Short: "Prints the address of a node key",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			key, err := sign.KeyFromHex(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "address: %s\n", types.Address(sign.Address(key)))
			return nil
		},
	}
}

func printVrfKey(c *cobra.Command, key *sign.VrfKey, withSecret bool) error {
	pub, err := key.PublicBytes()
	if err != nil {
		return err
	}
	if withSecret {
		secret, err := key.SecretHex()
		if err != nil {
			return err
		}
		fmt.Fprintf(c.OutOrStdout(), "vrf_key: %s\n", secret)
	}
	fmt.Fprintf(c.OutOrStdout(), "vrf_public: %s\n", hex.EncodeToString(pub))
	return nil
}

func vrfCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "vrf",
		Short: "Generates a VRF key",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return printVrfKey(c, sign.GenVrfKey(), true)
		},
	}
}

func vrfFromKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "vrf-from-key <vrf_key>",
		Short: "Prints the public part of a VRF key",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			key, err := sign.VrfKeyFromHex(args[0])
			if err != nil {
				return err
			}
			return printVrfKey(c, key, false)
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the node version",
		Args:  cobra.NoArgs,
		Run: func(c *cobra.Command, _ []string) {
			fmt.Fprintf(c.OutOrStdout(), "dagpbft %s\n", Version)
		},
	}
}
