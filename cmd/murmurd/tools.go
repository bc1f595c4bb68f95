package main

import (
	"context"
	"fmt"

	"github.com/cosmos/go-bip39"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/stake-plus/murmur-protocol/src/attest"
)

func keygenCommand() *cobra.Command {
	var sr25519 bool
	var prefix uint16
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signer key",
		Long:  "Generate a settlement or oracle key. Prints the secret and the address to configure.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			domain := attest.NewDomain(1, common.Address{})
			out := cmd.OutOrStdout()
			if sr25519 {
				entropy, err := bip39.NewEntropy(128)
				if err != nil {
					return err
				}
				mnemonic, err := bip39.NewMnemonic(entropy)
				if err != nil {
					return err
				}
				s, err := attest.NewSr25519SignerFromSeed(mnemonic, prefix, domain)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "SIGNER_SEED=%q\naddress: %s\n", mnemonic, s.Address())
				return nil
			}
			s, key, err := attest.GenerateLocalSigner(domain)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "SIGNER_KEY=%s\naddress: %s\n", key, s.Address())
			return nil
		},
	}
	cmd.Flags().BoolVar(&sr25519, "sr25519", false, "generate a substrate sr25519 mnemonic instead of a secp256k1 key")
	cmd.Flags().Uint16Var(&prefix, "ss58-prefix", 42, "network prefix for the printed sr25519 address")
	return cmd
}

func settleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Sign and apply all pending VP settlements once, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			n, err := openNode(ctx, cmd)
			if err != nil {
				return err
			}
			defer n.Close()
			settled, err := n.proto.SettleAll(ctx)
			if err != nil {
				return fmt.Errorf("settled %d users before failing: %w", settled, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "settled %d users\n", settled)
			return nil
		},
	}
	addNodeFlags(cmd)
	return cmd
}
