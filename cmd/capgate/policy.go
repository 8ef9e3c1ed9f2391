package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect, verify and sign role policies",
	}
	cmd.PersistentFlags().String("role", "", "Role whose built-in policy is used")
	cmd.PersistentFlags().String("policy", "", "Policy file (overrides --role)")

	cmd.AddCommand(
		newPolicyShowCmd(),
		newPolicyHashCmd(),
		newPolicyVerifyCmd(),
		newPolicySignCmd(),
		newPolicyKeygenCmd(),
	)
	return cmd
}

func newPolicyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective policy as YAML",
		Args:  cobra.NoArgs,
		RunE:  runPolicyShow,
	}
	cmd.Flags().Bool("fetch", false, "Fetch and merge the signed overlay")
	return cmd
}

func newPolicyHashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Print the SHA-256 of the effective policy",
		Args:  cobra.NoArgs,
		RunE:  runPolicyHash,
	}
	cmd.Flags().Bool("fetch", false, "Fetch and merge the signed overlay")
	return cmd
}

func newPolicyVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify OVERLAY",
		Short: "Verify a signed overlay against the base policy and report the merge",
		Long: `Check OVERLAY's detached signature with the public key of the base policy
(or --public-key) and show what merging it would change. Nothing is fetched.`,
		Args: cobra.ExactArgs(1),
		RunE: runPolicyVerify,
	}
	cmd.Flags().String("sig", "", "Signature file (default: OVERLAY.sig)")
	cmd.Flags().String("public-key", "", "Base64 ed25519 public key (default: the base policy's sub_policy.public_key)")
	return cmd
}

func newPolicySignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign OVERLAY",
		Short: "Print the base64 ed25519 signature of an overlay",
		Args:  cobra.ExactArgs(1),
		RunE:  runPolicySign,
	}
	cmd.Flags().String("key", "", "File holding the base64 ed25519 private key or seed (required)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newPolicyKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 signing key for overlays",
		Long: `Write a new base64 private key to --out and print the matching public
key, ready for sub_policy.public_key.`,
		Args: cobra.NoArgs,
		RunE: runPolicyKeygen,
	}
	cmd.Flags().String("out", "", "Private key output file (required)")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// effectiveSnapshot compiles the selected policy, merging its overlay when
// fetch is set.
func effectiveSnapshot(cmd *cobra.Command, fetch bool) (*policy.Snapshot, error) {
	role, _ := cmd.Flags().GetString("role")
	file, _ := cmd.Flags().GetString("policy")
	if !fetch {
		return compileOffline(role, file)
	}
	doc, err := offlineDocument(role, file)
	if err != nil {
		return nil, err
	}
	store := policy.NewStore(doc)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := store.Load(ctx); err != nil {
		return nil, err
	}
	return store.Snapshot(), nil
}

func runPolicyShow(cmd *cobra.Command, _ []string) error {
	fetch, _ := cmd.Flags().GetBool("fetch")
	snap, err := effectiveSnapshot(cmd, fetch)
	if err != nil {
		return err
	}
	data, err := snap.Document().Marshal()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# %s role=%s overlay=%s sha256=%s\n", snap.Name(), snap.Role(), snap.Overlay(), snap.Hash())
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runPolicyHash(cmd *cobra.Command, _ []string) error {
	fetch, _ := cmd.Flags().GetBool("fetch")
	snap, err := effectiveSnapshot(cmd, fetch)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), snap.Hash())
	return nil
}

func runPolicyVerify(cmd *cobra.Command, args []string) error {
	role, _ := cmd.Flags().GetString("role")
	file, _ := cmd.Flags().GetString("policy")
	sigPath, _ := cmd.Flags().GetString("sig")
	keyFlag, _ := cmd.Flags().GetString("public-key")

	base, err := offlineDocument(role, file)
	if err != nil {
		return err
	}
	key := keyFlag
	if key == "" {
		if base.Spec.SubPolicy == nil {
			return errors.New("base policy has no sub_policy; pass --public-key")
		}
		key = base.Spec.SubPolicy.PublicKey
	}
	pub, err := policy.ParsePublicKey(key)
	if err != nil {
		return err
	}

	overlayPath := args[0]
	if sigPath == "" {
		sigPath = overlayPath + ".sig"
	}
	payload, err := os.ReadFile(overlayPath)
	if err != nil {
		return err
	}
	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return err
	}
	if err := policy.VerifySignature(pub, payload, sig); err != nil {
		return &policy.VerificationError{URL: overlayPath, Attempts: 1, Err: err}
	}

	overlay, err := policy.Load(payload)
	if err != nil {
		return &policy.LoadError{Source: overlayPath, Err: err}
	}
	merged, report, err := policy.Merge(base, overlay)
	if err != nil {
		return err
	}
	snap, err := policy.Compile(merged)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "signature: ok\n")
	fmt.Fprintf(out, "added denies: %d\n", report.AddedDenies)
	if len(report.RemovedGrants) > 0 {
		fmt.Fprintf(out, "revoked grants: %s\n", strings.Join(report.RemovedGrants, ", "))
	}
	if len(report.IgnoredGrants) > 0 {
		fmt.Fprintf(out, "ignored overlay grants: %s\n", strings.Join(report.IgnoredGrants, ", "))
	}
	fmt.Fprintf(out, "merged sha256: %s\n", snap.Hash())
	return nil
}

func runPolicySign(cmd *cobra.Command, args []string) error {
	keyPath, _ := cmd.Flags().GetString("key")
	priv, err := readPrivateKey(keyPath)
	if err != nil {
		return err
	}
	payload, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	// Refuse to sign what the gateway would refuse to load.
	if _, err := policy.Load(payload); err != nil {
		return &policy.LoadError{Source: args[0], Err: err}
	}
	fmt.Fprintln(cmd.OutOrStdout(), policy.SignPayload(priv, payload))
	return nil
}

func runPolicyKeygen(cmd *cobra.Command, _ []string) error {
	out, _ := cmd.Flags().GetString("out")
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, base64.StdEncoding.EncodeToString(priv)); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(pub))
	return nil
}

// readPrivateKey accepts a base64 64-byte private key or 32-byte seed.
func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("private key is not base64: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	}
	return nil, fmt.Errorf("private key has %d bytes, want %d or %d", len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
}
