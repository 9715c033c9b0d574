package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/pkg/auth"
	"github.com/haasonsaas/warden/pkg/backend"
	"github.com/haasonsaas/warden/pkg/dispatch"
	"github.com/haasonsaas/warden/pkg/policy"
	"github.com/haasonsaas/warden/pkg/protocol"
)

func policyCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Create, sign and install policy documents",
	}
	cmd.AddCommand(
		policyInitCmd(g),
		policySignCmd(g),
		policyVerifyCmd(g),
		policyPushCmd(g),
		policyShowCmd(g),
	)
	return cmd
}

func policyInitCmd(g *globals) *cobra.Command {
	var (
		version int64
		withKey bool
		out     string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a policy template with every command disabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := dispatch.NewRegistry()
			if err := backend.RegisterAll(reg, backend.Config{
				VHDRoot:    g.cfg.Backends.VHDRoot,
				LogSources: g.cfg.Backends.LogSources,
				BundleDir:  g.cfg.Backends.BundleDir,
			}, nil); err != nil {
				return err
			}
			doc := reg.TemplatePolicy(version)
			if withKey {
				id, err := g.identity()
				if err != nil {
					return err
				}
				doc.Security.PublicKeys[id.KeyID()] = policy.KeyDoc{Algorithm: id.Algorithm(), Key: id.PublicKeyB64()}
			}
			return writeJSON(cmd, out, doc)
		},
	}
	cmd.Flags().Int64Var(&version, "version", 1, "Policy version")
	cmd.Flags().BoolVar(&withKey, "with-key", false, "Trust the signing identity's public key")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	return cmd
}

func policySignCmd(g *globals) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "sign <policy.json>",
		Short: "Sign a policy document as an update request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			snap, err := policy.Parse(doc, auth.DefaultRegistry())
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			id, err := g.identity()
			if err != nil {
				return err
			}
			req, err := auth.SignPolicyUpdate(id, snap.Version(), doc)
			if err != nil {
				return err
			}
			return writeJSON(cmd, out, req)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	return cmd
}

func policyVerifyCmd(g *globals) *cobra.Command {
	var trusted string
	cmd := &cobra.Command{
		Use:   "verify <update.json>",
		Short: "Check a signed update against a trusted policy without installing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if trusted == "" {
				trusted = g.cfg.Policy.Path
			}
			version, keyID, err := verifyUpdate(args[0], trusted)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: version %d signed by %s\n", version, keyID)
			return nil
		},
	}
	cmd.Flags().StringVar(&trusted, "trusted", "", "Active policy whose keys must have signed the update (default: the daemon's policy path)")
	return cmd
}

// verifyUpdate applies the daemon's acceptance checks to a signed update
// file, short of installing it.
func verifyUpdate(updatePath, trustedPath string) (int64, string, error) {
	body, err := os.ReadFile(updatePath)
	if err != nil {
		return 0, "", err
	}
	req, err := protocol.DecodePolicyUpdate(body)
	if err != nil {
		return 0, "", err
	}
	reg := auth.DefaultRegistry()
	active, err := policy.LoadFile(trustedPath, reg)
	if err != nil {
		return 0, "", fmt.Errorf("trusted policy: %w", err)
	}
	canon, err := protocol.Canonicalize(req.Payload)
	if err != nil {
		return 0, "", err
	}
	if err := reg.Verify(canon, req.Signature, active.UpdateKeys()); err != nil {
		return 0, "", err
	}

	var payload protocol.PolicyUpdatePayload
	if err := json.Unmarshal(canon, &payload); err != nil {
		return 0, "", err
	}
	next, err := policy.Parse(payload.Policy, reg)
	if err != nil {
		return 0, "", err
	}
	if next.Version() != payload.Version {
		return 0, "", fmt.Errorf("payload version %d does not match document version %d", payload.Version, next.Version())
	}
	if next.Version() <= active.Version() {
		return 0, "", fmt.Errorf("version %d is not newer than trusted version %d", next.Version(), active.Version())
	}
	return next.Version(), req.Signature.KeyID, nil
}

func policyPushCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "push <update.json>",
		Short: "Install a signed policy update on the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			req, err := protocol.DecodePolicyUpdate(body)
			if err != nil {
				return err
			}
			resp, err := g.client().UpdatePolicy(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("%s: %s", resp.Code, resp.Message)
			}
			return nil
		},
	}
}

func policyShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the daemon's active policy version and commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := g.client().PolicyInfo(cmd.Context())
			if err != nil {
				return err
			}
			if info.Code != "" {
				return fmt.Errorf("%s: %s", info.Code, info.Message)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Policy version: %d\n", info.Version)
			for _, name := range info.Commands {
				fmt.Fprintf(w, "  %s\n", name)
			}
			return nil
		},
	}
}

func writeJSON(cmd *cobra.Command, path string, v any) error {
	var w io.Writer = cmd.OutOrStdout()
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return printJSON(w, v)
}
