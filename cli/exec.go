package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/pkg/protocol"
)

type execOptions struct {
	commandID string
	sessionID string
	params    []string
	secrets   []string
}

func (o *execOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.commandID, "id", "", "Command id (defaults to a new UUID; reuse it to retry)")
	cmd.Flags().StringVar(&o.sessionID, "session", "", "Session id for session-bearing commands")
	cmd.Flags().StringArrayVarP(&o.params, "param", "p", nil, "Parameter name=value; JSON numbers and booleans are decoded")
	cmd.Flags().StringArrayVar(&o.secrets, "secret-env", nil, "Secret parameter name=ENV_VAR, read from the environment")
}

func execCmd(g *globals) *cobra.Command {
	var opts execOptions
	cmd := &cobra.Command{
		Use:   "exec <command>",
		Short: "Sign and run a command on the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(opts.params, opts.secrets, os.Getenv)
			if err != nil {
				return err
			}
			return g.submit(cmd, protocol.CommandPayload{
				CommandID: opts.commandID,
				SessionID: opts.sessionID,
				Command:   args[0],
				Params:    params,
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

func sessionCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Begin, extend or end a session",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "begin",
			Short: "Start a session",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.submit(cmd, protocol.CommandPayload{Command: "begin_session"})
			},
		},
		&cobra.Command{
			Use:   "heartbeat <session-id>",
			Short: "Extend a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.submit(cmd, protocol.CommandPayload{Command: "heartbeat", SessionID: args[0]})
			},
		},
		&cobra.Command{
			Use:   "end <session-id>",
			Short: "End a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.submit(cmd, protocol.CommandPayload{Command: "end_session", SessionID: args[0]})
			},
		},
	)
	return cmd
}

// submit signs p with the configured identity and prints the response. A
// coded failure is printed and returned as an error.
func (g *globals) submit(cmd *cobra.Command, p protocol.CommandPayload) error {
	if g.deviceID == "" {
		return fmt.Errorf("no device id: pass --device or set device_id in %s", g.configPath)
	}
	id, err := g.identity()
	if err != nil {
		return err
	}
	if p.CommandID == "" {
		p.CommandID = uuid.NewString()
	}
	p.DeviceID = g.deviceID

	resp, err := g.client().Execute(cmd.Context(), id, p)
	if err != nil {
		return fmt.Errorf("submit %s: %w", p.Command, err)
	}
	if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s: %s", resp.Code, resp.Message)
	}
	return nil
}

func parseParams(pairs, secrets []string, getenv func(string) string) (map[string]any, error) {
	if len(pairs) == 0 && len(secrets) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs)+len(secrets))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter %q is not name=value", pair)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("parameter %q given twice", name)
		}
		out[name] = paramValue(raw)
	}
	for _, pair := range secrets {
		name, env, ok := strings.Cut(pair, "=")
		if !ok || name == "" || env == "" {
			return nil, fmt.Errorf("secret %q is not name=ENV_VAR", pair)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("parameter %q given twice", name)
		}
		v := getenv(env)
		if v == "" {
			return nil, fmt.Errorf("secret %q: environment variable %s is empty", name, env)
		}
		out[name] = v
	}
	return out, nil
}

func paramValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		switch v.(type) {
		case float64, bool:
			return v
		}
	}
	return raw
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
