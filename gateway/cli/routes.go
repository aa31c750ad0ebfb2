package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lisa-ai/lisa/gateway"
	"github.com/lisa-ai/lisa/gateway/config"
	"github.com/lisa-ai/lisa/pkg/cli"
	"github.com/lisa-ai/lisa/pkg/protocol"
)

func newRoutesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes [config-file]",
		Short: "Print the route table and optionally resolve a channel/user pair",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			user, _ := cmd.Flags().GetString("user")

			g, err := openGateway(cmd.Context(), resolveConfigPath(cmd, args, defaultConfigPath))
			if err != nil {
				return err
			}
			defer g.Release()

			rt := g.Router()
			printRoutes(cmd.OutOrStdout(), rt.Routes(), rt.DefaultAgentID())
			if channel != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\n%s %s/%s -> %s\n",
					cli.Header.Render("resolve"), channel, displayUser(user), cli.Highlight.Render(rt.ResolveAgent(channel, user)))
			}
			return nil
		},
	}
	cmd.Flags().String("channel", "", "channel type to resolve")
	cmd.Flags().String("user", "", "user id to resolve")
	return cmd
}

// openGateway loads the config and builds a gateway with its registries
// restored, logging nothing. Callers must Release it.
func openGateway(ctx context.Context, path string) (*gateway.Gateway, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("error: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return gateway.New(ctx, cfg, nil, logger)
}

func printRoutes(w io.Writer, routes []protocol.AgentRoute, defaultAgentID string) {
	_, _ = fmt.Fprintf(w, "%s %s\n\n", cli.Title.Render("Default agent:"), defaultAgentID)
	if len(routes) == 0 {
		_, _ = fmt.Fprintln(w, cli.Dimmed.Render("  no routes, every session goes to the default agent"))
		return
	}
	_, _ = fmt.Fprintf(w, "  %s  %s  %s  %s\n",
		cli.Header.Render(pad("#", 3)),
		cli.Header.Render(pad("PRIORITY", 8)),
		cli.Header.Render(pad("AGENT", 16)),
		cli.Header.Render("MATCH"))
	for i, r := range routes {
		_, _ = fmt.Fprintf(w, "  %s  %s  %s  %s\n",
			pad(strconv.Itoa(i+1), 3),
			pad(strconv.Itoa(r.Priority), 8),
			cli.Highlight.Render(pad(r.AgentID, 16)),
			describeMatch(r))
	}
}

func describeMatch(r protocol.AgentRoute) string {
	channels, users := "any channel", "any user"
	if len(r.ChannelTypes) > 0 {
		channels = strings.Join(r.ChannelTypes, ",")
	}
	if len(r.UserPatterns) > 0 {
		users = strings.Join(r.UserPatterns, ",")
	}
	return channels + " / " + users
}

func displayUser(u string) string {
	if u == "" {
		return "(anonymous)"
	}
	return u
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
