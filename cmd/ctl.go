package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"spotify-remote/internal/api"
	"spotify-remote/internal/client"
	"spotify-remote/internal/commands"
	"spotify-remote/internal/logging"
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Operate a running receiver",
}

var (
	ctlReceiver     string
	ctlAPIKey       string
	ctlGuild        string
	ctlChannel      string
	ctlVoiceChannel string
	ctlHistoryLimit int
)

var ctlPlayCmd = &cobra.Command{
	Use:   "play <key>",
	Short: "Play the stream relayed under key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		voiceChannel := ctlVoiceChannel
		if voiceChannel == "" {
			voiceChannel = ctlGuild
		}
		return ctlCommand(cmd, "/api/commands/play", commands.PlayRequest{
			GuildID:        ctlGuild,
			ChannelID:      ctlChannel,
			VoiceChannelID: voiceChannel,
			Key:            args[0],
		})
	},
}

var ctlStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop playback in the guild",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return ctlCommand(cmd, "/api/commands/stop", commands.GuildRequest{GuildID: ctlGuild, ChannelID: ctlChannel})
	},
}

var ctlLeaveCmd = &cobra.Command{
	Use:   "leave",
	Short: "Stop playback and disconnect the guild's listeners",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return ctlCommand(cmd, "/api/commands/leave", commands.GuildRequest{GuildID: ctlGuild, ChannelID: ctlChannel})
	},
}

var ctlSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List running playback sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.SessionsResponse
		if err := ctlGet(cmd, "/api/sessions", nil, &resp); err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TOKEN\tKEY\tGUILD\tPLAYER\tRESAMPLER\tSTARTED")
		for _, s := range resp.Sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				s.CorrelationToken, s.Key, s.GuildID,
				procState(s.PlayerPid, s.PlayerAlive, s.PlayerRSS),
				procState(s.ResamplerPid, s.ResamplerAlive, s.ResamplerRSS),
				s.StartedAt.Local().Format(time.Stamp))
		}
		return tw.Flush()
	},
}

var ctlHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent sessions from the audit trail",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.HistoryResponse
		query := url.Values{"limit": {strconv.Itoa(ctlHistoryLimit)}}
		if err := ctlGet(cmd, "/api/history", query, &resp); err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TOKEN\tKEY\tGUILD\tSTARTED\tENDED\tSTAGE")
		for _, e := range resp.Sessions {
			ended := "-"
			if e.EndedAt != nil {
				ended = e.EndedAt.Local().Format(time.Stamp)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.CorrelationToken, e.Key, e.GuildID, e.StartedAt.Local().Format(time.Stamp), ended, e.ShutdownStage)
		}
		return tw.Flush()
	},
}

func init() {
	ctlCmd.PersistentFlags().StringVar(&ctlReceiver, "receiver", "", "receiver base URL (default http://127.0.0.1:<receiver.port>)")
	ctlCmd.PersistentFlags().StringVar(&ctlAPIKey, "api-key", "", "operator API key (default the first receiver.api_keys entry)")
	ctlCmd.PersistentFlags().StringVar(&ctlGuild, "guild", "default", "guild the command applies to")
	ctlCmd.PersistentFlags().StringVar(&ctlChannel, "channel", "status", "text channel replies and status are posted to")
	ctlPlayCmd.Flags().StringVar(&ctlVoiceChannel, "voice-channel", "", "voice channel to play into (default the guild)")
	ctlHistoryCmd.Flags().IntVar(&ctlHistoryLimit, "limit", 20, "number of sessions to show")

	ctlCmd.AddCommand(ctlPlayCmd, ctlStopCmd, ctlLeaveCmd, ctlSessionsCmd, ctlHistoryCmd)
	rootCmd.AddCommand(ctlCmd)
}

// ctlClient builds a client for the receiver's command API
func ctlClient() (*client.HTTPClient, string, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, "", err
	}

	base := ctlReceiver
	if base == "" {
		base = fmt.Sprintf("http://127.0.0.1:%d", cfg.Receiver.Port)
	}
	key := ctlAPIKey
	if key == "" && len(cfg.Receiver.APIKeys) > 0 {
		key = cfg.Receiver.APIKeys[0]
	}

	// play waits for both children to spawn, stop for the escalator
	c, err := client.NewHTTPClient(&client.ClientConfig{BaseURL: base, Timeout: 30 * time.Second}, logging.NewServiceLogger(logger, "ctl"))
	if err != nil {
		return nil, "", err
	}
	return c, key, nil
}

func ctlCommand(cmd *cobra.Command, path string, body interface{}) error {
	c, key, err := ctlClient()
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.Do(cmd.Context(), &client.Request{
		Method:  http.MethodPost,
		Path:    path,
		Body:    body,
		Headers: apiKeyHeader(key),
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return describeError(resp)
	}

	var reply commands.Reply
	if err := resp.DecodeJSON(&reply); err != nil {
		return err
	}
	printReply(cmd.OutOrStdout(), reply)
	return nil
}

func ctlGet(cmd *cobra.Command, path string, query url.Values, out interface{}) error {
	c, key, err := ctlClient()
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.Do(cmd.Context(), &client.Request{
		Method:  http.MethodGet,
		Path:    path,
		Query:   query,
		Headers: apiKeyHeader(key),
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return describeError(resp)
	}
	return resp.DecodeJSON(out)
}

func apiKeyHeader(key string) map[string]string {
	if key == "" {
		return nil
	}
	return map[string]string{"X-API-Key": key}
}

// describeError prefers the message of a structured error body
func describeError(resp *client.Response) error {
	var body api.ErrorResponse
	if err := resp.DecodeJSON(&body); err == nil && body.Message != "" {
		return fmt.Errorf("%s (%s)", body.Message, body.Code)
	}
	return resp.AsError()
}

func printReply(w io.Writer, reply commands.Reply) {
	fmt.Fprintln(w, reply.Content)
	if reply.CorrelationToken != "" {
		fmt.Fprintf(w, "session: %s\n", reply.CorrelationToken)
	}
	if reply.Stopped > 0 {
		fmt.Fprintf(w, "stopped sessions: %d\n", reply.Stopped)
	}
}

func procState(pid int, alive bool, rss uint64) string {
	if !alive {
		return fmt.Sprintf("%d (gone)", pid)
	}
	return fmt.Sprintf("%d (%.1f MiB)", pid, float64(rss)/(1<<20))
}
