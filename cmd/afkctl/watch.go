package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/afk-console/backend/internal/client"
	"github.com/afk-console/backend/internal/eventlog"
	"github.com/afk-console/backend/internal/protocol"
	"github.com/afk-console/backend/internal/ws"
)

var watchIDs []string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream session logs until interrupted",
	Long:  `watch follows every session, or only those named with --session, and prints their log lines and sign-in prompts as they happen.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return watchSessions(cmd, c, watchIDs)
	},
}

func watchSessions(cmd *cobra.Command, c *client.HTTPClient, ids []string) error {
	sub := ws.SubscribePayload{All: len(ids) == 0, Accounts: ids}
	out := cmd.OutOrStdout()
	return c.Watch(cmd.Context(), sub, func(m client.Message) error {
		return printMessage(out, m)
	})
}

func printMessage(out io.Writer, m client.Message) error {
	switch m.Type {
	case ws.MsgLog:
		var p ws.LogPayload
		if err := m.Decode(&p); err != nil {
			return err
		}
		fmt.Fprintln(out, renderEntry(p.AccountID, p.Entry))
	case ws.MsgDeviceCode:
		var p ws.DeviceCodePayload
		if err := m.Decode(&p); err != nil {
			return err
		}
		fmt.Fprintln(out, renderDeviceCode(p.AccountID, p.DeviceCode))
	case ws.MsgError:
		var p ws.ErrorPayload
		if err := m.Decode(&p); err != nil {
			return err
		}
		fmt.Fprintln(out, levelStyle(eventlog.Error).Render("server: "+p.Message))
	}
	return nil
}

func renderDeviceCode(id string, code protocol.DeviceCode) string {
	prefix := ""
	if id != "" {
		prefix = dimStyle.Render("["+shortID(id)+"]") + " "
	}
	return fmt.Sprintf("%sSign in at %s with code %s (expires in %ds)",
		prefix, code.VerificationURI, codeStyle.Render(code.UserCode), code.ExpiresIn)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in an account for this owner ahead of spawning",
	Args:  cobra.NoArgs,
	RunE:  runLogin,
}

func runLogin(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	c, err := newClient()
	if err != nil {
		return err
	}
	who, err := c.Owner(ctx)
	if err != nil {
		return err
	}

	// Connect first so the completion message cannot be missed.
	stream, err := c.Dial(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	go func() {
		<-ctx.Done()
		_ = stream.Close()
	}()

	code, err := c.DeviceLogin(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, renderDeviceCode("", code))

	for {
		m, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		switch m.Type {
		case ws.MsgAuthDone:
			fmt.Fprintln(out, levelStyle(eventlog.OK).Render("Signed in."))
			if owner == "" {
				fmt.Fprintln(out, dimStyle.Render("Reuse it with --owner "+who+" or AFK_OWNER="+who))
			}
			return nil
		case ws.MsgAuthError:
			var p ws.ErrorPayload
			_ = m.Decode(&p)
			return errors.New("sign-in failed: " + p.Message)
		}
	}
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the signed-in account of this owner",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.SignOut(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
		return nil
	},
}

func init() {
	watchCmd.Flags().StringSliceVarP(&watchIDs, "session", "s", nil, "session id to follow (repeatable)")
	rootCmd.AddCommand(watchCmd, loginCmd, logoutCmd)
}
