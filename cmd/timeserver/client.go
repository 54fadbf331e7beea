package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-dlock/v1/clock"
)

var (
	nowCmd = &cobra.Command{
		Use:     "now",
		Short:   "Print the server time in epoch milliseconds",
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *clock.Client) error {
				ms, err := c.Now(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", ms, time.UnixMilli(ms).UTC().Format(time.RFC3339Nano))
				return nil
			})
		},
	}

	haltCmd = &cobra.Command{
		Use:     "halt",
		Short:   "Stop the clock server",
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *clock.Client) error {
				return c.Halt(ctx)
			})
		},
	}
)

func init() {
	for _, cmd := range []*cobra.Command{nowCmd, haltCmd} {
		cmd.Flags().Duration("timeout", 5*time.Second, "request timeout")
	}
}

func withClient(ctx context.Context, fn func(context.Context, *clock.Client) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := viper.GetDuration("timeout")
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := clock.Dial(ctx, viper.GetString("addr"), clock.WithRequestTimeout(timeout))
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
