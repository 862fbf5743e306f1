package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarryproject/quarry/pkg/client"
	"github.com/quarryproject/quarry/pkg/config"
	"github.com/quarryproject/quarry/pkg/wire"
)

// dial resolves the controller address from flags or the config file and
// opens an authenticated client.
func dial() (*client.Client, error) {
	snap, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	addr := flagAddr
	if addr == "" {
		addr = snap.ControlAddr
	}
	return client.New(addr, snap.AuthKey)
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administer the controller",
}

var adminReconfigureCmd = &cobra.Command{
	Use:   "reconfigure",
	Short: "Reread the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		if _, err := c.Call(wire.MsgReconfigure, nil); err != nil {
			return err
		}
		fmt.Println("reconfigured")
		return nil
	},
}

var adminShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop the controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		immediate, _ := cmd.Flags().GetBool("immediate")
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		t := wire.MsgShutdown
		if immediate {
			t = wire.MsgShutdownImmediate
		}
		if _, err := c.Call(t, &wire.ShutdownRequest{Immediate: immediate}); err != nil {
			return err
		}
		fmt.Println("shutdown requested")
		return nil
	},
}

var adminTakeoverCmd = &cobra.Command{
	Use:   "takeover",
	Short: "Ask the primary to yield to this backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		if _, err := c.Call(wire.MsgTakeover, nil); err != nil {
			return err
		}
		fmt.Println("takeover acknowledged")
		return nil
	},
}

var adminPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check controller liveness",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		start := time.Now()
		if err := c.Ping(); err != nil {
			return err
		}
		fmt.Printf("controller is up (%s)\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var adminDebugLevelCmd = &cobra.Command{
	Use:   "set-debug-level N",
	Short: "Set the controller debug level",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("bad level %q", args[0])
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		_, err = c.Call(wire.MsgSetDebugLevel, &wire.SetDebugLevelRequest{Level: int32(level)})
		return err
	},
}

var adminDebugFlagsCmd = &cobra.Command{
	Use:   "set-debug-flags [+mask] [-mask]",
	Short: "Set or clear controller debug flags",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &wire.SetDebugFlagsRequest{}
		for _, arg := range args {
			if len(arg) < 2 {
				return fmt.Errorf("bad flag mask %q", arg)
			}
			mask, err := strconv.ParseUint(strings.TrimLeft(arg[1:], "0x"), 16, 64)
			if err != nil {
				return fmt.Errorf("bad flag mask %q", arg)
			}
			switch arg[0] {
			case '+':
				req.SetMask |= mask
			case '-':
				req.ClearMask |= mask
			default:
				return fmt.Errorf("flag mask %q must start with + or -", arg)
			}
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		_, err = c.Call(wire.MsgSetDebugFlags, req)
		return err
	},
}

var adminSchedLogCmd = &cobra.Command{
	Use:   "set-schedlog-level N",
	Short: "Set the scheduler log level",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("bad level %q", args[0])
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		_, err = c.Call(wire.MsgSetSchedLogLevel, &wire.SetSchedLogLevelRequest{Level: int32(level)})
		return err
	},
}

var adminStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Dump RPC telemetry tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		reset, _ := cmd.Flags().GetBool("reset")
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		if reset {
			_, err := c.Call(wire.MsgStatsReset, nil)
			return err
		}

		stats, err := c.Stats()
		if err != nil {
			return err
		}
		fmt.Println("By message type:")
		for _, e := range stats.ByType {
			avg := time.Duration(0)
			if e.Count > 0 {
				avg = time.Duration(e.TotalNS / e.Count)
			}
			fmt.Printf("  %-28s count=%-8d avg=%s\n", wire.MsgType(e.ID), e.Count, avg)
		}
		fmt.Println("By user:")
		for _, e := range stats.ByUser {
			fmt.Printf("  uid %-8d count=%-8d total=%s\n", e.ID, e.Count, time.Duration(e.TotalNS))
		}
		return nil
	},
}

func init() {
	adminShutdownCmd.Flags().Bool("immediate", false, "skip the graceful drain")
	adminStatsCmd.Flags().Bool("reset", false, "zero both telemetry tables")

	adminCmd.AddCommand(adminReconfigureCmd)
	adminCmd.AddCommand(adminShutdownCmd)
	adminCmd.AddCommand(adminTakeoverCmd)
	adminCmd.AddCommand(adminPingCmd)
	adminCmd.AddCommand(adminDebugLevelCmd)
	adminCmd.AddCommand(adminDebugFlagsCmd)
	adminCmd.AddCommand(adminSchedLogCmd)
	adminCmd.AddCommand(adminStatsCmd)
}
