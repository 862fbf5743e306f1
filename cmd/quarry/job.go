package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarryproject/quarry/pkg/types"
	"github.com/quarryproject/quarry/pkg/wire"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and manage jobs",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit SCRIPT",
	Short: "Submit a batch job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		script, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read script: %v", err)
		}

		name, _ := cmd.Flags().GetString("name")
		minNodes, _ := cmd.Flags().GetUint32("nodes")
		minCPUs, _ := cmd.Flags().GetUint32("cpus")
		partition, _ := cmd.Flags().GetString("partition")
		reservationName, _ := cmd.Flags().GetString("reservation")
		timeLimit, _ := cmd.Flags().GetDuration("time")
		requeue, _ := cmd.Flags().GetBool("requeue")
		restarts, _ := cmd.Flags().GetUint32("max-restarts")
		hold, _ := cmd.Flags().GetBool("hold")
		arraySpec, _ := cmd.Flags().GetString("array")
		immediate, _ := cmd.Flags().GetBool("immediate")

		if name == "" {
			name = args[0]
		}

		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		resp, err := c.SubmitBatch(&wire.JobSubmitRequest{
			Name:        name,
			MinNodes:    minNodes,
			MinCPUs:     minCPUs,
			Partition:   partition,
			Reservation: reservationName,
			TimeLimit:   int64(timeLimit / time.Second),
			Script:      string(script),
			Requeue:     requeue,
			MaxRestarts: restarts,
			Hold:        hold,
			ArraySpec:   arraySpec,
			Immediate:   immediate,
		})
		if err != nil {
			return err
		}
		if len(resp.ArrayJobIDs) > 0 {
			fmt.Printf("Submitted array job %d (%d tasks)\n", resp.JobID, len(resp.ArrayJobIDs))
		} else if resp.Code != wire.Success {
			fmt.Printf("Submitted job %d (pending: %s)\n", resp.JobID, resp.Reason)
		} else {
			fmt.Printf("Submitted job %d\n", resp.JobID)
		}
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel JOBID",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("bad job id %q", args[0])
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.CancelJob(uint32(id)); err != nil {
			return err
		}
		fmt.Printf("Canceled job %d\n", id)
		return nil
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		info, err := c.JobInfo()
		if err != nil {
			return err
		}
		fmt.Printf("%-8s %-16s %-8s %-10s %-10s %s\n",
			"JOBID", "NAME", "USER", "STATE", "PARTITION", "NODES")
		for _, j := range info.Jobs {
			fmt.Printf("%-8d %-16s %-8d %-10s %-10s %s\n",
				j.JobID, j.Name, j.UserID, types.JobState(j.State), j.Partition, j.NodeList)
		}
		return nil
	},
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect and manage nodes",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		info, err := c.NodeInfo()
		if err != nil {
			return err
		}
		fmt.Printf("%-12s %-12s %-6s %-10s %s\n", "NODE", "STATE", "CPUS", "LOAD", "REASON")
		for _, n := range info.Nodes {
			fmt.Printf("%-12s %-12s %-6d %-10.2f %s\n",
				n.Name, types.NodeState(n.State), n.CPUs, n.CPULoad, n.Reason)
		}
		return nil
	},
}

var nodeDrainCmd = &cobra.Command{
	Use:   "drain NODE...",
	Short: "Drain nodes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		_, err = c.Call(wire.MsgUpdateNode, &wire.UpdateNodeRequest{
			NodeNames: args,
			State:     "drain",
			Reason:    reason,
		})
		return err
	},
}

var nodeResumeCmd = &cobra.Command{
	Use:   "resume NODE...",
	Short: "Resume drained nodes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		_, err = c.Call(wire.MsgUpdateNode, &wire.UpdateNodeRequest{
			NodeNames: args,
			State:     "resume",
		})
		return err
	},
}

var nodeRebootCmd = &cobra.Command{
	Use:   "reboot NODE...",
	Short: "Schedule node reboots",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		_, err = c.Call(wire.MsgRebootNodes, &wire.RebootNodesRequest{NodeNames: args})
		return err
	},
}

func init() {
	jobSubmitCmd.Flags().String("name", "", "job name")
	jobSubmitCmd.Flags().Uint32("nodes", 1, "minimum node count")
	jobSubmitCmd.Flags().Uint32("cpus", 0, "minimum total CPUs")
	jobSubmitCmd.Flags().String("partition", "", "target partition")
	jobSubmitCmd.Flags().String("reservation", "", "run inside a reservation")
	jobSubmitCmd.Flags().Duration("time", 0, "time limit")
	jobSubmitCmd.Flags().Bool("requeue", false, "requeue on node failure")
	jobSubmitCmd.Flags().Uint32("max-restarts", 0, "restart budget")
	jobSubmitCmd.Flags().Bool("hold", false, "submit held")
	jobSubmitCmd.Flags().String("array", "", "array spec, e.g. 0-15")
	jobSubmitCmd.Flags().Bool("immediate", false, "fail unless the job starts now")
	nodeDrainCmd.Flags().String("reason", "", "drain reason (required)")

	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobListCmd)

	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeDrainCmd)
	nodeCmd.AddCommand(nodeRebootCmd)
	nodeCmd.AddCommand(nodeResumeCmd)
}
