package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/beegfs/buddymirror/internal/comm"
	"github.com/beegfs/buddymirror/internal/config"
	"github.com/beegfs/buddymirror/internal/nodes"
	"github.com/beegfs/buddymirror/pkg/bytesize"
	"github.com/beegfs/buddymirror/pkg/proto"
)

// pollInterval paces "resync start --restart" while the old job winds down.
var pollInterval = 500 * time.Millisecond

type startOptions struct {
	target    uint16
	group     uint16
	timestamp int64
	timespan  time.Duration
	restart   bool

	hasTimestamp bool
	hasTimespan  bool
}

func (o startOptions) validate() error {
	if err := validateSelector(o.target, o.group); err != nil {
		return err
	}
	switch {
	case o.hasTimestamp && o.hasTimespan:
		return fmt.Errorf("--timestamp and --timespan are mutually exclusive: %w", proto.OpsInval)
	case !o.hasTimestamp && !o.hasTimespan:
		return fmt.Errorf("one of --timestamp or --timespan is required (--timestamp 0 resyncs everything): %w", proto.OpsInval)
	case o.restart && !o.hasTimestamp:
		return fmt.Errorf("--restart requires --timestamp: %w", proto.OpsInval)
	case o.hasTimestamp && o.timestamp < 0:
		return fmt.Errorf("--timestamp must not be negative: %w", proto.OpsInval)
	case o.hasTimespan && o.timespan <= 0:
		return fmt.Errorf("--timespan must be positive: %w", proto.OpsInval)
	}
	return nil
}

// overrideTimestamp is the last-buddy-comm time sent to the primary.
func (o startOptions) overrideTimestamp(now time.Time) int64 {
	if !o.hasTimespan {
		return o.timestamp
	}
	ts := now.Add(-o.timespan).Unix()
	if ts < 0 {
		return 0
	}
	return ts
}

func validateSelector(target, group uint16) error {
	if (target == 0) == (group == 0) {
		return fmt.Errorf("exactly one of --target or --group is required: %w", proto.OpsInval)
	}
	return nil
}

func newResyncCmd() *cobra.Command {
	resyncCmd := &cobra.Command{
		Use:   "resync",
		Short: "Start and monitor buddy mirror resyncs",
	}
	resyncCmd.PersistentFlags().StringVar(&clusterFile, "cluster", "", "cluster state file (default: cluster_file from --config)")

	var opts startOptions
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Resync a secondary target from its primary",
		Long: `Tell the primary of a buddy group to resync its secondary.

Only chunks modified after the given point in time are transferred;
--timestamp 0 transfers everything. With --restart a running resync is
aborted and started again from the new point in time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.hasTimestamp = cmd.Flags().Changed("timestamp")
			opts.hasTimespan = cmd.Flags().Changed("timespan")
			if err := opts.validate(); err != nil {
				return err
			}

			ctx := context.Background()
			client, err := dialCluster(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			primary, err := client.primaryFor(opts.target, opts.group)
			if err != nil {
				return err
			}
			return startResync(ctx, client.messenger, primary, opts, time.Now(), cmd.OutOrStdout())
		},
	}
	startCmd.Flags().Uint16Var(&opts.target, "target", 0, "primary target ID")
	startCmd.Flags().Uint16Var(&opts.group, "group", 0, "buddy group ID")
	startCmd.Flags().Int64Var(&opts.timestamp, "timestamp", 0, "resync chunks modified after this unix time")
	startCmd.Flags().DurationVar(&opts.timespan, "timespan", 0, "resync chunks modified within this duration")
	startCmd.Flags().BoolVar(&opts.restart, "restart", false, "abort a running resync and start over")
	startCmd.MarkFlagsMutuallyExclusive("target", "group")
	startCmd.MarkFlagsMutuallyExclusive("timestamp", "timespan")
	startCmd.MarkFlagsMutuallyExclusive("timespan", "restart")

	var statsTarget, statsGroup uint16
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show progress of the last resync of a primary target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateSelector(statsTarget, statsGroup); err != nil {
				return err
			}

			ctx := context.Background()
			client, err := dialCluster(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			primary, err := client.primaryFor(statsTarget, statsGroup)
			if err != nil {
				return err
			}
			stats, err := fetchStats(ctx, client.messenger, primary)
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), primary, stats)
			return nil
		},
	}
	statsCmd.Flags().Uint16Var(&statsTarget, "target", 0, "primary target ID")
	statsCmd.Flags().Uint16Var(&statsGroup, "group", 0, "buddy group ID")
	statsCmd.MarkFlagsMutuallyExclusive("target", "group")

	resyncCmd.AddCommand(startCmd, statsCmd)
	return resyncCmd
}

func newLocksCmd() *cobra.Command {
	var target uint16
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "List chunks currently locked on a target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == 0 {
				return fmt.Errorf("--target is required: %w", proto.OpsInval)
			}

			ctx := context.Background()
			client, err := dialCluster(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := comm.Call[*proto.GetChunkLocksResp](ctx, client.messenger, target, &proto.GetChunkLocks{TargetID: target})
			if err != nil {
				return err
			}
			if err := resp.Result.Err(); err != nil {
				return fmt.Errorf("get chunk locks of target %d: %w", target, err)
			}
			printLocks(cmd.OutOrStdout(), target, resp.Chunks)
			return nil
		},
	}
	cmd.Flags().StringVar(&clusterFile, "cluster", "", "cluster state file (default: cluster_file from --config)")
	cmd.Flags().Uint16Var(&target, "target", 0, "target ID")
	return cmd
}

// startResync sends the buddy comm override to primary. Unless restarting,
// a running job is refused. With restart it waits until the aborted job is
// gone so the next stats call shows the new run.
func startResync(ctx context.Context, r comm.Requester, primary proto.TargetID, opts startOptions, now time.Time, out io.Writer) error {
	if !opts.restart {
		stats, err := fetchStats(ctx, r, primary)
		if err != nil {
			return err
		}
		if stats.Status == proto.JobRunning {
			return fmt.Errorf("resync of target %d is already running, use --restart to start over: %w",
				primary, proto.OpsAlreadyRunning)
		}
	}

	ts := opts.overrideTimestamp(now)
	resp, err := comm.Call[*proto.SetLastBuddyCommOverrideResp](ctx, r, primary, &proto.SetLastBuddyCommOverride{
		TargetID:      primary,
		Timestamp:     ts,
		RestartResync: opts.restart,
	})
	if err != nil {
		return err
	}
	if err := resp.Result.Err(); err != nil {
		return fmt.Errorf("set last buddy comm of target %d: %w", primary, err)
	}

	if opts.restart {
		if err := waitForRestart(ctx, r, primary, now.Unix()); err != nil {
			return err
		}
	}

	_, _ = fmt.Fprintf(out, "Resync of target %d requested (modified since %s)\n", primary, formatUnix(ts))
	return nil
}

// waitForRestart polls until no job that started before sentAt is running.
func waitForRestart(ctx context.Context, r comm.Requester, primary proto.TargetID, sentAt int64) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		stats, err := fetchStats(ctx, r, primary)
		if err != nil {
			return err
		}
		if stats.Status != proto.JobRunning || stats.StartTime >= sentAt {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func fetchStats(ctx context.Context, r comm.Requester, primary proto.TargetID) (proto.ResyncStats, error) {
	resp, err := comm.Call[*proto.GetStorageResyncStatsResp](ctx, r, primary, &proto.GetStorageResyncStats{TargetID: primary})
	if err != nil {
		return proto.ResyncStats{}, err
	}
	if err := resp.Result.Err(); err != nil {
		return proto.ResyncStats{}, fmt.Errorf("get resync stats of target %d: %w", primary, err)
	}
	return resp.Stats, nil
}

func printStats(w io.Writer, primary proto.TargetID, s proto.ResyncStats) {
	_, _ = fmt.Fprintf(w, "Target:  %d\n", primary)
	_, _ = fmt.Fprintf(w, "Status:  %s\n", s.Status)
	_, _ = fmt.Fprintf(w, "Started: %s\n", formatUnix(s.StartTime))
	_, _ = fmt.Fprintf(w, "Ended:   %s\n", formatUnix(s.EndTime))
	_, _ = fmt.Fprintf(w, "Files:   %d discovered, %d matched, %d synced, %d errors\n",
		s.DiscoveredFiles, s.MatchedFiles, s.SyncedFiles, s.ErrorFiles)
	_, _ = fmt.Fprintf(w, "Dirs:    %d discovered, %d matched, %d synced, %d errors\n",
		s.DiscoveredDirs, s.MatchedDirs, s.SyncedDirs, s.ErrorDirs)
	_, _ = fmt.Fprintf(w, "Sent:    %s\n", bytesize.Format(int64(s.BytesSent)))
}

func printLocks(w io.Writer, target proto.TargetID, chunks []string) {
	if len(chunks) == 0 {
		_, _ = fmt.Fprintf(w, "No chunks locked on target %d\n", target)
		return
	}
	for _, c := range chunks {
		_, _ = fmt.Fprintln(w, c)
	}
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

// clusterClient talks to storage nodes using the cluster state file.
type clusterClient struct {
	groups    *nodes.BuddyGroupMapper
	messenger *comm.Messenger
}

func dialCluster(ctx context.Context) (*clusterClient, error) {
	path := clusterFile
	commCfg := config.Default().Comm
	if cfgFile != "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		if path == "" {
			path = cfg.ClusterFile
		}
		commCfg = cfg.Comm
	}
	if path == "" {
		return nil, fmt.Errorf("--cluster or a --config with cluster_file is required: %w", proto.OpsInval)
	}
	return newClusterClient(ctx, path, commCfg, log.Logger)
}

func newClusterClient(ctx context.Context, path string, cfg config.CommConfig, logger zerolog.Logger) (*clusterClient, error) {
	groups := nodes.NewBuddyGroupMapper()
	targets := nodes.NewTargetMapper()
	store := nodes.NewNodeStore()

	syncer := nodes.NewSyncer(nodes.SyncerConfig{
		Authority: nodes.NewFileAuthority(path),
		States:    nodes.NewTargetStateStore(),
		Groups:    groups,
		Targets:   targets,
		Nodes:     store,
		Logger:    logger,
	})
	if err := syncer.SyncNow(ctx); err != nil {
		return nil, fmt.Errorf("load cluster state: %w", err)
	}

	return &clusterClient{
		groups: groups,
		messenger: comm.NewMessenger(comm.MessengerConfig{
			Resolver:       nodes.Resolver{Targets: targets, Nodes: store},
			Codec:          proto.NewCodec(int(cfg.CompressThreshold.Bytes())),
			Pool:           comm.NewConnPool(cfg.DialTimeout, 1),
			RequestTimeout: cfg.RequestTimeout,
			Logger:         logger,
		}),
	}, nil
}

// primaryFor resolves the --target/--group selector to a primary target.
func (c *clusterClient) primaryFor(target, group uint16) (proto.TargetID, error) {
	if group != 0 {
		primary := c.groups.PrimaryOf(group)
		if primary == 0 {
			return 0, fmt.Errorf("buddy group %d: %w", group, proto.OpsUnknownTarget)
		}
		return primary, nil
	}

	buddy, isPrimary := c.groups.BuddyTargetOf(target)
	switch {
	case buddy == 0:
		return 0, fmt.Errorf("target %d is not in a buddy group: %w", target, proto.OpsUnknownTarget)
	case !isPrimary:
		return 0, fmt.Errorf("target %d is a secondary, its primary is %d: %w", target, buddy, proto.OpsInval)
	}
	return target, nil
}

func (c *clusterClient) Close() {
	c.messenger.Close()
}
