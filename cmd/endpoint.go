package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/do"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tidelake/compute-plane/internal/compute"
	"github.com/tidelake/compute-plane/internal/endpoint"
	"github.com/tidelake/compute-plane/internal/topology"
)

func newEndpointCommand(i *do.Injector) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Manage compute endpoints",
	}

	cmd.AddCommand(
		newEndpointCreateCommand(i),
		newEndpointListCommand(i),
		newEndpointStartCommand(i),
		newEndpointStopCommand(i),
		newEndpointReconfigureCommand(i),
		newEndpointRefreshCommand(i),
		newEndpointStatusCommand(i),
	)

	return cmd
}

func newEndpointCreateCommand(i *do.Injector) *cobra.Command {
	var (
		id                 string
		tenantID           string
		timelineID         string
		mode               string
		dataPort           int
		externalPort       int
		internalPort       int
		engineVersion      int
		preferProtocol     string
		skipCatalog        bool
		dropSubscriptions  bool
		reconfigureWorkers int
		features           []string
		privilegedRole     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			registry, err := do.Invoke[*endpoint.Registry](i)
			if err != nil {
				return fmt.Errorf("failed to get endpoint registry: %w", err)
			}

			tenant, err := uuid.Parse(tenantID)
			if err != nil {
				return fmt.Errorf("failed to parse tenant id: %w", err)
			}
			timeline, err := uuid.Parse(timelineID)
			if err != nil {
				return fmt.Errorf("failed to parse timeline id: %w", err)
			}

			ep, err := registry.Create(endpoint.CreateParams{
				ID:                           id,
				TenantID:                     tenant,
				TimelineID:                   timeline,
				Mode:                         compute.Mode(mode),
				DataPort:                     dataPort,
				ExternalControlPort:          externalPort,
				InternalControlPort:          internalPort,
				EngineVersion:                engineVersion,
				PreferProtocol:               topology.Protocol(preferProtocol),
				SkipCatalogUpdates:           skipCatalog,
				DropSubscriptionsBeforeStart: dropSubscriptions,
				ReconfigureConcurrency:       reconfigureWorkers,
				Features:                     features,
				PrivilegedRoleName:           privilegedRole,
			})
			if err != nil {
				return fmt.Errorf("failed to create endpoint: %w", err)
			}

			return printJSON(endpointSummary(ep))
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Endpoint identifier.")
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Tenant UUID the endpoint belongs to.")
	cmd.Flags().StringVar(&timelineID, "timeline-id", "", "Timeline UUID the endpoint serves.")
	cmd.Flags().StringVar(&mode, "mode", string(compute.ModePrimary), "Endpoint mode: 'primary', 'replica' or 'static:<lsn>'.")
	cmd.Flags().IntVar(&dataPort, "data-port", 0, "Port for client connections. Allocated automatically when unset.")
	cmd.Flags().IntVar(&externalPort, "external-control-port", 0, "Port for the authenticated control API. Allocated automatically when unset.")
	cmd.Flags().IntVar(&internalPort, "internal-control-port", 0, "Port for the unauthenticated control API. Allocated automatically when unset.")
	cmd.Flags().IntVar(&engineVersion, "engine-version", 16, "Major version of the database engine.")
	cmd.Flags().StringVar(&preferProtocol, "prefer-protocol", "", "Preferred storage protocol: 'legacy' or 'modern'.")
	cmd.Flags().BoolVar(&skipCatalog, "skip-catalog-updates", false, "Skip catalog updates on startup.")
	cmd.Flags().BoolVar(&dropSubscriptions, "drop-subscriptions-before-start", false, "Drop logical replication subscriptions before startup.")
	cmd.Flags().IntVar(&reconfigureWorkers, "reconfigure-concurrency", 1, "Worker count the compute uses to apply reconfiguration.")
	cmd.Flags().StringSliceVar(&features, "feature", nil, "Feature flag to pass to the compute. Repeatable.")
	cmd.Flags().StringVar(&privilegedRole, "privileged-role-name", "", "Name of the privileged database role.")

	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("tenant-id")
	_ = cmd.MarkFlagRequired("timeline-id")

	return cmd
}

func newEndpointListCommand(i *do.Injector) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List endpoints and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			registry, err := do.Invoke[*endpoint.Registry](i)
			if err != nil {
				return fmt.Errorf("failed to get endpoint registry: %w", err)
			}

			summaries := []map[string]any{}
			for _, ep := range registry.List() {
				summaries = append(summaries, endpointSummary(ep))
			}

			return printJSON(summaries)
		},
	}
}

func newEndpointStartCommand(i *do.Injector) *cobra.Command {
	var (
		id             string
		storageToken   string
		topologyPath   string
		walSourceIDs   []int64
		walGeneration  uint32
		createTestUser bool
		autoprewarm    bool
		prewarmOffload uint64
		startTimeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an endpoint and wait for it to become ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			registry, err := do.Invoke[*endpoint.Registry](i)
			if err != nil {
				return fmt.Errorf("failed to get endpoint registry: %w", err)
			}
			ep, err := registry.Get(id)
			if err != nil {
				return err
			}

			topo, err := loadTopology(i, topologyPath)
			if err != nil {
				return err
			}

			opts := endpoint.StartOptions{
				StorageToken:   storageToken,
				Topology:       *topo,
				WALSourceIDs:   uint64Slice(walSourceIDs),
				CreateTestUser: createTestUser,
				Autoprewarm:    autoprewarm,
				StartTimeout:   startTimeout,
			}
			if cmd.Flags().Changed("wal-source-generation") {
				opts.WALSourceGeneration = &walGeneration
			}
			if cmd.Flags().Changed("prewarm-offload-interval") {
				opts.PrewarmOffloadInterval = &prewarmOffload
			}

			if err := ep.Start(cmd.Context(), opts); err != nil {
				return fmt.Errorf("failed to start endpoint: %w", err)
			}

			return printJSON(endpointSummary(ep))
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Endpoint identifier.")
	cmd.Flags().StringVar(&storageToken, "storage-token", "", "Token the compute presents to storage nodes.")
	cmd.Flags().StringVar(&topologyPath, "topology-path", "", "Path to the storage topology JSON document.")
	cmd.Flags().Int64SliceVar(&walSourceIDs, "wal-source-id", nil, "WAL-source node id the compute replicates to. Repeatable.")
	cmd.Flags().Uint32Var(&walGeneration, "wal-source-generation", 0, "Generation number of the WAL-source membership.")
	cmd.Flags().BoolVar(&createTestUser, "create-test-user", false, "Provision a test role and database on startup.")
	cmd.Flags().BoolVar(&autoprewarm, "autoprewarm", false, "Prewarm the buffer cache from the last offloaded state.")
	cmd.Flags().Uint64Var(&prewarmOffload, "prewarm-offload-interval", 0, "Seconds between buffer cache state offloads.")
	cmd.Flags().DurationVar(&startTimeout, "start-timeout", 90*time.Second, "How long to wait for the compute to report ready.")

	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("topology-path")

	return cmd
}

func newEndpointStopCommand(i *do.Injector) *cobra.Command {
	var (
		id      string
		mode    string
		destroy bool
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop an endpoint, optionally destroying its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			stopMode, err := endpoint.ParseStopMode(mode)
			if err != nil {
				return err
			}

			registry, err := do.Invoke[*endpoint.Registry](i)
			if err != nil {
				return fmt.Errorf("failed to get endpoint registry: %w", err)
			}
			ep, err := registry.Get(id)
			if err != nil {
				return err
			}

			response, err := ep.Stop(cmd.Context(), stopMode, destroy)
			if err != nil {
				return fmt.Errorf("failed to stop endpoint: %w", err)
			}
			if destroy {
				registry.Forget(id)
			}

			result := map[string]any{"endpoint_id": id, "destroyed": destroy}
			if response != nil && response.LSN != nil {
				result["terminate_lsn"] = *response.LSN
			}

			return printJSON(result)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Endpoint identifier.")
	cmd.Flags().StringVar(&mode, "mode", string(endpoint.StopModeFast), "Stop mode: 'fast', 'immediate' or 'immediate-terminate'.")
	cmd.Flags().BoolVar(&destroy, "destroy", false, "Remove the endpoint's state directory after stopping.")

	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func newEndpointReconfigureCommand(i *do.Injector) *cobra.Command {
	var (
		id            string
		topologyPath  string
		walSourceIDs  []int64
		walGeneration uint32
	)

	cmd := &cobra.Command{
		Use:   "reconfigure",
		Short: "Push a new configuration to a running endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			registry, err := do.Invoke[*endpoint.Registry](i)
			if err != nil {
				return fmt.Errorf("failed to get endpoint registry: %w", err)
			}
			ep, err := registry.Get(id)
			if err != nil {
				return err
			}

			params := endpoint.ReconfigureParams{}
			if topologyPath != "" {
				topo, err := loadTopology(i, topologyPath)
				if err != nil {
					return err
				}
				params.Topology = topo
			}
			if cmd.Flags().Changed("wal-source-id") {
				params.WALSourceIDs = uint64Slice(walSourceIDs)
			}
			if cmd.Flags().Changed("wal-source-generation") {
				params.WALSourceGeneration = &walGeneration
			}

			if err := ep.Reconfigure(cmd.Context(), params); err != nil {
				return fmt.Errorf("failed to reconfigure endpoint: %w", err)
			}

			return printJSON(endpointSummary(ep))
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Endpoint identifier.")
	cmd.Flags().StringVar(&topologyPath, "topology-path", "", "Path to the storage topology JSON document.")
	cmd.Flags().Int64SliceVar(&walSourceIDs, "wal-source-id", nil, "WAL-source node id the compute replicates to. Repeatable.")
	cmd.Flags().Uint32Var(&walGeneration, "wal-source-generation", 0, "Generation number of the WAL-source membership.")

	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func newEndpointRefreshCommand(i *do.Injector) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Ask a running endpoint to re-read its configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			registry, err := do.Invoke[*endpoint.Registry](i)
			if err != nil {
				return fmt.Errorf("failed to get endpoint registry: %w", err)
			}
			ep, err := registry.Get(id)
			if err != nil {
				return err
			}

			if err := ep.RefreshConfiguration(cmd.Context()); err != nil {
				return fmt.Errorf("failed to refresh endpoint configuration: %w", err)
			}

			return printJSON(endpointSummary(ep))
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Endpoint identifier.")

	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func newEndpointStatusCommand(i *do.Injector) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of one endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			registry, err := do.Invoke[*endpoint.Registry](i)
			if err != nil {
				return fmt.Errorf("failed to get endpoint registry: %w", err)
			}
			ep, err := registry.Get(id)
			if err != nil {
				return err
			}

			return printJSON(endpointSummary(ep))
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Endpoint identifier.")

	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func endpointSummary(ep *endpoint.Endpoint) map[string]any {
	return map[string]any{
		"endpoint_id":           ep.ID,
		"tenant_id":             ep.TenantID,
		"timeline_id":           ep.TimelineID,
		"mode":                  ep.Mode,
		"status":                ep.Status(),
		"data_addr":             ep.DataAddr(),
		"external_control_addr": ep.ExternalControlAddr(),
		"internal_control_addr": ep.InternalControlAddr(),
	}
}

func loadTopology(i *do.Injector, path string) (*topology.Topology, error) {
	fsys, err := do.Invoke[afero.Fs](i)
	if err != nil {
		return nil, fmt.Errorf("failed to get filesystem: %w", err)
	}
	raw, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	var topo topology.Topology
	if err := json.Unmarshal(raw, &topo); err != nil {
		return nil, fmt.Errorf("failed to parse topology file: %w", err)
	}
	return &topo, nil
}

func uint64Slice(values []int64) []uint64 {
	out := make([]uint64, 0, len(values))
	for _, v := range values {
		out = append(out, uint64(v))
	}
	return out
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(raw))
	return nil
}
