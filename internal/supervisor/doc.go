// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

/*
Package supervisor runs the daemon's long-lived services under a suture v4
supervisor tree.

	RootSupervisor ("shelfwatch")
	├── "pipeline-layer"
	│   ├── audit-batch-writer
	│   ├── audit-retention
	│   ├── intrusion-aggregator
	│   └── blocklist-pruner
	├── "messaging-layer"
	│   └── nats-forwarder (if NATS_ENABLED, build tag: nats)
	└── "ops-layer"
	    └── ops-server (/metrics, /healthz)

Each layer counts failures independently, so a broker outage that keeps the
forwarder restarting never backs off the batch writer.

Supervisor events are logged through sutureslog into the zerolog adapter:

	tree, err := supervisor.NewSupervisorTree(logging.NewComponentSlogLogger("supervisor"), supervisor.DefaultTreeConfig())
	tree.AddPipelineService(auditor)
	tree.AddOpsService(services.NewOpsServerService(server, cfg.Server.ShutdownTimeout))
	err = tree.Serve(ctx)

On cancellation every service is given TreeConfig.ShutdownTimeout to stop.
The batch writer uses that window for its final drain;
UnstoppedServiceReport names anything that overran it.
*/
package supervisor
