// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for the control plane's blocking operations.
const (
	// AgentLaunchTimeout is the maximum time to wait for a harness subprocess
	// to spawn and complete its initialize handshake.
	AgentLaunchTimeout = 6 * time.Minute

	// PromptTimeout is the maximum time to wait for a harness turn to
	// complete. Agent turns can take a long time (complex code generation,
	// large refactors), so this is set to a generous value.
	PromptTimeout = 60 * time.Minute

	// NonStreamingProxyTimeout bounds non-streaming provider-proxy requests.
	NonStreamingProxyTimeout = 300 * time.Second

	// StopPolicyCheckTimeout bounds the external HTTP calls an automation's
	// WhenAllIssuesClosedAndPRsMerged stop policy makes per tick.
	StopPolicyCheckTimeout = 10 * time.Second

	// ListRunningTimeout bounds a ListRunning query to the Control Actor.
	// No caller in this module applies it at present.
	ListRunningTimeout = 5 * time.Second

	// SSEKeepaliveInterval is the cadence of SSE keepalive comments.
	SSEKeepaliveInterval = 15 * time.Second

	// OrphanRecoveryTick is the cadence of the orphan/stale-mission sweep.
	OrphanRecoveryTick = 5 * time.Minute

	// AutomationSchedulerTick is the cadence of the automation scheduler loop.
	AutomationSchedulerTick = 5 * time.Second

	// MetadataRefreshResumeDelay is the delay after turn completion before
	// the Control Actor hands the mission to the Metadata Refresher.
	MetadataRefreshResumeDelay = 500 * time.Millisecond

	// FrontendToolTimeout is how long a harness waits for a connected client
	// to answer a delegated tool/permission request before falling back to
	// its default behavior.
	FrontendToolTimeout = 5 * time.Minute
)

// Channel capacities for the control plane's queues. Both are bounded so a
// stalled consumer applies backpressure instead of growing the heap.
const (
	// CommandChannelSize bounds the Control Actor's inbound command channel.
	CommandChannelSize = 256

	// BroadcastChannelSize bounds the SSE/Event-Logger broadcast topic.
	BroadcastChannelSize = 1024
)
