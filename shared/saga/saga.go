// Package saga relays a business payload through a fixed chain of stages.
//
// Each stage consumes its inbound queue, stamps its ordinal on the payload and
// forwards it to the inbound queue of the next stage. The last stage hands the
// payload to a completion notifier. No saga state lives outside the message.
package saga

// Message headers set on every forwarded message.
const (
	HeaderStage    = "x-saga-stage"
	HeaderPipeline = "x-saga-pipeline"
)

// Outcome is how a stage disposed of one delivery (used for metrics and logs)
type Outcome string

const (
	OutcomeForwarded Outcome = "forwarded"
	OutcomeCompleted Outcome = "completed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeRequeued  Outcome = "requeued"
)

const (
	metricMessages = "saga_stage_messages_total"
	metricDuration = "saga_stage_duration_seconds"
	metricStages   = "saga_pipeline_stages"
)
