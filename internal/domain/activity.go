package domain

import "time"

// Activity event kinds recorded by the orchestrator.
const (
	ActivityPreviewCreated    = "preview.created"
	ActivityPreviewRedeployed = "preview.redeployed"
	ActivityPreviewDeleted    = "preview.deleted"
	ActivityPreviewPruned     = "preview.pruned"
	ActivityRegressionAlert   = "alert.e2e"
)

// ActivityEvent is one journal entry describing an orchestrator action.
type ActivityEvent struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Identifier string    `json:"identifier,omitempty"`
	ComposeID  string    `json:"composeId,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	PRID       string    `json:"prId,omitempty"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
}
