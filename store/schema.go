package store

import "fmt"

// DynamoDB schema constants for single-table design
const (
	// Table attributes
	AttrPK         = "PK"
	AttrSK         = "SK"
	AttrGSI1PK     = "GSI1PK"
	AttrGSI1SK     = "GSI1SK"
	AttrGSI2PK     = "GSI2PK"
	AttrGSI2SK     = "GSI2SK"
	AttrEntityType = "entity_type"
	AttrStatus     = "status"
	AttrTTL        = "ttl"

	// Entity types
	EntityTypeExecution = "WorkflowExecution"

	// Index names
	IndexUserIndex     = "GSI1"
	IndexWorkflowIndex = "GSI2"
)

// WorkflowExecution keys: PK=EXEC#{id}, SK=META
func executionPK(id string) string {
	return fmt.Sprintf("EXEC#%s", id)
}

func executionSK() string {
	return "META"
}

// GSI1: all executions of one subject, newest last
func executionGSI1PK(userID string) string {
	return fmt.Sprintf("USER#%s", userID)
}

// GSI2: all executions of one workflow identifier
func executionGSI2PK(workflowID string) string {
	return fmt.Sprintf("WF#%s", workflowID)
}

func executionGSISK(createdAt string) string {
	return createdAt
}
