// Package target provides the client for the target tracking system's
// REST API (Azure DevOps wire format: JSON-patch field writes, WIQL
// queries, work item relations).
package target

import "time"

// API constants
const (
	DefaultTimeout = 30 * time.Second
	APIVersion     = "7.0"
)

// Field reference names used by the migration engine. Values are keyed by
// reference name throughout; the engine never addresses fields by display
// name.
const (
	FieldTitle         = "System.Title"
	FieldDescription   = "System.Description"
	FieldState         = "System.State"
	FieldTags          = "System.Tags"
	FieldAreaPath      = "System.AreaPath"
	FieldIterationPath = "System.IterationPath"
	FieldCreatedDate   = "System.CreatedDate"
	FieldChangedDate   = "System.ChangedDate"
	FieldCreatedBy     = "System.CreatedBy"
	FieldAssignedTo    = "System.AssignedTo"
	FieldCommentCount  = "System.CommentCount"
	FieldPriority      = "Microsoft.VSTS.Common.Priority"
	FieldSeverity      = "Microsoft.VSTS.Common.Severity"
	FieldReproSteps    = "Microsoft.VSTS.TCM.ReproSteps"
)

// Relation kinds.
const (
	// LinkParent is the child-side relation pointing at the parent
	// ("Parent" in the UI).
	LinkParent = "System.LinkTypes.Hierarchy-Reverse"
	// LinkChild is the parent-side relation pointing at a child.
	LinkChild = "System.LinkTypes.Hierarchy-Forward"
	// LinkTests is the requirement-side relation pointing at a test case
	// ("Tests" in the UI).
	LinkTests = "Microsoft.VSTS.Common.TestedBy-Forward"
	// RelAttachedFile marks an attachment relation.
	RelAttachedFile = "AttachedFile"
)

// WorkItem is a target entity. Fields are keyed by reference name; values
// are whatever JSON type the server returns (string, number, identity
// object).
type WorkItem struct {
	ID        int            `json:"id"`
	Rev       int            `json:"rev"`
	URL       string         `json:"url"`
	Fields    map[string]any `json:"fields"`
	Relations []Relation     `json:"relations,omitempty"`
}

// Relation is a typed link from a work item to another work item, an
// attachment, or an external resource.
type Relation struct {
	Rel        string         `json:"rel"`
	URL        string         `json:"url"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// PatchOperation is a JSON-patch operation in the work item write format.
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// WIQLQueryRequest is the request body for WIQL queries.
type WIQLQueryRequest struct {
	Query string `json:"query"`
}

// WIQLQueryResponse is the response from a WIQL query.
type WIQLQueryResponse struct {
	QueryType string        `json:"queryType"`
	WorkItems []WorkItemRef `json:"workItems"`
}

// WorkItemRef is a reference to a work item in WIQL results.
type WorkItemRef struct {
	ID  int    `json:"id"`
	URL string `json:"url"`
}

// attachmentUploadResponse is the response from an attachment upload.
type attachmentUploadResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// commentRequest is the body for adding a discussion comment.
type commentRequest struct {
	Text string `json:"text"`
}
