// Package source provides the read-only client for the source tracking
// system's REST API. The migration engine only ever reads from the
// source; every mutation happens on the target side.
package source

import (
	"time"

	"github.com/agileforge/witmigrate/internal/item"
)

// DefaultTimeout is the HTTP client timeout for source API calls.
const DefaultTimeout = 30 * time.Second

// wireUser is a user reference as the source API returns it. Email is
// frequently absent from embedded references and has to be resolved
// through the users endpoint.
type wireUser struct {
	Ref         string `json:"ref"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
}

func (u *wireUser) toActor() item.Actor {
	if u == nil {
		return item.Actor{}
	}
	return item.Actor{Ref: u.Ref, DisplayName: u.DisplayName, Email: u.Email}
}

// wireItem is the full item payload. The lifecycle state field is
// denormalized on the server and can lag behind the item revision; when
// that happens the payload carries stateStale=true and the client
// re-reads the state through the minimal-field endpoint before
// returning (see Client.FetchItem).
type wireItem struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	ParentID    string   `json:"parentId,omitempty"`
	ChildIDs    []string `json:"childIds,omitempty"`
	TestCaseIDs []string `json:"testCaseIds,omitempty"`

	State      string `json:"state"`
	StateStale bool   `json:"stateStale,omitempty"`

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Project     string `json:"project,omitempty"`
	Iteration   string `json:"iteration,omitempty"`

	Owner      *wireUser `json:"owner,omitempty"`
	Submitter  *wireUser `json:"submitter,omitempty"`
	CreatedBy  *wireUser `json:"createdBy,omitempty"`
	ModifiedBy *wireUser `json:"modifiedBy,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	CustomFields map[string]string `json:"customFields,omitempty"`
}

func (w *wireItem) toSourceItem() *item.SourceItem {
	typ, ok := item.ParseItemType(w.Type)
	if !ok {
		typ = item.ItemType(w.Type)
	}
	return &item.SourceItem{
		ID:                w.ID,
		Type:              typ,
		ParentID:          w.ParentID,
		ChildIDs:          w.ChildIDs,
		LinkedTestCaseIDs: w.TestCaseIDs,
		LifecycleState:    w.State,
		Name:              w.Name,
		Description:       w.Description,
		Project:           w.Project,
		Iteration:         w.Iteration,
		Owner:             w.Owner.toActor(),
		Submitter:         w.Submitter.toActor(),
		CreatedBy:         w.CreatedBy.toActor(),
		LastModifiedBy:    w.ModifiedBy.toActor(),
		CreatedAt:         w.CreatedAt,
		UpdatedAt:         w.UpdatedAt,
		CustomFields:      w.CustomFields,
	}
}

// wireItemList is a page of items from the list endpoint.
type wireItemList struct {
	Items []wireItem `json:"items"`
	Total int        `json:"total"`
}

// wireState is the minimal-field state payload.
type wireState struct {
	State string `json:"state"`
}

// wireAttachment is attachment metadata; content is fetched separately.
type wireAttachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// wireComment is one discussion entry.
type wireComment struct {
	Author   *wireUser `json:"author,omitempty"`
	PostedAt time.Time `json:"postedAt"`
	Text     string    `json:"text"`
}

// wireUserDetail is the users endpoint payload.
type wireUserDetail struct {
	Ref         string `json:"ref"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}
