package github

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alekspetrov/agentflow/internal/logging"
)

const (
	queryProjectByOrg = `query($owner: String!, $number: Int!) {
  organization(login: $owner) { projectV2(number: $number) { id } }
}`

	queryProjectByUser = `query($owner: String!, $number: Int!) {
  user(login: $owner) { projectV2(number: $number) { id } }
}`

	queryProjectFields = `query($projectID: ID!) {
  node(id: $projectID) {
    ... on ProjectV2 {
      fields(first: 50) {
        nodes {
          ... on ProjectV2Field { id name dataType }
          ... on ProjectV2SingleSelectField { id name dataType options { id name } }
        }
      }
    }
  }
}`
)

type (
	projectByOrgResponse struct {
		Organization struct {
			ProjectV2 struct {
				ID string `json:"id"`
			} `json:"projectV2"`
		} `json:"organization"`
	}

	projectByUserResponse struct {
		User struct {
			ProjectV2 struct {
				ID string `json:"id"`
			} `json:"projectV2"`
		} `json:"user"`
	}

	projectFieldsResponse struct {
		Node struct {
			Fields struct {
				Nodes []struct {
					ID       string `json:"id"`
					Name     string `json:"name"`
					DataType string `json:"dataType"`
					Options  []struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"options"`
				} `json:"nodes"`
			} `json:"fields"`
		} `json:"node"`
	}
)

// Board reads and writes one repository's Projects V2 board. IDs missing
// from the config are resolved lazily by name and cached.
type Board struct {
	client *Client
	config *ProjectConfig
	owner  string
	repo   string
	log    *slog.Logger

	mu        sync.RWMutex
	resolved  bool
	projectID string
	fields    FieldsConfig
}

// NewBoard returns a Board for owner/repo. A nil config resolves everything by name.
func NewBoard(client *Client, owner, repo string, config *ProjectConfig) *Board {
	if config == nil {
		config = &ProjectConfig{}
	}
	return &Board{
		client: client,
		config: config,
		owner:  owner,
		repo:   repo,
		log:    logging.WithComponent("github.board"),
	}
}

// Client returns the underlying API client.
func (b *Board) Client() *Client { return b.client }

// Owner returns the repository owner.
func (b *Board) Owner() string { return b.owner }

// Repo returns the repository name.
func (b *Board) Repo() string { return b.repo }

// ProjectID returns the resolved project node ID.
func (b *Board) ProjectID(ctx context.Context) (string, error) {
	if err := b.ensureResolved(ctx); err != nil {
		return "", err
	}
	return b.projectID, nil
}

// Items fetches every issue-backed item on the board.
func (b *Board) Items(ctx context.Context) ([]ProjectItem, error) {
	projectID, err := b.ProjectID(ctx)
	if err != nil {
		return nil, err
	}
	return b.client.FetchProjectItems(ctx, projectID)
}

// SetStatus moves an item to the named Status option.
func (b *Board) SetStatus(ctx context.Context, itemID, status string) error {
	return b.setOption(ctx, itemID, FieldNameStatus, status)
}

// SetPriority sets the Priority option of an item.
func (b *Board) SetPriority(ctx context.Context, itemID, priority string) error {
	return b.setOption(ctx, itemID, FieldNamePriority, priority)
}

// SetModel writes the Model text field.
func (b *Board) SetModel(ctx context.Context, itemID, model string) error {
	if err := b.ensureResolved(ctx); err != nil {
		return err
	}
	if b.fields.Model == "" {
		return fmt.Errorf("project field %q not found", FieldNameModel)
	}
	return b.client.UpdateProjectField(ctx, b.projectID, itemID, b.fields.Model, TextValue(model))
}

// SetCost writes the Cost number field.
func (b *Board) SetCost(ctx context.Context, itemID string, cost float64) error {
	if err := b.ensureResolved(ctx); err != nil {
		return err
	}
	if b.fields.Cost == "" {
		return fmt.Errorf("project field %q not found", FieldNameCost)
	}
	return b.client.UpdateProjectField(ctx, b.projectID, itemID, b.fields.Cost, NumberValue(cost))
}

func (b *Board) setOption(ctx context.Context, itemID, fieldName, option string) error {
	if err := b.ensureResolved(ctx); err != nil {
		return err
	}

	field := b.fields.Status
	if fieldName == FieldNamePriority {
		field = b.fields.Priority
	}
	if field.ID == "" {
		return fmt.Errorf("project field %q not found", fieldName)
	}
	optionID, ok := field.OptionID(option)
	if !ok {
		return fmt.Errorf("project field %q has no option %q", fieldName, option)
	}

	if err := b.client.UpdateProjectField(ctx, b.projectID, itemID, field.ID, OptionValue(optionID)); err != nil {
		return err
	}
	b.log.Debug("Project field updated",
		slog.String("field", fieldName),
		slog.String("value", option),
		slog.String("item", itemID),
	)
	return nil
}

// ItemForIssue returns the project item ID of an issue, or "" if it is not on the board.
func (b *Board) ItemForIssue(ctx context.Context, number int) (string, error) {
	projectID, err := b.ProjectID(ctx)
	if err != nil {
		return "", err
	}
	nodeID, err := b.client.GetIssueNodeID(ctx, b.owner, b.repo, number)
	if err != nil {
		return "", err
	}
	return b.client.FindProjectItemID(ctx, projectID, nodeID)
}

// EnsureItem returns the issue's project item, adding the issue to the board if absent.
func (b *Board) EnsureItem(ctx context.Context, number int) (string, error) {
	projectID, err := b.ProjectID(ctx)
	if err != nil {
		return "", err
	}
	nodeID, err := b.client.GetIssueNodeID(ctx, b.owner, b.repo, number)
	if err != nil {
		return "", err
	}
	itemID, err := b.client.FindProjectItemID(ctx, projectID, nodeID)
	if err != nil {
		return "", err
	}
	if itemID != "" {
		return itemID, nil
	}

	itemID, err = b.client.AddIssueToProject(ctx, projectID, nodeID)
	if err != nil {
		return "", err
	}
	b.log.Info("Issue added to project", slog.Int("issue", number), slog.String("item", itemID))
	return itemID, nil
}

// ensureResolved lazy-loads project/field/option IDs with a read-through cache.
func (b *Board) ensureResolved(ctx context.Context) error {
	b.mu.RLock()
	resolved := b.resolved
	b.mu.RUnlock()
	if resolved {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resolved {
		return nil
	}

	projectID := b.config.ID
	if projectID == "" {
		id, err := b.resolveProjectID(ctx)
		if err != nil {
			return fmt.Errorf("resolve project: %w", err)
		}
		projectID = id
	}

	fields := b.config.Fields
	if !fieldsComplete(fields) {
		found, err := b.resolveFields(ctx, projectID)
		if err != nil {
			return fmt.Errorf("resolve project fields: %w", err)
		}
		fields = mergeFields(fields, found)
	}

	b.projectID = projectID
	b.fields = fields
	b.resolved = true
	return nil
}

// resolveProjectID queries for the project ID, trying organization first then user.
func (b *Board) resolveProjectID(ctx context.Context) (string, error) {
	owner := b.config.Owner
	if owner == "" {
		owner = b.owner
	}
	if b.config.Number == 0 {
		return "", fmt.Errorf("project ID or number is required")
	}
	vars := map[string]interface{}{
		"owner":  owner,
		"number": b.config.Number,
	}

	var orgResp projectByOrgResponse
	err := b.client.ExecuteGraphQL(ctx, queryProjectByOrg, vars, &orgResp)
	if err == nil && orgResp.Organization.ProjectV2.ID != "" {
		return orgResp.Organization.ProjectV2.ID, nil
	}

	var userResp projectByUserResponse
	if err := b.client.ExecuteGraphQL(ctx, queryProjectByUser, vars, &userResp); err != nil {
		return "", fmt.Errorf("resolve project ID for %s #%d: %w", owner, b.config.Number, err)
	}
	if userResp.User.ProjectV2.ID == "" {
		return "", fmt.Errorf("project #%d not found for owner %s", b.config.Number, owner)
	}
	return userResp.User.ProjectV2.ID, nil
}

func (b *Board) resolveFields(ctx context.Context, projectID string) (FieldsConfig, error) {
	var resp projectFieldsResponse
	if err := b.client.ExecuteGraphQL(ctx, queryProjectFields, map[string]interface{}{"projectID": projectID}, &resp); err != nil {
		return FieldsConfig{}, err
	}

	var out FieldsConfig
	for _, f := range resp.Node.Fields.Nodes {
		switch {
		case strings.EqualFold(f.Name, FieldNameStatus), strings.EqualFold(f.Name, FieldNamePriority):
			sel := SelectField{ID: f.ID, Options: make(map[string]string, len(f.Options))}
			for _, o := range f.Options {
				sel.Options[o.Name] = o.ID
			}
			if strings.EqualFold(f.Name, FieldNameStatus) {
				out.Status = sel
			} else {
				out.Priority = sel
			}
		case strings.EqualFold(f.Name, FieldNameModel):
			out.Model = f.ID
		case strings.EqualFold(f.Name, FieldNameCost):
			out.Cost = f.ID
		}
	}
	return out, nil
}

func fieldsComplete(f FieldsConfig) bool {
	return f.Status.ID != "" && len(f.Status.Options) > 0 &&
		f.Priority.ID != "" && len(f.Priority.Options) > 0 &&
		f.Model != "" && f.Cost != ""
}

// mergeFields fills gaps in configured with resolved values.
func mergeFields(configured, resolved FieldsConfig) FieldsConfig {
	out := configured
	out.Status = mergeSelect(configured.Status, resolved.Status)
	out.Priority = mergeSelect(configured.Priority, resolved.Priority)
	if out.Model == "" {
		out.Model = resolved.Model
	}
	if out.Cost == "" {
		out.Cost = resolved.Cost
	}
	return out
}

func mergeSelect(configured, resolved SelectField) SelectField {
	out := configured
	if out.ID == "" {
		out.ID = resolved.ID
	}
	if len(out.Options) == 0 {
		out.Options = resolved.Options
	}
	return out
}
