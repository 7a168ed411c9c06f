package github

import (
	"context"
	"fmt"
	"strings"
)

// ProjectItem is a Projects V2 item joined with its linked issue.
type ProjectItem struct {
	ID           string
	ContentID    string
	Number       int
	Title        string
	Body         string
	State        string
	Status       string
	Priority     string
	Model        string
	Cost         float64
	Labels       []string
	ParentNumber int
	ParentLabels []string
	SubIssues    []SubIssueRef
}

// SubIssueRef is the number and state of a linked sub-issue.
type SubIssueRef struct {
	Number int    `json:"number"`
	State  string `json:"state"`
}

// IsOpen reports whether the sub-issue is still open.
func (s SubIssueRef) IsOpen() bool {
	return strings.EqualFold(s.State, StateOpen)
}

// HasLabel reports whether the item's issue carries the label.
func (i ProjectItem) HasLabel(name string) bool {
	return containsFold(i.Labels, name)
}

// ParentHasLabel reports whether the parent issue carries the label.
func (i ProjectItem) ParentHasLabel(name string) bool {
	return containsFold(i.ParentLabels, name)
}

// OpenSubIssues returns the sub-issues that are still open.
func (i ProjectItem) OpenSubIssues() []SubIssueRef {
	var open []SubIssueRef
	for _, s := range i.SubIssues {
		if s.IsOpen() {
			open = append(open, s)
		}
	}
	return open
}

func containsFold(list []string, name string) bool {
	for _, v := range list {
		if strings.EqualFold(v, name) {
			return true
		}
	}
	return false
}

// FieldType selects the value shape of a project field update.
type FieldType int

const (
	FieldText FieldType = iota + 1
	FieldNumber
	FieldSingleSelect
)

func (t FieldType) String() string {
	switch t {
	case FieldText:
		return "text"
	case FieldNumber:
		return "number"
	case FieldSingleSelect:
		return "single_select"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// FieldValue is a typed project field value.
type FieldValue struct {
	Type     FieldType
	Text     string
	Number   float64
	OptionID string
}

// TextValue returns a text field value.
func TextValue(s string) FieldValue { return FieldValue{Type: FieldText, Text: s} }

// NumberValue returns a number field value.
func NumberValue(n float64) FieldValue { return FieldValue{Type: FieldNumber, Number: n} }

// OptionValue returns a single-select field value.
func OptionValue(optionID string) FieldValue {
	return FieldValue{Type: FieldSingleSelect, OptionID: optionID}
}

// input renders the ProjectV2FieldValue input object.
func (v FieldValue) input() (map[string]interface{}, error) {
	switch v.Type {
	case FieldText:
		return map[string]interface{}{"text": v.Text}, nil
	case FieldNumber:
		return map[string]interface{}{"number": v.Number}, nil
	case FieldSingleSelect:
		if v.OptionID == "" {
			return nil, fmt.Errorf("single select value requires an option ID")
		}
		return map[string]interface{}{"singleSelectOptionId": v.OptionID}, nil
	default:
		return nil, fmt.Errorf("unsupported field type %s", v.Type)
	}
}

const (
	queryProjectItems = `query($projectID: ID!, $cursor: String) {
  node(id: $projectID) {
    ... on ProjectV2 {
      items(first: 100, after: $cursor) {
        pageInfo { hasNextPage endCursor }
        nodes {
          id
          fieldValues(first: 20) {
            nodes {
              ... on ProjectV2ItemFieldSingleSelectValue { name field { ... on ProjectV2FieldCommon { name } } }
              ... on ProjectV2ItemFieldTextValue { text field { ... on ProjectV2FieldCommon { name } } }
              ... on ProjectV2ItemFieldNumberValue { number field { ... on ProjectV2FieldCommon { name } } }
            }
          }
          content {
            ... on Issue {
              id number title body state
              labels(first: 20) { nodes { name } }
              subIssues(first: 50) { nodes { number state } }
              parent { number labels(first: 20) { nodes { name } } }
            }
          }
        }
      }
    }
  }
}`

	mutationUpdateFieldValue = `mutation($projectID: ID!, $itemID: ID!, $fieldID: ID!, $value: ProjectV2FieldValue!) {
  updateProjectV2ItemFieldValue(input: {
    projectId: $projectID, itemId: $itemID, fieldId: $fieldID, value: $value
  }) { projectV2Item { id } }
}`

	mutationAddItem = `mutation($projectID: ID!, $contentID: ID!) {
  addProjectV2ItemById(input: { projectId: $projectID, contentId: $contentID }) { item { id } }
}`

	queryIssueProjectItems = `query($issueID: ID!) {
  node(id: $issueID) {
    ... on Issue { projectItems(first: 20) { nodes { id project { id } } } }
  }
}`
)

type labelNodes struct {
	Nodes []struct {
		Name string `json:"name"`
	} `json:"nodes"`
}

func (l labelNodes) names() []string {
	out := make([]string, 0, len(l.Nodes))
	for _, n := range l.Nodes {
		out = append(out, n.Name)
	}
	return out
}

type projectItemsResponse struct {
	Node struct {
		Items struct {
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
			Nodes []struct {
				ID          string `json:"id"`
				FieldValues struct {
					Nodes []struct {
						Name   *string  `json:"name"`
						Text   *string  `json:"text"`
						Number *float64 `json:"number"`
						Field  struct {
							Name string `json:"name"`
						} `json:"field"`
					} `json:"nodes"`
				} `json:"fieldValues"`
				Content struct {
					ID        string      `json:"id"`
					Number    int         `json:"number"`
					Title     string      `json:"title"`
					Body      string      `json:"body"`
					State     string      `json:"state"`
					Labels    labelNodes  `json:"labels"`
					SubIssues struct {
						Nodes []SubIssueRef `json:"nodes"`
					} `json:"subIssues"`
					Parent *struct {
						Number int        `json:"number"`
						Labels labelNodes `json:"labels"`
					} `json:"parent"`
				} `json:"content"`
			} `json:"nodes"`
		} `json:"items"`
	} `json:"node"`
}

// FetchProjectItems returns every project item linked to an issue.
// Draft items and pull requests carry no issue number and are dropped.
func (c *Client) FetchProjectItems(ctx context.Context, projectID string) ([]ProjectItem, error) {
	var items []ProjectItem
	var cursor interface{}
	for {
		var resp projectItemsResponse
		vars := map[string]interface{}{"projectID": projectID, "cursor": cursor}
		if err := c.ExecuteGraphQL(ctx, queryProjectItems, vars, &resp); err != nil {
			return nil, fmt.Errorf("fetch project items: %w", err)
		}

		for _, n := range resp.Node.Items.Nodes {
			if n.Content.Number == 0 {
				continue
			}
			item := ProjectItem{
				ID:        n.ID,
				ContentID: n.Content.ID,
				Number:    n.Content.Number,
				Title:     n.Content.Title,
				Body:      n.Content.Body,
				State:     n.Content.State,
				Labels:    n.Content.Labels.names(),
				SubIssues: n.Content.SubIssues.Nodes,
			}
			if p := n.Content.Parent; p != nil {
				item.ParentNumber = p.Number
				item.ParentLabels = p.Labels.names()
			}
			for _, fv := range n.FieldValues.Nodes {
				switch {
				case strings.EqualFold(fv.Field.Name, FieldNameStatus) && fv.Name != nil:
					item.Status = *fv.Name
				case strings.EqualFold(fv.Field.Name, FieldNamePriority) && fv.Name != nil:
					item.Priority = *fv.Name
				case strings.EqualFold(fv.Field.Name, FieldNameModel) && fv.Text != nil:
					item.Model = *fv.Text
				case strings.EqualFold(fv.Field.Name, FieldNameCost) && fv.Number != nil:
					item.Cost = *fv.Number
				}
			}
			items = append(items, item)
		}

		page := resp.Node.Items.PageInfo
		if !page.HasNextPage || page.EndCursor == "" {
			return items, nil
		}
		cursor = page.EndCursor
	}
}

// UpdateProjectField sets one field of a project item.
func (c *Client) UpdateProjectField(ctx context.Context, projectID, itemID, fieldID string, value FieldValue) error {
	if fieldID == "" {
		return fmt.Errorf("update project field: empty field ID")
	}
	input, err := value.input()
	if err != nil {
		return fmt.Errorf("update project field %s: %w", fieldID, err)
	}
	vars := map[string]interface{}{
		"projectID": projectID,
		"itemID":    itemID,
		"fieldID":   fieldID,
		"value":     input,
	}
	if err := c.ExecuteGraphQL(ctx, mutationUpdateFieldValue, vars, nil); err != nil {
		return fmt.Errorf("update project field %s: %w", fieldID, err)
	}
	return nil
}

// AddIssueToProject adds the issue (by node ID) to the project and returns the item ID.
// Adding an issue that is already on the board returns the existing item.
func (c *Client) AddIssueToProject(ctx context.Context, projectID, issueNodeID string) (string, error) {
	var resp struct {
		AddProjectV2ItemByID struct {
			Item struct {
				ID string `json:"id"`
			} `json:"item"`
		} `json:"addProjectV2ItemById"`
	}
	vars := map[string]interface{}{"projectID": projectID, "contentID": issueNodeID}
	if err := c.ExecuteGraphQL(ctx, mutationAddItem, vars, &resp); err != nil {
		return "", fmt.Errorf("add issue to project: %w", err)
	}
	return resp.AddProjectV2ItemByID.Item.ID, nil
}

// FindProjectItemID returns the item ID of the issue within the project, or "" if absent.
func (c *Client) FindProjectItemID(ctx context.Context, projectID, issueNodeID string) (string, error) {
	var resp struct {
		Node struct {
			ProjectItems struct {
				Nodes []struct {
					ID      string `json:"id"`
					Project struct {
						ID string `json:"id"`
					} `json:"project"`
				} `json:"nodes"`
			} `json:"projectItems"`
		} `json:"node"`
	}
	if err := c.ExecuteGraphQL(ctx, queryIssueProjectItems, map[string]interface{}{"issueID": issueNodeID}, &resp); err != nil {
		return "", fmt.Errorf("query issue project items: %w", err)
	}
	for _, item := range resp.Node.ProjectItems.Nodes {
		if item.Project.ID == projectID {
			return item.ID, nil
		}
	}
	return "", nil
}
