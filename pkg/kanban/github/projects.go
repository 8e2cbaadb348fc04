package github

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openfleet/openfleet/pkg/logger"
)

// fieldsTTL bounds staleness of board field metadata. Node and item ids are
// stable for a session; option sets change when someone edits the board.
const fieldsTTL = 5 * time.Minute

type projectField struct {
	ID         string
	Name       string
	DataType   string
	Options    map[string]string // lowercased option name -> option id
	Iterations map[string]string // lowercased iteration title -> iteration id
}

// projectCache memoizes board lookups: the project node id and per-issue
// item ids for the session, field metadata for fieldsTTL.
type projectCache struct {
	mu       sync.Mutex
	nodeID   string
	items    map[string]string
	fields   map[string]projectField
	fieldsAt time.Time
}

// InvalidateBoardCaches drops every cached board lookup. Called when a field
// sync reports an unknown field or option, so the next sync re-reads the
// board.
func (a *Adapter) InvalidateBoardCaches() {
	a.projects.mu.Lock()
	defer a.projects.mu.Unlock()
	a.projects.nodeID = ""
	a.projects.items = nil
	a.projects.fields = nil
	a.projects.fieldsAt = time.Time{}
}

// --- GraphQL plumbing ---

func (a *Adapter) graphql(ctx context.Context, query string, vars map[string]string, out interface{}) error {
	args := []string{"api", "graphql", "-f", "query=" + query}
	for k, v := range vars {
		args = append(args, "-f", fmt.Sprintf("%s=%s", k, v))
	}
	raw, err := a.run(ctx, args...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (a *Adapter) projectNodeID(ctx context.Context) (string, error) {
	a.projects.mu.Lock()
	cached := a.projects.nodeID
	a.projects.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	queries := []string{
		`query($owner:String!){ organization(login:$owner){ projectV2(number:` + strconv.Itoa(a.projectNumber) + `){ id } } }`,
		`query($owner:String!){ user(login:$owner){ projectV2(number:` + strconv.Itoa(a.projectNumber) + `){ id } } }`,
	}
	var lastErr error
	for _, q := range queries {
		var resp struct {
			Data struct {
				Organization struct {
					ProjectV2 struct{ ID string } `json:"projectV2"`
				} `json:"organization"`
				User struct {
					ProjectV2 struct{ ID string } `json:"projectV2"`
				} `json:"user"`
			} `json:"data"`
		}
		if err := a.graphql(ctx, q, map[string]string{"owner": a.projectOwner}, &resp); err != nil {
			lastErr = err
			continue
		}
		id := resp.Data.Organization.ProjectV2.ID
		if id == "" {
			id = resp.Data.User.ProjectV2.ID
		}
		if id != "" {
			a.projects.mu.Lock()
			a.projects.nodeID = id
			a.projects.mu.Unlock()
			return id, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("project %d not found for owner %s", a.projectNumber, a.projectOwner)
	}
	return "", lastErr
}

// itemID resolves the board item for an issue, from cache or by walking the
// issue's projectItems.
func (a *Adapter) itemID(ctx context.Context, issueID string) (string, error) {
	a.projects.mu.Lock()
	if id, ok := a.projects.items[issueID]; ok {
		a.projects.mu.Unlock()
		return id, nil
	}
	a.projects.mu.Unlock()

	projectID, err := a.projectNodeID(ctx)
	if err != nil {
		return "", err
	}
	owner, name, _ := strings.Cut(a.repo, "/")

	query := `query($owner:String!,$name:String!){
		repository(owner:$owner,name:$name){
			issue(number:` + issueID + `){
				projectItems(first:20){ nodes { id project { id } } }
			}
		}
	}`
	var resp struct {
		Data struct {
			Repository struct {
				Issue struct {
					ProjectItems struct {
						Nodes []struct {
							ID      string `json:"id"`
							Project struct {
								ID string `json:"id"`
							} `json:"project"`
						} `json:"nodes"`
					} `json:"projectItems"`
				} `json:"issue"`
			} `json:"repository"`
		} `json:"data"`
	}
	if err := a.graphql(ctx, query, map[string]string{"owner": owner, "name": name}, &resp); err != nil {
		return "", err
	}
	for _, node := range resp.Data.Repository.Issue.ProjectItems.Nodes {
		if node.Project.ID == projectID {
			a.projects.mu.Lock()
			if a.projects.items == nil {
				a.projects.items = map[string]string{}
			}
			a.projects.items[issueID] = node.ID
			a.projects.mu.Unlock()
			return node.ID, nil
		}
	}
	return "", fmt.Errorf("issue %s has no item on project %d", issueID, a.projectNumber)
}

func (a *Adapter) fieldMetadata(ctx context.Context) (map[string]projectField, error) {
	a.projects.mu.Lock()
	if a.projects.fields != nil && time.Since(a.projects.fieldsAt) < fieldsTTL {
		fields := a.projects.fields
		a.projects.mu.Unlock()
		return fields, nil
	}
	a.projects.mu.Unlock()

	projectID, err := a.projectNodeID(ctx)
	if err != nil {
		return nil, err
	}

	query := `query($project:ID!){
		node(id:$project){
			... on ProjectV2 {
				fields(first:50){
					nodes{
						... on ProjectV2FieldCommon { id name dataType }
						... on ProjectV2SingleSelectField { id name dataType options { id name } }
						... on ProjectV2IterationField { id name dataType configuration { iterations { id title } } }
					}
				}
			}
		}
	}`
	var resp struct {
		Data struct {
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
						Configuration struct {
							Iterations []struct {
								ID    string `json:"id"`
								Title string `json:"title"`
							} `json:"iterations"`
						} `json:"configuration"`
					} `json:"nodes"`
				} `json:"fields"`
			} `json:"node"`
		} `json:"data"`
	}
	if err := a.graphql(ctx, query, map[string]string{"project": projectID}, &resp); err != nil {
		return nil, err
	}

	fields := map[string]projectField{}
	for _, node := range resp.Data.Node.Fields.Nodes {
		if node.ID == "" {
			continue
		}
		f := projectField{ID: node.ID, Name: node.Name, DataType: node.DataType}
		if len(node.Options) > 0 {
			f.Options = map[string]string{}
			for _, o := range node.Options {
				f.Options[strings.ToLower(o.Name)] = o.ID
			}
		}
		if len(node.Configuration.Iterations) > 0 {
			f.Iterations = map[string]string{}
			for _, it := range node.Configuration.Iterations {
				f.Iterations[strings.ToLower(it.Title)] = it.ID
			}
		}
		fields[strings.ToLower(node.Name)] = f
	}

	a.projects.mu.Lock()
	a.projects.fields = fields
	a.projects.fieldsAt = time.Now()
	a.projects.mu.Unlock()
	return fields, nil
}

// encodeFieldValue renders the value literal for one field by its data type.
// Returns "" when the value cannot be resolved; the caller skips the field.
func encodeFieldValue(f projectField, value string) string {
	switch f.DataType {
	case "SINGLE_SELECT":
		id, ok := f.Options[strings.ToLower(value)]
		if !ok {
			return ""
		}
		return fmt.Sprintf("{singleSelectOptionId: %s}", strconv.Quote(id))
	case "ITERATION":
		id, ok := f.Iterations[strings.ToLower(value)]
		if !ok {
			// Accept a raw iteration id as well.
			if strings.HasPrefix(value, "PVTI_") || strings.HasPrefix(value, "IT_") {
				id = value
			} else {
				return ""
			}
		}
		return fmt.Sprintf("{iterationId: %s}", strconv.Quote(id))
	case "NUMBER":
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return ""
		}
		return fmt.Sprintf("{number: %g}", n)
	case "DATE":
		return fmt.Sprintf("{date: %s}", strconv.Quote(value))
	default:
		return fmt.Sprintf("{text: %s}", strconv.Quote(value))
	}
}

// syncProjectFields writes the given field values onto the issue's board
// item with a single batched mutation. Unknown fields and unresolvable
// values are skipped with a warning, never failing the status update.
func (a *Adapter) syncProjectFields(ctx context.Context, issueID string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	projectID, err := a.projectNodeID(ctx)
	if err != nil {
		return err
	}
	itemID, err := a.itemID(ctx, issueID)
	if err != nil {
		return err
	}
	fields, err := a.fieldMetadata(ctx)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var parts []string
	skipped := false
	for _, name := range names {
		f, ok := fields[strings.ToLower(name)]
		if !ok {
			logger.WarnCF("github", "Board field not found, skipping", map[string]interface{}{
				"field": name, "issue": issueID,
			})
			skipped = true
			continue
		}
		literal := encodeFieldValue(f, values[name])
		if literal == "" {
			logger.WarnCF("github", "Board field value unresolvable, skipping", map[string]interface{}{
				"field": name, "value": values[name], "issue": issueID,
			})
			skipped = true
			continue
		}
		parts = append(parts, fmt.Sprintf(
			`f%d: updateProjectV2ItemFieldValue(input:{projectId: %s, itemId: %s, fieldId: %s, value: %s}){ clientMutationId }`,
			len(parts), strconv.Quote(projectID), strconv.Quote(itemID), strconv.Quote(f.ID), literal))
	}
	if skipped {
		// Field metadata may be stale; next sync re-reads the board.
		a.InvalidateBoardCaches()
	}
	if len(parts) == 0 {
		return nil
	}

	mutation := "mutation {\n" + strings.Join(parts, "\n") + "\n}"
	return a.graphql(ctx, mutation, nil, nil)
}

// addIssueToBoard puts a freshly created issue onto the configured board and
// caches the resulting item id.
func (a *Adapter) addIssueToBoard(ctx context.Context, issueID string) error {
	url := fmt.Sprintf("https://github.com/%s/issues/%s", a.repo, issueID)
	out, err := a.run(ctx, "project", "item-add", strconv.Itoa(a.projectNumber),
		"--owner", a.projectOwner, "--url", url, "--format", "json")
	if err != nil {
		return err
	}
	var item struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(out, &item); err == nil && item.ID != "" {
		a.projects.mu.Lock()
		if a.projects.items == nil {
			a.projects.items = map[string]string{}
		}
		a.projects.items[issueID] = item.ID
		a.projects.mu.Unlock()
	}
	return nil
}
