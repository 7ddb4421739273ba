package planner

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// parsedItem is one raw task extracted from either grammar, before mapping
// into a Task (it still carries a dependencies list or preferred tool if
// the JSON shape supplied them; Markdown items carry only id/content/status).
type parsedItem struct {
	ID            string
	Content       string
	Status        Status
	Dependencies  []string
	PreferredTool string
}

type jsonTodo struct {
	ID            string   `json:"id"`
	Content       string   `json:"content"`
	Status        string   `json:"status"`
	Dependencies  []string `json:"dependencies"`
	PreferredTool string   `json:"preferred_tool"`
}

type jsonPlan struct {
	Todos []jsonTodo `json:"todos"`
}

var (
	numberedListItem = regexp.MustCompile(`^\d+\.\s+(.*)$`)
	checkedBoxItem    = regexp.MustCompile(`^-\s+\[[xX]\]\s+(.*)$`)
	uncheckedBoxItem  = regexp.MustCompile(`^-\s+\[\s?\]\s+(.*)$`)
	dashItem          = regexp.MustCompile(`^-\s+(.*)$`)
	starItem          = regexp.MustCompile(`^\*\s+(.*)$`)
)

// parsePlan extracts a tolerant list of parsedItem from raw model output,
// trying the JSON grammar first (`{todos:[...]}` or a bare array) and
// falling back to the Markdown list grammar. Malformed items within a
// recognized shape are skipped rather than aborting the whole parse; a raw
// string matching neither grammar returns ok=false.
func parsePlan(raw string) ([]parsedItem, bool) {
	trimmed := strings.TrimSpace(raw)

	if items, ok := parseJSONPlan(trimmed); ok {
		return items, true
	}
	return parseMarkdownPlan(trimmed)
}

func parseJSONPlan(trimmed string) ([]parsedItem, bool) {
	if trimmed == "" {
		return nil, false
	}

	var todos []jsonTodo
	switch trimmed[0] {
	case '{':
		var plan jsonPlan
		if err := json.Unmarshal([]byte(trimmed), &plan); err != nil {
			return nil, false
		}
		todos = plan.Todos
	case '[':
		if err := json.Unmarshal([]byte(trimmed), &todos); err != nil {
			return nil, false
		}
	default:
		return nil, false
	}

	items := make([]parsedItem, 0, len(todos))
	for _, t := range todos {
		if t.ID == "" || t.Content == "" {
			continue // malformed item, skip
		}
		items = append(items, parsedItem{
			ID:            t.ID,
			Content:       t.Content,
			Status:        ParseStatus(t.Status),
			Dependencies:  t.Dependencies,
			PreferredTool: t.PreferredTool,
		})
	}
	if len(items) == 0 {
		return nil, false
	}
	return items, true
}

// parseMarkdownPlan recognizes lines matching `1. text`, `- [ ] text`,
// `- [x] text`, `- text`, `* text`. IDs are synthesized from position since
// Markdown items carry no explicit id; callers that re-parse the same plan
// across iterations should prefer the JSON grammar if they need stable ids.
func parseMarkdownPlan(trimmed string) ([]parsedItem, bool) {
	lines := strings.Split(trimmed, "\n")

	var items []parsedItem
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case checkedBoxItem.MatchString(line):
			content := checkedBoxItem.FindStringSubmatch(line)[1]
			items = append(items, markdownItem(i, content, Completed))
		case uncheckedBoxItem.MatchString(line):
			content := uncheckedBoxItem.FindStringSubmatch(line)[1]
			items = append(items, markdownItem(i, content, Pending))
		case numberedListItem.MatchString(line):
			content := numberedListItem.FindStringSubmatch(line)[1]
			items = append(items, markdownItem(i, content, Pending))
		case dashItem.MatchString(line):
			content := dashItem.FindStringSubmatch(line)[1]
			items = append(items, markdownItem(i, content, Pending))
		case starItem.MatchString(line):
			content := starItem.FindStringSubmatch(line)[1]
			items = append(items, markdownItem(i, content, Pending))
		}
	}

	if len(items) == 0 {
		return nil, false
	}
	return items, true
}

func markdownItem(line int, content string, status Status) parsedItem {
	return parsedItem{ID: taskIDFromContent(line, content), Content: content, Status: status}
}

// taskIDFromContent synthesizes a stable id for a Markdown task: the line
// index it appeared at. Re-parsing the identical list from a later model
// turn produces the same ids, so "duplicates by id update in place" still
// holds across iterations as long as item order is stable.
func taskIDFromContent(line int, _ string) string {
	return "md-" + strconv.Itoa(line)
}

// Apply parses raw and merges or replaces the active plan:
//   - merge=true updates existing tasks by id in place and appends new ones,
//     matching the spec's "duplicates by id update in place" rule.
//   - merge=false archives the current active plan (if any) and installs a
//     fresh one built from raw.
//
// ok is false if raw matched neither grammar; in that case the active plan
// is left untouched.
func (m *Manager) Apply(goal, raw string, merge bool) bool {
	items, ok := parsePlan(raw)
	if !ok {
		return false
	}

	if !merge || m.active == nil {
		p := newPlan(goal)
		for i, it := range items {
			p.Tasks = append(p.Tasks, taskFromItem(it, i))
		}
		p.reindex()
		m.replaceActive(p)
		return true
	}

	p := m.active
	for _, it := range items {
		if existing, found := p.byID[it.ID]; found {
			existing.Description = it.Content
			existing.Status = it.Status
			if it.PreferredTool != "" {
				existing.PreferredTool = it.PreferredTool
			}
			continue
		}
		t := taskFromItem(it, len(p.Tasks))
		p.Tasks = append(p.Tasks, t)
	}
	p.reindex()
	p.Updated = time.Now()
	return true
}

func taskFromItem(it parsedItem, seq int) Task {
	deps := make(map[string]bool, len(it.Dependencies))
	for _, d := range it.Dependencies {
		deps[d] = true
	}
	return Task{
		ID:            it.ID,
		Description:   it.Content,
		Status:        it.Status,
		Priority:      Medium,
		Dependencies:  deps,
		PreferredTool: it.PreferredTool,
		seq:           seq,
	}
}
