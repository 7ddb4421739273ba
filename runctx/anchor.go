package runctx

import "time"

// AnchorReason says why a message was pinned across context compaction.
type AnchorReason int

const (
	// Goal is the initial user request. At most one Goal anchor exists and
	// it is never evicted.
	Goal AnchorReason = iota
	// Decision marks an important decision made by the agent.
	Decision
	// ErrorFixed marks an error that was successfully worked around.
	ErrorFixed
	// Success marks a successful tool execution with a meaningful result.
	Success
	// ToolResult marks a tool result worth preserving verbatim.
	ToolResult
)

func (r AnchorReason) String() string {
	switch r {
	case Goal:
		return "goal"
	case Decision:
		return "decision"
	case ErrorFixed:
		return "error_fixed"
	case Success:
		return "success"
	case ToolResult:
		return "tool_result"
	default:
		return "unknown"
	}
}

// AnchorMessage is a message preserved across context compaction.
type AnchorMessage struct {
	Content   string
	Reason    AnchorReason
	Iteration int
	Elapsed   time.Duration
}

// AddAnchor pins content for the rest of the run. A Goal anchor replaces
// any prior Goal and sits first in the list; other reasons append. When the
// set exceeds MaxAnchors the oldest non-Goal anchor is dropped, so the Goal
// survives arbitrary insertion sequences.
func (c *Context) AddAnchor(content string, reason AnchorReason) {
	anchor := AnchorMessage{
		Content:   content,
		Reason:    reason,
		Iteration: c.Iteration,
		Elapsed:   c.Elapsed(),
	}

	if reason == Goal {
		kept := c.Anchors[:0]
		for _, a := range c.Anchors {
			if a.Reason != Goal {
				kept = append(kept, a)
			}
		}
		c.Anchors = append([]AnchorMessage{anchor}, kept...)
	} else {
		c.Anchors = append(c.Anchors, anchor)
	}

	for len(c.Anchors) > MaxAnchors {
		dropped := false
		for i, a := range c.Anchors {
			if a.Reason != Goal {
				c.Anchors = append(c.Anchors[:i], c.Anchors[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			break
		}
	}
}

// GoalAnchor returns the Goal anchor if one was set.
func (c *Context) GoalAnchor() (AnchorMessage, bool) {
	for _, a := range c.Anchors {
		if a.Reason == Goal {
			return a, true
		}
	}
	return AnchorMessage{}, false
}
