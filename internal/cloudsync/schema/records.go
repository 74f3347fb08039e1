package schema

import (
	"fmt"
	"time"
)

// Workspace is a local git repository that sessions run against.
type Workspace struct {
	Meta

	Name         string    `json:"name"`
	Folder       string    `json:"folder"`
	ScriptPath   string    `json:"scriptPath,omitempty"`
	OriginBranch string    `json:"originBranch"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (w *Workspace) EntityType() EntityType { return EntityWorkspace }
func (w *Workspace) SyncMeta() *Meta        { return &w.Meta }
func (w *Workspace) sealed()                {}

// SetDefaults applies default values for optional fields.
func (w *Workspace) SetDefaults() {
	if w.OriginBranch == "" {
		w.OriginBranch = "main"
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = Millis(time.Now())
	}
}

// Validate checks if the Workspace has valid field values.
func (w *Workspace) Validate() error {
	if err := w.Meta.validate(); err != nil {
		return err
	}
	if w.Name == "" {
		return fmt.Errorf("name is required")
	}
	if w.Folder == "" {
		return fmt.Errorf("folder is required")
	}
	if w.OriginBranch == "" {
		return fmt.Errorf("originBranch is required")
	}
	return nil
}

// Session is one coding-agent run inside a workspace worktree.
//
// WorkspaceLocalID is this device's id for the workspace; WorkspaceCloudID is
// filled in by the session synchronizer before the record leaves the device
// and is what other devices map back to their own local id.
type Session struct {
	Meta

	Name             string    `json:"name"`
	Cwd              string    `json:"cwd"`
	WorkspaceLocalID string    `json:"workspaceLocalId,omitempty"`
	WorkspaceCloudID string    `json:"workspaceId,omitempty"`
	WorktreeName     string    `json:"worktreeName,omitempty"`
	Status           string    `json:"status"`
	BaseCommit       string    `json:"baseCommit,omitempty"`
	AgentSessionID   string    `json:"agentSessionId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

func (s *Session) EntityType() EntityType { return EntitySession }
func (s *Session) SyncMeta() *Meta        { return &s.Meta }
func (s *Session) sealed()                {}

// SetDefaults applies default values for optional fields.
func (s *Session) SetDefaults() {
	if s.Status == "" {
		s.Status = "busy"
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = Millis(time.Now())
	}
}

// Validate checks if the Session has valid field values.
func (s *Session) Validate() error {
	if err := s.Meta.validate(); err != nil {
		return err
	}
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Cwd == "" {
		return fmt.Errorf("cwd is required")
	}
	if s.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// InboxMessage is a notification raised by a session for the user to review.
type InboxMessage struct {
	Meta

	SessionLocalID string     `json:"sessionLocalId,omitempty"`
	SessionCloudID string     `json:"sessionId,omitempty"`
	Message        string     `json:"message"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	FirstReadAt    *time.Time `json:"firstReadAt,omitempty"`
}

func (m *InboxMessage) EntityType() EntityType { return EntityInboxMessage }
func (m *InboxMessage) SyncMeta() *Meta        { return &m.Meta }
func (m *InboxMessage) sealed()                {}

// SetDefaults applies default values for optional fields.
func (m *InboxMessage) SetDefaults() {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = Millis(time.Now())
	}
}

// MarkRead records a read at now. FirstReadAt is only set once.
func (m *InboxMessage) MarkRead(now time.Time) {
	read := Millis(now)
	m.ReadAt = &read
	if m.FirstReadAt == nil {
		first := read
		m.FirstReadAt = &first
	}
	m.Touch(now)
}

// Validate checks if the InboxMessage has valid field values.
func (m *InboxMessage) Validate() error {
	if err := m.Meta.validate(); err != nil {
		return err
	}
	if m.SessionLocalID == "" && m.SessionCloudID == "" {
		return fmt.Errorf("session reference is required")
	}
	if m.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// Comment states.
const (
	CommentOpen     = "open"
	CommentResolved = "resolved"
)

// DiffComment is a review comment attached to a line of a session's diff.
// Replies point at their parent through ParentLocalID / ParentCloudID.
type DiffComment struct {
	Meta

	SessionLocalID string    `json:"sessionLocalId,omitempty"`
	SessionCloudID string    `json:"sessionId,omitempty"`
	FilePath       string    `json:"filePath"`
	LineNumber     *int      `json:"lineNumber,omitempty"`
	LineType       string    `json:"lineType,omitempty"`
	Author         string    `json:"author"`
	Content        string    `json:"content"`
	Status         string    `json:"status"`
	ParentLocalID  string    `json:"parentLocalId,omitempty"`
	ParentCloudID  string    `json:"parentId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (c *DiffComment) EntityType() EntityType { return EntityComment }
func (c *DiffComment) SyncMeta() *Meta        { return &c.Meta }
func (c *DiffComment) sealed()                {}

// SetDefaults applies default values for optional fields.
func (c *DiffComment) SetDefaults() {
	if c.Status == "" {
		c.Status = CommentOpen
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = Millis(time.Now())
	}
}

// Validate checks if the DiffComment has valid field values.
func (c *DiffComment) Validate() error {
	if err := c.Meta.validate(); err != nil {
		return err
	}
	if c.SessionLocalID == "" && c.SessionCloudID == "" {
		return fmt.Errorf("session reference is required")
	}
	if c.FilePath == "" {
		return fmt.Errorf("filePath is required")
	}
	if c.Author == "" {
		return fmt.Errorf("author is required")
	}
	if c.Content == "" {
		return fmt.Errorf("content is required")
	}
	if c.Status != CommentOpen && c.Status != CommentResolved {
		return fmt.Errorf("status must be %q or %q (got %q)", CommentOpen, CommentResolved, c.Status)
	}
	if c.LineNumber != nil && *c.LineNumber < 0 {
		return fmt.Errorf("lineNumber must not be negative (got %d)", *c.LineNumber)
	}
	return nil
}
