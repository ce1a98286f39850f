// Package identity manages the agent's identity root: a first-boot
// template load, a content hash over that root, and a read-only guard
// after boot unless an explicit update ceremony is approved.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ciriscore/agentcore/internal/clock"
	"github.com/ciriscore/agentcore/internal/graphmemory"
)

// NodeID is the fixed graph node id identity is persisted under.
const NodeID = "agent/identity"

// NodeType tags the identity graph node.
const NodeType = "identity_root"

// Root is the agent's identity: the template-derived configuration an
// IdentityManager loads on first boot and thereafter guards.
type Root struct {
	Name                   string            `json:"name" yaml:"name"`
	Description            string            `json:"description" yaml:"description"`
	RoleDescription        string            `json:"role_description" yaml:"role_description"`
	TemplateName           string            `json:"template_name" yaml:"-"`
	CoreValues             []string          `json:"core_values" yaml:"core_values"`
	PermittedActions       []string          `json:"permitted_actions" yaml:"permitted_actions"`
	RestrictedCapabilities []string          `json:"restricted_capabilities" yaml:"restricted_capabilities"`
	Metadata               map[string]string `json:"metadata" yaml:"-"`
}

// hash computes the identity hash: SHA-256 over the concatenation of name,
// description, and role description. Only these three fields participate,
// so permitted-action updates do not change the agent's identity.
func hash(root Root) (string, error) {
	sum := sha256.Sum256([]byte(root.Name + root.Description + root.RoleDescription))
	return hex.EncodeToString(sum[:]), nil
}

// LoadTemplate reads the named identity template from dir. Templates are
// consulted only at first boot.
func LoadTemplate(dir, name string) (Root, error) {
	path := filepath.Join(dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return Root{}, fmt.Errorf("identity: read template %s: %w", path, err)
	}

	var root Root
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Root{}, fmt.Errorf("identity: parse template %s: %w", path, err)
	}
	if root.Name == "" {
		return Root{}, fmt.Errorf("identity: template %s missing name", path)
	}
	root.TemplateName = name
	root.Metadata = map[string]string{
		"creator":           "system",
		"approval_required": "true",
	}
	return root, nil
}

// Manager owns the single identity root stored in graph memory.
type Manager struct {
	store *graphmemory.Store
	clock clock.Clock
}

// NewManager wraps a graphmemory.Store for identity management.
func NewManager(store *graphmemory.Store, clk clock.Clock) *Manager {
	return &Manager{store: store, clock: clk}
}

// ErrAlreadyBootstrapped is returned by Bootstrap when an identity root
// already exists; use Current instead.
var ErrAlreadyBootstrapped = fmt.Errorf("identity: already bootstrapped")

// Bootstrap persists root as the agent's identity on first boot. It fails
// if an identity root already exists; identity is otherwise read-only.
func (m *Manager) Bootstrap(root Root) (*Record, error) {
	if _, err := m.store.Get(NodeID, graphmemory.ScopeIdentity); err == nil {
		return nil, ErrAlreadyBootstrapped
	} else if err != graphmemory.ErrNotFound {
		return nil, err
	}

	h, err := hash(root)
	if err != nil {
		return nil, err
	}

	node, err := m.store.Put(NodeID, graphmemory.ScopeIdentity, NodeType, toAttributes(root, h))
	if err != nil {
		return nil, fmt.Errorf("identity: bootstrap: %w", err)
	}
	return toRecord(node)
}

// Record pairs a Root with its stored content hash and version.
type Record struct {
	Root         Root
	IdentityHash string
	Version      int
}

// Current loads the persisted identity root.
func (m *Manager) Current() (*Record, error) {
	node, err := m.store.Get(NodeID, graphmemory.ScopeIdentity)
	if err != nil {
		return nil, fmt.Errorf("identity: load current: %w", err)
	}
	return toRecord(node)
}

// VerifyIntegrity recomputes the content hash over the persisted root and
// compares it against the stored identity_hash, detecting tampering or
// corruption that bypassed the update ceremony.
func (m *Manager) VerifyIntegrity() (bool, error) {
	rec, err := m.Current()
	if err != nil {
		return false, err
	}
	recomputed, err := hash(rec.Root)
	if err != nil {
		return false, err
	}
	return recomputed == rec.IdentityHash, nil
}

// Update replaces the identity root. Callers MUST have already obtained
// approval (e.g. through a WiseAuthority creation ceremony); Update itself
// performs no authorization check, it only records who approved it.
func (m *Manager) Update(newRoot Root, approvedBy string) (*Record, error) {
	if approvedBy == "" {
		return nil, fmt.Errorf("identity: update requires an approver")
	}
	h, err := hash(newRoot)
	if err != nil {
		return nil, err
	}
	attrs := toAttributes(newRoot, h)
	attrs["approved_by"] = approvedBy

	node, err := m.store.Put(NodeID, graphmemory.ScopeIdentity, NodeType, attrs)
	if err != nil {
		return nil, fmt.Errorf("identity: update: %w", err)
	}
	return toRecord(node)
}

func toAttributes(root Root, h string) map[string]any {
	return map[string]any{
		"root":          root,
		"identity_hash": h,
	}
}

func toRecord(node *graphmemory.Node) (*Record, error) {
	rootRaw, ok := node.Attributes["root"]
	if !ok {
		return nil, fmt.Errorf("identity: stored node missing root attribute")
	}
	rootJSON, err := json.Marshal(rootRaw)
	if err != nil {
		return nil, fmt.Errorf("identity: re-marshal root attribute: %w", err)
	}
	var root Root
	if err := json.Unmarshal(rootJSON, &root); err != nil {
		return nil, fmt.Errorf("identity: unmarshal root: %w", err)
	}

	h, _ := node.Attributes["identity_hash"].(string)
	return &Record{Root: root, IdentityHash: h, Version: node.Version}, nil
}
