package wire

import (
	"errors"
	"fmt"

	"github.com/skeinhq/skein/internal/instruction"
	"github.com/skeinhq/skein/internal/model"
)

// RegisterGraph binds a socket to a graph instance and requests the
// instruction backlog since FromTimestamp.
type RegisterGraph struct {
	GraphKey      string `json:"graphKey"`
	SheetID       string `json:"sheetId"`
	UserID        string `json:"userId"`
	UserName      string `json:"userName"`
	FromTimestamp int64  `json:"fromTimestamp"`
}

func (m *RegisterGraph) Validate() error {
	if m.GraphKey == "" {
		return errors.New("graphKey is required")
	}
	if m.SheetID == "" {
		return errors.New("sheetId is required")
	}
	if m.UserID == "" {
		return errors.New("userId is required")
	}
	return nil
}

// DisconnectGraph cleanly unbinds a user from a graph instance.
type DisconnectGraph struct {
	GraphKey string `json:"graphKey"`
	UserID   string `json:"userId"`
}

func (m *DisconnectGraph) Validate() error {
	if m.GraphKey == "" {
		return errors.New("graphKey is required")
	}
	if m.UserID == "" {
		return errors.New("userId is required")
	}
	return nil
}

// RegisterNodeConfig binds a socket to a node-config instance.
type RegisterNodeConfig struct {
	NodeConfigKey string `json:"nodeConfigKey"`
	UserID        string `json:"userId"`
	UserName      string `json:"userName"`
	FromTimestamp int64  `json:"fromTimestamp"`
}

func (m *RegisterNodeConfig) Validate() error {
	if m.NodeConfigKey == "" {
		return errors.New("nodeConfigKey is required")
	}
	if m.UserID == "" {
		return errors.New("userId is required")
	}
	return nil
}

// DisconnectNodeConfig cleanly unbinds a user from a node-config
// instance.
type DisconnectNodeConfig struct {
	NodeConfigKey string `json:"nodeConfigKey"`
	UserID        string `json:"userId"`
}

func (m *DisconnectNodeConfig) Validate() error {
	if m.NodeConfigKey == "" {
		return errors.New("nodeConfigKey is required")
	}
	if m.UserID == "" {
		return errors.New("userId is required")
	}
	return nil
}

// InstructionItem is one edit within an apply batch. Graph edits name a
// sheet plus exactly one of NodeID or EdgeID; node-config edits carry
// only the instruction itself.
type InstructionItem struct {
	SheetID             string                  `json:"sheetId,omitempty"`
	NodeID              string                  `json:"nodeId,omitempty"`
	EdgeID              string                  `json:"edgeId,omitempty"`
	I                   instruction.Instruction `json:"i"`
	ApplyUniqIdentifier bool                    `json:"applyUniqIdentifier,omitempty"`
	TargetedIdentifier  string                  `json:"targetedIdentifier,omitempty"`
	TriggerHTMLRender   bool                    `json:"triggerHtmlRender,omitempty"`
	AnimatePos          bool                    `json:"animatePos,omitempty"`
}

// ApplyToGraph edits nodes and edges of the bound graph instance.
type ApplyToGraph struct {
	Instructions []InstructionItem `json:"instructions"`
}

func (m *ApplyToGraph) Validate() error {
	if len(m.Instructions) == 0 {
		return errors.New("instructions are required")
	}
	for i, item := range m.Instructions {
		if item.SheetID == "" {
			return fmt.Errorf("instruction %d: sheetId is required", i)
		}
		if (item.NodeID == "") == (item.EdgeID == "") {
			return fmt.Errorf("instruction %d: exactly one of nodeId or edgeId is required", i)
		}
		if err := instruction.Validate(item.I); err != nil {
			return fmt.Errorf("instruction %d: %v", i, err)
		}
	}
	return nil
}

// ApplyToNodeConfig edits the bound node-config document.
type ApplyToNodeConfig struct {
	Instructions []InstructionItem `json:"instructions"`
}

func (m *ApplyToNodeConfig) Validate() error {
	if len(m.Instructions) == 0 {
		return errors.New("instructions are required")
	}
	for i, item := range m.Instructions {
		if err := instruction.Validate(item.I); err != nil {
			return fmt.Errorf("instruction %d: %v", i, err)
		}
	}
	return nil
}

// GenerateUniqueID asks the server to fill the ids array with fresh
// local keys for client-side preview. An empty array requests one.
type GenerateUniqueID struct {
	IDs []string `json:"ids"`
}

func (m *GenerateUniqueID) Validate() error {
	return nil
}

// BatchCreate atomically adds nodes and edges to one sheet.
type BatchCreate struct {
	SheetID string          `json:"sheetId"`
	Nodes   []model.Element `json:"nodes"`
	Edges   []model.Element `json:"edges"`
}

func (m *BatchCreate) Validate() error {
	if m.SheetID == "" {
		return errors.New("sheetId is required")
	}
	if len(m.Nodes) == 0 && len(m.Edges) == 0 {
		return errors.New("batch is empty")
	}
	for i, n := range m.Nodes {
		if n.Key() == "" {
			return fmt.Errorf("node %d has no key", i)
		}
	}
	for i, e := range m.Edges {
		if e.Key() == "" {
			return fmt.Errorf("edge %d has no key", i)
		}
		if e.Source() == "" || e.Target() == "" {
			return fmt.Errorf("edge %s is missing source or target", e.Key())
		}
	}
	return nil
}

// BatchDelete atomically removes nodes and edges from one sheet.
type BatchDelete struct {
	SheetID  string   `json:"sheetId"`
	NodeKeys []string `json:"nodeKeys"`
	EdgeKeys []string `json:"edgeKeys"`
}

func (m *BatchDelete) Validate() error {
	if m.SheetID == "" {
		return errors.New("sheetId is required")
	}
	if len(m.NodeKeys) == 0 && len(m.EdgeKeys) == 0 {
		return errors.New("batch is empty")
	}
	for _, k := range append(append([]string{}, m.NodeKeys...), m.EdgeKeys...) {
		if k == "" {
			return errors.New("batch contains an empty key")
		}
	}
	return nil
}

// CreateSheet adds a sheet to the bound graph.
type CreateSheet struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

func (m *CreateSheet) Validate() error {
	if m.Key == "" {
		return errors.New("key is required")
	}
	if m.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// RenameSheet changes a sheet's display name.
type RenameSheet struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

func (m *RenameSheet) Validate() error {
	if m.Key == "" {
		return errors.New("key is required")
	}
	if m.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// DeleteSheet removes a sheet and everything on it.
type DeleteSheet struct {
	Key string `json:"key"`
}

func (m *DeleteSheet) Validate() error {
	if m.Key == "" {
		return errors.New("key is required")
	}
	return nil
}

// ForceSave requests a synchronous flush of the bound instance.
type ForceSave struct{}

func (m *ForceSave) Validate() error {
	return nil
}

// ToggleAutoSave enables or disables the periodic flush for the bound
// instance.
type ToggleAutoSave struct {
	Enabled bool `json:"enabled"`
}

func (m *ToggleAutoSave) Validate() error {
	return nil
}
