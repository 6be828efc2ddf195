package types

import "fmt"

// InvType identifies the kind of object named by an Inventory entry.
type InvType uint32

const (
	InvTypeError InvType = iota
	InvTypeTx
	InvTypeBlock
)

func (t InvType) String() string {
	switch t {
	case InvTypeTx:
		return "tx"
	case InvTypeBlock:
		return "block"
	default:
		return "error"
	}
}

// Inventory names a single object a peer is asked to deliver.
type Inventory struct {
	Type InvType
	Hash Hash
}

// GetData is the request packet a peer session transmits to solicit the
// objects currently reserved to it. Entries are ordered by ascending height.
type GetData struct {
	Inventories []Inventory
}

// Empty reports whether the packet carries no inventories.
func (g *GetData) Empty() bool { return len(g.Inventories) == 0 }

// Size returns the number of inventories in the packet.
func (g *GetData) Size() int { return len(g.Inventories) }

func (g *GetData) String() string {
	return fmt.Sprintf("GetData{%d invs}", len(g.Inventories))
}
